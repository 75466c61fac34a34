package session

// SupportedVersions lists protocol versions this server understands, newest
// first. Generalizes the teacher's single-version negotiateProtocolVersion
// into a highest-mutually-supported negotiation across several.
var SupportedVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// NegotiateVersion returns the highest version in SupportedVersions the
// client also supports, or the server's own newest version if the client
// requested something unrecognized — matching the teacher's
// default-to-latest-supported fallback.
func NegotiateVersion(requested string) string {
	for _, v := range SupportedVersions {
		if v == requested {
			return v
		}
	}
	return SupportedVersions[0]
}
