package resources

import (
	"fmt"
	"strings"
)

// defaultMaxContentBytes bounds a single resource read when no explicit
// limit is configured.
const defaultMaxContentBytes = 10 * 1024 * 1024

// disallowedSubstrings are rejected anywhere in a requested URI's path,
// regardless of scheme: path traversal and well-known system paths
// (spec.md §4.J).
var disallowedSubstrings = []string{"..", "/etc/", "/proc/"}

// SecurityGate validates resource URIs and content before they are
// returned to a client. It is on by default; a permissive gate can be
// built with NewSecurityGate(nil, 0, false) for trusted/internal deployments.
type SecurityGate struct {
	schemes       map[string]bool
	maxBytes      int
	mimeAllowlist map[string]bool
	enabled       bool
}

// DefaultSecurityGate builds the on-by-default gate: every scheme is
// accepted unless NewSecurityGate is given an explicit allow-list, the
// default size limit applies, and the MIME allow-list grows as resources
// are registered — per spec.md §4.J, "a MIME-type allow-list derived from
// registered resource extensions." Path-traversal and system-path checks
// always apply while the gate is enabled.
func DefaultSecurityGate() *SecurityGate {
	return &SecurityGate{
		schemes:       make(map[string]bool),
		maxBytes:      defaultMaxContentBytes,
		mimeAllowlist: make(map[string]bool),
		enabled:       true,
	}
}

// NewSecurityGate builds a gate with an explicit scheme allow-list and
// size limit (0 keeps the default). Passing enabled=false disables every
// check, for deployments that trust every registered provider.
func NewSecurityGate(schemes []string, maxBytes int, enabled bool) *SecurityGate {
	g := &SecurityGate{
		schemes:       make(map[string]bool, len(schemes)),
		mimeAllowlist: make(map[string]bool),
		enabled:       enabled,
	}
	for _, s := range schemes {
		g.schemes[s] = true
	}
	if maxBytes > 0 {
		g.maxBytes = maxBytes
	} else {
		g.maxBytes = defaultMaxContentBytes
	}
	return g
}

// checkMIME is invoked at registration time purely to grow the MIME
// allow-list; registration itself is never rejected on MIME grounds.
func (g *SecurityGate) checkMIME(mimeType string) error {
	if mimeType != "" {
		g.mimeAllowlist[mimeType] = true
	}
	return nil
}

// checkURI validates a requested URI before it is matched to a resource.
func (g *SecurityGate) checkURI(uri string) error {
	if !g.enabled {
		return nil
	}
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return fmt.Errorf("resources: %q is missing a scheme", uri)
	}
	if len(g.schemes) > 0 && !g.schemes[scheme] {
		return fmt.Errorf("resources: scheme %q is not allow-listed", scheme)
	}
	for _, bad := range disallowedSubstrings {
		if strings.Contains(uri, bad) {
			return fmt.Errorf("resources: %q contains a disallowed path segment %q", uri, bad)
		}
	}
	return nil
}

// checkSize rejects content larger than the configured limit.
func (g *SecurityGate) checkSize(n int) error {
	if !g.enabled {
		return nil
	}
	if n > g.maxBytes {
		return fmt.Errorf("resources: content size %d exceeds limit %d", n, g.maxBytes)
	}
	return nil
}

// checkContentMIME rejects returned content whose MIME type was never seen
// at registration time, when the gate is enabled and at least one resource
// declared a MIME type.
func (g *SecurityGate) checkContentMIME(mimeType string) error {
	if !g.enabled || mimeType == "" || len(g.mimeAllowlist) == 0 {
		return nil
	}
	if !g.mimeAllowlist[mimeType] {
		return fmt.Errorf("resources: MIME type %q is not allow-listed", mimeType)
	}
	return nil
}
