// Package resources is the URI template & resource router (spec.md §4.J):
// it holds every registered resource (static or template), matches
// incoming read requests to the right one, and gates reads through a
// configurable security check. Grounded in the teacher's URI-prefixed
// resource conventions (collection://, checkpoint:// schemes parsed in
// pkg/mcp/helpers.go's ParseCollectionURI) generalized from one hardcoded
// scheme to an arbitrary registered set.
package resources

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ReadFunc produces a resource's content. vars holds the template
// variables bound during matching (empty for static resources).
type ReadFunc func(ctx context.Context, uri string, vars map[string]string) (Content, error)

// Content is what a resource read returns: a MIME-typed payload, matching
// the MCP wire shape of a ReadResourceResult content item.
type Content struct {
	URI      string
	MIMEType string
	Text     string
	Blob     []byte
}

// Resource describes one registered resource or resource template.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Read        ReadFunc
}

type templateEntry struct {
	resource Resource
	pattern  *regexp.Regexp
	varNames []string
}

// Router holds every registered resource: exact URIs in a map, templated
// URIs in a pattern-indexed, registration-ordered list.
type Router struct {
	static    map[string]Resource
	templates []templateEntry
	security  *SecurityGate
}

// NewRouter builds an empty router. A nil gate installs DefaultSecurityGate.
func NewRouter(gate *SecurityGate) *Router {
	if gate == nil {
		gate = DefaultSecurityGate()
	}
	return &Router{static: make(map[string]Resource), security: gate}
}

// templateVarPattern matches `{name}` segments in a template URI.
var templateVarPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// isTemplate reports whether uri contains `{...}` segments.
func isTemplate(uri string) bool {
	return strings.Contains(uri, "{") && strings.Contains(uri, "}")
}

// Register adds a resource, auto-detecting whether it is a template (the
// presence of `{`/`}` in its URI) or static. Templates are compiled to a
// regexp at registration time; malformed templates (unbalanced braces,
// missing scheme) are rejected immediately as configuration errors, per
// spec.md §4.J.
func (rt *Router) Register(r Resource) error {
	if r.URI == "" {
		return fmt.Errorf("resources: empty URI")
	}
	if !strings.Contains(r.URI, "://") {
		return fmt.Errorf("resources: %q is missing a scheme", r.URI)
	}
	if strings.Count(r.URI, "{") != strings.Count(r.URI, "}") {
		return fmt.Errorf("resources: %q has unbalanced template braces", r.URI)
	}

	if !isTemplate(r.URI) {
		if _, exists := rt.static[r.URI]; exists {
			return fmt.Errorf("resources: duplicate static URI %q", r.URI)
		}
		if err := rt.security.checkMIME(r.MIMEType); err != nil {
			return err
		}
		rt.static[r.URI] = r
		return nil
	}

	pattern, varNames, err := compileTemplate(r.URI)
	if err != nil {
		return fmt.Errorf("resources: invalid template %q: %w", r.URI, err)
	}
	if err := rt.security.checkMIME(r.MIMEType); err != nil {
		return err
	}
	rt.templates = append(rt.templates, templateEntry{resource: r, pattern: pattern, varNames: varNames})
	return nil
}

// compileTemplate turns `scheme://host/path/{var}/more/{other}` into an
// anchored regexp plus the ordered variable names, matching
// percent-unreserved segments (no `/`) for each `{var}`.
func compileTemplate(uri string) (*regexp.Regexp, []string, error) {
	var varNames []string
	matches := templateVarPattern.FindAllStringSubmatchIndex(uri, -1)

	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		nameStart, nameEnd := m[2], m[3]
		b.WriteString(regexp.QuoteMeta(uri[last:start]))
		b.WriteString(`([A-Za-z0-9._~%-]+)`)
		varNames = append(varNames, uri[nameStart:nameEnd])
		last = end
	}
	b.WriteString(regexp.QuoteMeta(uri[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, err
	}
	return re, varNames, nil
}

// Match resolves uri to a registered resource and its bound template
// variables (empty for a static match). Templates are tried first-match by
// registration order, falling back to the exact static map, per spec.md
// §4.J.
func (rt *Router) Match(uri string) (Resource, map[string]string, bool) {
	for _, t := range rt.templates {
		if groups := t.pattern.FindStringSubmatch(uri); groups != nil {
			vars := make(map[string]string, len(t.varNames))
			for i, name := range t.varNames {
				vars[name] = groups[i+1]
			}
			return t.resource, vars, true
		}
	}
	if r, ok := rt.static[uri]; ok {
		return r, map[string]string{}, true
	}
	return Resource{}, nil, false
}

// Read validates uri through the security gate, matches it, and invokes the
// resource's Read function with the bound variables.
func (rt *Router) Read(ctx context.Context, uri string) (Content, error) {
	if err := rt.security.checkURI(uri); err != nil {
		return Content{}, err
	}
	r, vars, ok := rt.Match(uri)
	if !ok {
		return Content{}, fmt.Errorf("resources: no resource registered for %q", uri)
	}
	content, err := r.Read(ctx, uri, vars)
	if err != nil {
		return Content{}, err
	}
	if err := rt.security.checkSize(len(content.Text) + len(content.Blob)); err != nil {
		return Content{}, err
	}
	if err := rt.security.checkContentMIME(content.MIMEType); err != nil {
		return Content{}, err
	}
	return content, nil
}

// ListStatic returns every static resource, stably ordered by URI, cursor-
// paginated (spec.md §4.E pagination rules: default page size 50, strict
// `>` slice on the last emitted key).
func (rt *Router) ListStatic(cursor string, limit int) ([]Resource, string) {
	uris := make([]string, 0, len(rt.static))
	for uri := range rt.static {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return paginateByKey(uris, cursor, limit, func(uri string) Resource { return rt.static[uri] })
}

// ListTemplates returns every registered template, stably ordered by URI.
func (rt *Router) ListTemplates(cursor string, limit int) ([]Resource, string) {
	uris := make([]string, 0, len(rt.templates))
	byURI := make(map[string]Resource, len(rt.templates))
	for _, t := range rt.templates {
		uris = append(uris, t.resource.URI)
		byURI[t.resource.URI] = t.resource
	}
	sort.Strings(uris)
	return paginateByKey(uris, cursor, limit, func(uri string) Resource { return byURI[uri] })
}

func paginateByKey(keys []string, cursor string, limit int, lookup func(string) Resource) ([]Resource, string) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		start = len(keys)
		for i, k := range keys {
			if k > cursor {
				start = i
				break
			}
		}
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	out := make([]Resource, 0, end-start)
	for _, k := range keys[start:end] {
		out = append(out, lookup(k))
	}
	var next string
	if end < len(keys) {
		next = keys[end-1]
	}
	return out, next
}
