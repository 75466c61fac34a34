package resources_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/resources"
)

func echoRead(text string) resources.ReadFunc {
	return func(ctx context.Context, uri string, vars map[string]string) (resources.Content, error) {
		return resources.Content{URI: uri, MIMEType: "text/plain", Text: text}, nil
	}
}

func TestRegisterAutoDetectsTemplateVsStatic(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "config://app/settings", Name: "settings", Read: echoRead("static"),
	}))
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://{owner}/{name}/file", Name: "file template", Read: echoRead("templated"),
	}))

	statics, _ := rt.ListStatic("", 10)
	require.Len(t, statics, 1)
	assert.Equal(t, "config://app/settings", statics[0].URI)

	templates, _ := rt.ListTemplates("", 10)
	require.Len(t, templates, 1)
	assert.Equal(t, "repo://{owner}/{name}/file", templates[0].URI)
}

func TestRegisterRejectsMalformedTemplates(t *testing.T) {
	rt := resources.NewRouter(nil)

	err := rt.Register(resources.Resource{URI: "repo://{owner/file", Read: echoRead("x")})
	assert.Error(t, err, "unbalanced braces must be rejected")

	err = rt.Register(resources.Resource{URI: "no-scheme-here", Read: echoRead("x")})
	assert.Error(t, err, "missing scheme must be rejected")

	err = rt.Register(resources.Resource{URI: "", Read: echoRead("x")})
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateStaticURI(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{URI: "config://app/a", Read: echoRead("1")}))
	err := rt.Register(resources.Resource{URI: "config://app/a", Read: echoRead("2")})
	assert.Error(t, err)
}

func TestMatchTemplateBindsVariablesInOrder(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://{owner}/{name}/file", Read: echoRead("templated"),
	}))

	r, vars, ok := rt.Match("repo://acme/widgets/file")
	require.True(t, ok)
	assert.Equal(t, "repo://{owner}/{name}/file", r.URI)
	assert.Equal(t, map[string]string{"owner": "acme", "name": "widgets"}, vars)
}

func TestMatchFallsBackToStaticAfterTemplateMiss(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://{owner}/{name}/file", Read: echoRead("templated"),
	}))
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://static/exact", Read: echoRead("static"),
	}))

	_, vars, ok := rt.Match("repo://static/exact")
	require.True(t, ok)
	assert.Empty(t, vars)
}

func TestMatchUsesFirstRegisteredTemplateOnConflict(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://{owner}/{name}/file", Name: "first", Read: echoRead("first"),
	}))
	require.NoError(t, rt.Register(resources.Resource{
		URI: "repo://{a}/{b}/file", Name: "second", Read: echoRead("second"),
	}))

	r, _, ok := rt.Match("repo://acme/widgets/file")
	require.True(t, ok)
	assert.Equal(t, "first", r.Name)
}

func TestReadRejectsPathTraversal(t *testing.T) {
	rt := resources.NewRouter(nil)
	require.NoError(t, rt.Register(resources.Resource{URI: "file://{path}", Read: echoRead("x")}))

	_, err := rt.Read(context.Background(), "file://../../etc/passwd")
	assert.Error(t, err)
}

func TestReadRejectsDisallowedScheme(t *testing.T) {
	gate := resources.NewSecurityGate([]string{"config"}, 0, true)
	rt := resources.NewRouter(gate)
	require.NoError(t, rt.Register(resources.Resource{URI: "config://app/a", Read: echoRead("ok")}))

	_, err := rt.Read(context.Background(), "other://app/a")
	assert.Error(t, err)
}

func TestReadRejectsOversizedContent(t *testing.T) {
	gate := resources.NewSecurityGate(nil, 4, true)
	rt := resources.NewRouter(gate)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "config://app/big", Read: echoRead("way too long for the limit"),
	}))

	_, err := rt.Read(context.Background(), "config://app/big")
	assert.Error(t, err)
}

func TestSecurityGateCanBeDisabled(t *testing.T) {
	gate := resources.NewSecurityGate(nil, 1, false)
	rt := resources.NewRouter(gate)
	require.NoError(t, rt.Register(resources.Resource{
		URI: "config://app/big", Read: echoRead("way too long for the limit"),
	}))

	content, err := rt.Read(context.Background(), "config://app/big")
	require.NoError(t, err)
	assert.Equal(t, "way too long for the limit", content.Text)
}

func TestListStaticIsCursorPaginated(t *testing.T) {
	rt := resources.NewRouter(nil)
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, rt.Register(resources.Resource{URI: "config://app/" + name, Read: echoRead(name)}))
	}

	page1, cursor := rt.ListStatic("", 2)
	require.Len(t, page1, 2)
	assert.Equal(t, "config://app/a", page1[0].URI)
	assert.Equal(t, "config://app/b", page1[1].URI)
	assert.NotEmpty(t, cursor)

	page2, cursor2 := rt.ListStatic(cursor, 2)
	require.Len(t, page2, 1)
	assert.Equal(t, "config://app/c", page2[0].URI)
	assert.Empty(t, cursor2)
}
