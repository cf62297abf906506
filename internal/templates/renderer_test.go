package templates

import (
	"html"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testDefaults = Defaults{
	AppName:      "EventPost",
	SupportEmail: "help@example.com",
	SupportURL:   "https://example.com/support",
	DashboardURL: "https://example.com/dashboard",
}

func newObservedRenderer(t *testing.T, fsys fstest.MapFS) (*Renderer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	if fsys == nil {
		return New(Embedded(), testDefaults, zap.New(core)), logs
	}
	return New(fsys, testDefaults, zap.New(core)), logs
}

func TestRenderer_BookingConfirmation(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, nil)
	ctx := r.Context("Welcome", map[string]interface{}{
		"name":       "Jane",
		"event_name": "GopherCon",
		"booking_id": "BK-1001",
		"total":      49.5,
	})

	out := r.Render("booking-confirmation", ctx)

	assert.Contains(t, out, "<title>Welcome</title>")
	assert.Contains(t, out, "Hi Jane,")
	assert.Contains(t, out, "<strong>GopherCon</strong>")
	assert.Contains(t, out, "BK-1001")
	assert.Contains(t, out, "$49.50")
	assert.Contains(t, out, `href="https://example.com/dashboard"`)
	assert.Contains(t, out, "help@example.com")
	assert.Zero(t, logs.Len())
}

func TestRenderer_CatalogTemplatesRender(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, nil)
	for _, name := range Catalog {
		out := r.Render(name, r.Context("Subject "+name, map[string]interface{}{"name": "Jane"}))
		assert.Contains(t, out, "<title>Subject "+name+"</title>", name)
	}
	assert.Zero(t, logs.Len(), "every catalog template must exist")
}

func TestRenderer_FallbackOnMissingTemplate(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, nil)
	out := r.Render("no-such-template", r.Context("Hello", map[string]interface{}{
		"name":     "Jane",
		"order_id": "<42>",
	}))

	require.NotEmpty(t, out)
	assert.Contains(t, out, "name")
	assert.Contains(t, out, "Jane")
	assert.Contains(t, out, "order_id")
	assert.Contains(t, out, "&lt;42&gt;")

	entries := logs.FilterMessage("template not found, using fallback").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "no-such-template", entries[0].ContextMap()["template"])
}

func TestRenderer_FallbackOnInvalidName(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, nil)
	out := r.Render("../../etc/passwd", map[string]interface{}{"k": "v"})

	assert.Contains(t, out, "<strong>k</strong>")
	assert.Equal(t, 1, logs.FilterMessage("template not found, using fallback").Len())
}

func TestRenderer_FallbackOnBrokenTemplate(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, fstest.MapFS{
		"broken.md":              {Data: []byte("Hello {% if %}")},
		"layouts/default.html":   {Data: []byte("{{ content }}")},
		"bad-frontmatter.md":     {Data: []byte("---\nlayout: [\n---\nbody")},
		"unterminated-header.md": {Data: []byte("---\nlayout: default\nbody")},
		"missing-layout.md":      {Data: []byte("---\nlayout: fancy\n---\nbody")},
	})

	for _, name := range []string{"broken", "bad-frontmatter", "unterminated-header", "missing-layout"} {
		out := r.Render(name, map[string]interface{}{"subject": "S"})
		assert.Contains(t, out, "<title>S</title>", name)
	}
	assert.Equal(t, 4, logs.FilterMessage("template render failed, using fallback").Len())
}

func TestRenderer_CachesCompiledTemplates(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"greeting.md":          {Data: []byte("Hi {{ name }}")},
		"layouts/default.html": {Data: []byte("<div>{{ content }}</div>")},
	}
	r, _ := newObservedRenderer(t, fsys)

	first := r.Render("greeting", map[string]interface{}{"name": "Jane"})
	assert.Contains(t, first, "Hi Jane")

	fsys["greeting.md"] = &fstest.MapFile{Data: []byte("Bye {{ name }}")}

	second := r.Render("greeting", map[string]interface{}{"name": "John"})
	assert.Contains(t, second, "Hi John")
}

func TestRenderer_MarkdownEscapesRawHTML(t *testing.T) {
	t.Parallel()

	r, _ := newObservedRenderer(t, fstest.MapFS{
		"note.md":              {Data: []byte("Note: {{ message }}")},
		"layouts/default.html": {Data: []byte("{{ content }}")},
	})

	out := r.Render("note", map[string]interface{}{"message": "<script>alert(1)</script>"})
	assert.NotContains(t, out, "<script>")
}

func TestRenderer_Context(t *testing.T) {
	t.Parallel()

	r, _ := newObservedRenderer(t, nil)
	ctx := r.Context("Real subject", map[string]interface{}{
		"subject":  "ignored",
		"app_name": "Override",
		"name":     "Jane",
	})

	assert.Equal(t, "Real subject", ctx["subject"])
	assert.Equal(t, "Override", ctx["app_name"])
	assert.Equal(t, "help@example.com", ctx["support_email"])
	assert.Equal(t, "https://example.com/support", ctx["support_url"])
	assert.Equal(t, "Jane", ctx["name"])
	assert.NotNil(t, ctx["year"])
}

func TestSplitFrontmatter(t *testing.T) {
	t.Parallel()

	meta, body, err := splitFrontmatter([]byte("---\nlayout: plain\npreheader: Hi\n---\n# Title\n"))
	require.NoError(t, err)
	assert.Equal(t, "plain", meta.Layout)
	assert.Equal(t, "Hi", meta.Preheader)
	assert.Equal(t, "# Title\n", body)

	meta, body, err = splitFrontmatter([]byte("# No header"))
	require.NoError(t, err)
	assert.Empty(t, meta.Layout)
	assert.Equal(t, "# No header", body)

	_, _, err = splitFrontmatter([]byte("---\nlayout: plain\n"))
	require.ErrorIs(t, err, ErrInvalidFrontmatter)
}

func TestFallback_SortsKeys(t *testing.T) {
	t.Parallel()

	out := Fallback(map[string]interface{}{"b": 2, "a": 1})
	assert.Less(t, strings.Index(out, ">a<"), strings.Index(out, ">b<"))
	assert.Contains(t, out, "<title>Notification</title>")
}

func TestInCatalog(t *testing.T) {
	t.Parallel()

	assert.True(t, InCatalog("booking-confirmation"))
	assert.False(t, InCatalog("newsletter"))
}

func TestRenderer_EscapesCallerText(t *testing.T) {
	t.Parallel()

	r, logs := newObservedRenderer(t, nil)
	subject := `</title><a href="https://evil.example">verify</a>`
	out := r.Render("status-update", r.Context(subject, map[string]interface{}{
		"name":    "[verify](https://evil.example)",
		"message": "![x](https://evil.example/x.png) <b>hi</b> **loud**",
	}))

	assert.Zero(t, logs.Len())
	assert.NotContains(t, out, `href="https://evil.example"`)
	assert.NotContains(t, out, `<a href="https://evil.example`)
	assert.NotContains(t, out, `<img`)
	assert.NotContains(t, out, `<b>`)
	assert.NotContains(t, out, `<strong>loud</strong>`)
	assert.Contains(t, out, "<title>&lt;/title&gt;&lt;a href=")
	assert.Contains(t, out, "Hi [verify](https://evil.example),")
	assert.Contains(t, out, "**loud**")

	// operator links still work
	assert.Contains(t, out, `href="https://example.com/dashboard"`)
}

func TestRenderer_EscapedLinkDestinationsSurvive(t *testing.T) {
	t.Parallel()

	r, _ := newObservedRenderer(t, nil)
	out := r.Render("password-reset", r.Context("Reset", map[string]interface{}{
		"reset_url": "https://example.com/reset?token=a_b&user=1",
	}))

	assert.Contains(t, out, `href="https://example.com/reset?token=a_b&amp;user=1"`)
}

func TestRenderer_TitlecaseMultibyte(t *testing.T) {
	t.Parallel()

	r, _ := newObservedRenderer(t, fstest.MapFS{
		"s.md":                 {Data: []byte("{{ status | titlecase }}")},
		"layouts/default.html": {Data: []byte("{{ content }}")},
	})

	out := r.Render("s", map[string]interface{}{"status": "équipe ÉLITE confirmed"})
	assert.Contains(t, out, "Équipe Élite Confirmed")
	assert.NotContains(t, out, "�")
}

func TestEscapeValues_Nested(t *testing.T) {
	t.Parallel()

	out := escapeValues(map[string]interface{}{
		"s":     "<a>",
		"n":     3,
		"map":   map[string]interface{}{"inner": "<b>"},
		"list":  []interface{}{"<c>", 4},
		"names": []string{"<d>"},
	}, html.EscapeString)

	assert.Equal(t, "&lt;a&gt;", out["s"])
	assert.Equal(t, 3, out["n"])
	assert.Equal(t, map[string]interface{}{"inner": "&lt;b&gt;"}, out["map"])
	assert.Equal(t, []interface{}{"&lt;c&gt;", 4}, out["list"])
	assert.Equal(t, []string{"&lt;d&gt;"}, out["names"])
}
