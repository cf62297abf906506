// Package templates renders named transactional email templates.
//
// A template is a Markdown file with an optional YAML frontmatter header. Its
// body is a Liquid template; the rendered Markdown is converted to HTML and
// wrapped in a Liquid layout. Compiled templates are cached for the life of
// the process.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrInvalidFrontmatter = errors.New("invalid frontmatter")
)

// Catalog is the fixed set of template names callers may reference.
var Catalog = []string{
	"booking-confirmation",
	"booking-cancellation",
	"status-update",
	"exhibitor-booking",
	"admin-notification",
	"password-reset",
}

// InCatalog reports whether name is a known template name.
func InCatalog(name string) bool {
	for _, n := range Catalog {
		if n == name {
			return true
		}
	}
	return false
}

const defaultLayout = "default"

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// markdownEscaper backslash-escapes the punctuation that could turn
// interpolated text into links, images, emphasis or raw HTML.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"<", `\<`,
	">", `\>`,
	"!", `\!`,
	"#", `\#`,
	"|", `\|`,
	"~", `\~`,
	"&", `\&`,
)

//go:embed files
var embedded embed.FS

// Defaults are the standard context fields every template can reference.
type Defaults struct {
	AppName      string
	SupportEmail string
	SupportURL   string
	DashboardURL string
}

type compiled struct {
	meta Frontmatter
	body *liquid.Template
}

type Renderer struct {
	fs       fs.FS
	engine   *liquid.Engine
	md       goldmark.Markdown
	defaults Defaults
	log      *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	bodies  map[string]*compiled
	layouts map[string]*liquid.Template
}

// New creates a renderer reading templates from fsys.
func New(fsys fs.FS, defaults Defaults, log *zap.Logger) *Renderer {
	r := &Renderer{
		fs:       fsys,
		engine:   liquid.NewEngine(),
		md:       goldmark.New(),
		defaults: defaults,
		log:      log.Named("templates"),
		now:      time.Now,
		bodies:   make(map[string]*compiled),
		layouts:  make(map[string]*liquid.Template),
	}
	r.registerFilters()
	return r
}

// Embedded returns the filesystem holding the built-in template set.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "files")
	if err != nil {
		panic(err)
	}
	return sub
}

func (r *Renderer) registerFilters() {
	// {{ price | currency }}
	r.engine.RegisterFilter("currency", func(value interface{}) string {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return v
			}
			f = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return fmt.Sprintf("$%.2f", f)
	})

	// {{ name | titlecase }}
	r.engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			first, size := utf8.DecodeRuneInString(w)
			words[i] = string(unicode.ToUpper(first)) + w[size:]
		}
		return strings.Join(words, " ")
	})
}

// Context merges caller data over the standard fields. The subject always
// comes from the request.
func (r *Renderer) Context(subject string, data map[string]interface{}) map[string]interface{} {
	ctx := map[string]interface{}{
		"app_name":      r.defaults.AppName,
		"support_email": r.defaults.SupportEmail,
		"support_url":   r.defaults.SupportURL,
		"dashboard_url": r.defaults.DashboardURL,
		"year":          r.now().Year(),
	}
	for k, v := range data {
		ctx[k] = v
	}
	ctx["subject"] = subject
	return ctx
}

// Render renders the named template. It never fails: a missing or broken
// template produces the fallback document and a warning.
func (r *Renderer) Render(name string, ctx map[string]interface{}) string {
	out, err := r.render(name, ctx)
	if err == nil {
		return out
	}

	if errors.Is(err, ErrTemplateNotFound) {
		r.log.Warn("template not found, using fallback", zap.String("template", name))
	} else {
		r.log.Warn("template render failed, using fallback",
			zap.String("template", name),
			zap.Error(err),
		)
	}
	return Fallback(ctx)
}

func (r *Renderer) render(name string, ctx map[string]interface{}) (string, error) {
	tmpl, err := r.template(name)
	if err != nil {
		return "", err
	}

	markdown, serr := tmpl.body.RenderString(escapeValues(ctx, markdownEscaper.Replace))
	if serr != nil {
		return "", fmt.Errorf("render %s: %w", name, serr)
	}

	var body bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("convert %s: %w", name, err)
	}

	layoutName := tmpl.meta.Layout
	if layoutName == "" {
		layoutName = defaultLayout
	}
	layout, err := r.layout(layoutName)
	if err != nil {
		return "", err
	}

	// content is already HTML; everything else is text.
	bindings := escapeValues(ctx, html.EscapeString)
	bindings["content"] = body.String()
	bindings["preheader"] = html.EscapeString(tmpl.meta.Preheader)

	out, serr := layout.RenderString(bindings)
	if serr != nil {
		return "", fmt.Errorf("render layout %s: %w", layoutName, serr)
	}
	return out, nil
}

// escapeValues copies ctx, passing every string through esc, including
// strings inside nested maps and slices.
func escapeValues(ctx map[string]interface{}, esc func(string) string) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx)+2)
	for k, v := range ctx {
		out[k] = escapeValue(v, esc)
	}
	return out
}

func escapeValue(v interface{}, esc func(string) string) interface{} {
	switch t := v.(type) {
	case string:
		return esc(t)
	case map[string]interface{}:
		return escapeValues(t, esc)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = escapeValue(x, esc)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, x := range t {
			out[i] = esc(x)
		}
		return out
	}
	return v
}

// template returns the cached compiled template or parses and caches it.
func (r *Renderer) template(name string) (*compiled, error) {
	r.mu.RLock()
	c, ok := r.bodies[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.bodies[name]; ok {
		return c, nil
	}

	content, err := fs.ReadFile(r.fs, name+".md")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, name, err)
	}

	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	tmpl, serr := r.engine.ParseString(body)
	if serr != nil {
		return nil, fmt.Errorf("parse %s: %w", name, serr)
	}

	c = &compiled{meta: meta, body: tmpl}
	r.bodies[name] = c
	return c, nil
}

func (r *Renderer) layout(name string) (*liquid.Template, error) {
	r.mu.RLock()
	l, ok := r.layouts[name]
	r.mu.RUnlock()
	if ok {
		return l, nil
	}

	if !validName.MatchString(name) {
		return nil, fmt.Errorf("layout %q: invalid name", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.layouts[name]; ok {
		return l, nil
	}

	content, err := fs.ReadFile(r.fs, "layouts/"+name+".html")
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", name, err)
	}

	l, serr := r.engine.ParseString(string(content))
	if serr != nil {
		return nil, fmt.Errorf("parse layout %s: %w", name, serr)
	}

	r.layouts[name] = l
	return l, nil
}

// Fallback renders ctx as a flat list of escaped key/value pairs.
func Fallback(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	title := "Notification"
	if s, ok := ctx["subject"].(string); ok && s != "" {
		title = s
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body style=\"font-family:Arial,sans-serif;\">")
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</h2><table>")
	for _, k := range keys {
		b.WriteString("<tr><td><strong>")
		b.WriteString(html.EscapeString(k))
		b.WriteString("</strong></td><td>")
		b.WriteString(html.EscapeString(fmt.Sprint(ctx[k])))
		b.WriteString("</td></tr>")
	}
	b.WriteString("</table></body></html>")
	return b.String()
}
