// Package render turns stored notification templates plus a context map into
// subject/body/html strings. Templates use text/template syntax; helper
// functions cover the date and currency formatting the tutoring templates
// need. A variable missing from the context renders as an empty string, never
// an error.
package render

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// Renderer compiles and caches templates by content hash.
type Renderer struct {
	mu    sync.RWMutex
	cache map[uint64]*template.Template
	funcs template.FuncMap
}

func New() *Renderer {
	return &Renderer{
		cache: make(map[uint64]*template.Template),
		funcs: template.FuncMap{
			"formatDate":     formatDate,
			"formatTime":     formatTime,
			"formatCurrency": formatCurrency,
		},
	}
}

// Render executes templateText against ctx. Missing context variables render
// as empty strings.
func (r *Renderer) Render(templateText string, ctx map[string]any) (string, error) {
	tmpl, err := r.compile(templateText)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	// text/template prints "<no value>" for absent map keys even with
	// missingkey=zero when the element type is interface; blank those out so
	// a sparse context degrades quietly.
	return strings.ReplaceAll(sb.String(), "<no value>", ""), nil
}

// RenderedContent is the output of applying one stored template.
type RenderedContent struct {
	Subject string
	Body    string
	HTML    string
}

// Apply renders every part of a stored template against ctx.
func (r *Renderer) Apply(t *domain.Template, ctx map[string]any) (*RenderedContent, error) {
	subject, err := r.Render(t.SubjectTemplate, ctx)
	if err != nil {
		return nil, fmt.Errorf("subject of %q: %w", t.Name, err)
	}
	body, err := r.Render(t.BodyTemplate, ctx)
	if err != nil {
		return nil, fmt.Errorf("body of %q: %w", t.Name, err)
	}

	out := &RenderedContent{Subject: subject, Body: body}
	if t.HTMLTemplate != nil && *t.HTMLTemplate != "" {
		html, err := r.Render(*t.HTMLTemplate, ctx)
		if err != nil {
			return nil, fmt.Errorf("html of %q: %w", t.Name, err)
		}
		out.HTML = html
	}
	return out, nil
}

// Variables returns the top-level field names referenced by templateText.
// Used by the render-preview endpoint to tell callers what a template expects.
func (r *Renderer) Variables(templateText string) ([]string, error) {
	tmpl, err := r.compile(templateText)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var names []string
	for _, t := range tmpl.Templates() {
		if t.Tree == nil {
			continue
		}
		walk(t.Tree.Root, func(node parse.Node) {
			field, ok := node.(*parse.FieldNode)
			if !ok || len(field.Ident) == 0 {
				return
			}
			name := field.Ident[0]
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		})
	}
	return names, nil
}

func (r *Renderer) compile(text string) (*template.Template, error) {
	key := fnv64(text)

	r.mu.RLock()
	tmpl, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("notification").
		Funcs(r.funcs).
		Option("missingkey=zero").
		Parse(text)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func walk(node parse.Node, fn func(parse.Node)) {
	if node == nil {
		return
	}
	fn(node)
	switch n := node.(type) {
	case *parse.ListNode:
		for _, child := range n.Nodes {
			walk(child, fn)
		}
	case *parse.ActionNode:
		walk(n.Pipe, fn)
	case *parse.PipeNode:
		for _, cmd := range n.Cmds {
			walk(cmd, fn)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			walk(arg, fn)
		}
	case *parse.IfNode:
		walk(n.Pipe, fn)
		walk(n.List, fn)
		walk(n.ElseList, fn)
	case *parse.RangeNode:
		walk(n.Pipe, fn)
		walk(n.List, fn)
		walk(n.ElseList, fn)
	case *parse.WithNode:
		walk(n.Pipe, fn)
		walk(n.List, fn)
		walk(n.ElseList, fn)
	}
}

// ---- template funcs ----

func formatDate(v any) string {
	if t, ok := asTime(v); ok {
		return t.Format("02.01.2006")
	}
	return fmt.Sprint(v)
}

func formatTime(v any) string {
	if t, ok := asTime(v); ok {
		return t.Format("15:04")
	}
	return fmt.Sprint(v)
}

func formatCurrency(v any) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%.2f ₽", n)
	case int:
		return fmt.Sprintf("%d ₽", n)
	case int64:
		return fmt.Sprintf("%d ₽", n)
	default:
		return fmt.Sprint(v)
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
