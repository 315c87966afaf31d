// Package render turns a job's category payload into a message body.
// The production renderer lives outside this module; [Templates] is a
// text/template implementation keyed by template id with one built-in
// fallback per category.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"

	"github.com/xraph/herald/job"
)

// ErrTemplateNotFound is returned when neither the job's template id nor
// its category has a template.
var ErrTemplateNotFound = errors.New("render: template not found")

// Renderer produces the body for a job.
type Renderer interface {
	Render(ctx context.Context, j *job.Job) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, j *job.Job) (string, error)

// Render implements Renderer.
func (f RendererFunc) Render(ctx context.Context, j *job.Job) (string, error) { return f(ctx, j) }

// View is the value templates execute against.
type View struct {
	Subject   string
	Recipient string
	Data      job.Payload
}

var defaults = map[job.Category]string{
	job.CategoryAlert: `New jobs for "{{.Data.SearchQuery}}":
{{range .Data.Listings}}- {{.Title}} at {{.Company}}{{if .Location}} ({{.Location}}){{end}}: {{.URL}}
{{end}}
Manage this alert: {{.Data.ManageURL}}
`,
	job.CategoryDigest: `Your {{.Data.Period}} digest
{{range .Data.Listings}}- {{.Title}} at {{.Company}}: {{.URL}}
{{else}}No new listings this time.
{{end}}
Unsubscribe: {{.Data.UnsubscribeURL}}
`,
	job.CategoryCredentialReset: `Reset your password: {{.Data.ResetURL}}
This link expires at {{.Data.ExpiresAt.Format "2006-01-02 15:04 MST"}}.
`,
	job.CategoryVerification: `{{if .Data.Code}}Your verification code is {{.Data.Code}}.
{{end}}{{if .Data.VerifyURL}}Verify your address: {{.Data.VerifyURL}}
{{end}}`,
	job.CategoryTransactional: `{{.Subject}}
{{range $k, $v := .Data.Fields}}{{$k}}: {{$v}}
{{end}}`,
}

// Templates renders with text/template. It is safe for concurrent use.
type Templates struct {
	mu  sync.RWMutex
	set map[string]*template.Template
}

// NewTemplates creates a renderer preloaded with one template per category.
func NewTemplates() *Templates {
	t := &Templates{set: make(map[string]*template.Template, len(defaults))}
	for c, text := range defaults {
		t.set[string(c)] = template.Must(template.New(string(c)).Option("missingkey=error").Parse(text))
	}
	return t
}

// Register parses text and binds it to templateID, replacing any previous
// template with that id.
func (t *Templates) Register(templateID, text string) error {
	tmpl, err := template.New(templateID).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("render: parse %s: %w", templateID, err)
	}
	t.mu.Lock()
	t.set[templateID] = tmpl
	t.mu.Unlock()
	return nil
}

// Render implements Renderer.
func (t *Templates) Render(_ context.Context, j *job.Job) (string, error) {
	t.mu.RLock()
	tmpl, ok := t.set[j.TemplateID]
	if !ok {
		tmpl, ok = t.set[string(j.Category)]
	}
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, j.TemplateID)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, View{Subject: j.Subject, Recipient: j.Recipient, Data: j.Data}); err != nil {
		return "", fmt.Errorf("render: %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
