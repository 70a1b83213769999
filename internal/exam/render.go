package exam

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultTemplate is the announcement sent for a newly opened exam slot.
const DefaultTemplate = "📢 נוסף מבחן חדש ב-{{.Location}}, בתאריך {{.Date}}"

// MessageData is what a message template sees.
type MessageData struct {
	Location string
	Date     string
}

// Renderer turns an appeared event into notification text. Output depends only
// on the location's display name and the event date.
type Renderer struct {
	catalog Catalog
	tmpl    *template.Template
}

// NewRenderer parses text as a text/template; empty text selects DefaultTemplate.
func NewRenderer(catalog Catalog, text string) (*Renderer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("message").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	return &Renderer{catalog: catalog, tmpl: t}, nil
}

func (r *Renderer) Render(e Event) (string, error) {
	var buf bytes.Buffer
	data := MessageData{Location: r.catalog.Name(e.Location), Date: e.Date.String()}
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render message for %s: %w", e, err)
	}
	return buf.String(), nil
}
