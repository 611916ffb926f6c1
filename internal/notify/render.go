// ABOUTME: Template rendering for notification emails.
// ABOUTME: Templates parsed once at init from embedded FS; rendered per delivery.
package notify

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type templatePair struct {
	html *htmltpl.Template
	text *texttpl.Template
}

// pairs maps template names to parsed HTML/text pairs. One entry per
// template to avoid {{define}} namespace collisions across files.
var pairs = map[string]templatePair{}

func init() {
	for _, name := range []string{"insight_ready", "dead_letter"} {
		pairs[name] = templatePair{
			html: htmltpl.Must(htmltpl.ParseFS(templateFS, "templates/"+name+".html.tmpl")),
			text: texttpl.Must(texttpl.ParseFS(templateFS, "templates/"+name+".txt.tmpl")),
		}
	}
}

// KnownTemplate reports whether name is a registered notification template.
func KnownTemplate(name string) bool {
	_, ok := pairs[name]
	return ok
}

// Render renders the named template with the given JSON data. Returns
// subject, HTML body, and plaintext body. The subject comes from the text
// template's "subject" block.
func Render(name string, data json.RawMessage) (string, string, string, error) {
	pair, ok := pairs[name]
	if !ok {
		return "", "", "", fmt.Errorf("unknown notification template %q", name)
	}

	var ctx map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ctx); err != nil {
			return "", "", "", fmt.Errorf("render %s: decode data: %w", name, err)
		}
	}

	var subjectBuf bytes.Buffer
	if err := pair.text.ExecuteTemplate(&subjectBuf, "subject", ctx); err != nil {
		return "", "", "", fmt.Errorf("render %s: subject: %w", name, err)
	}
	subject := strings.TrimSpace(subjectBuf.String())

	var textBuf bytes.Buffer
	if err := pair.text.ExecuteTemplate(&textBuf, "body", ctx); err != nil {
		return "", "", "", fmt.Errorf("render %s: text body: %w", name, err)
	}

	var htmlBuf bytes.Buffer
	if err := pair.html.ExecuteTemplate(&htmlBuf, "body", ctx); err != nil {
		return "", "", "", fmt.Errorf("render %s: html body: %w", name, err)
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}
