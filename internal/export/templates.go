package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.UTC().Format(layout)
	},
}).Parse(documentHTML))

// RenderDocumentHTML renders the quality document template.
func RenderDocumentHTML(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ContentFields flattens an item's JSON content into labelled rows. Nested
// keys are joined with dots and rows are sorted by label.
func ContentFields(content json.RawMessage) ([]Field, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return []Field{}, nil
	}
	var root map[string]any
	if err := json.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	fields := []Field{}
	var walk func(prefix string, value any)
	walk = func(prefix string, value any) {
		switch v := value.(type) {
		case map[string]any:
			if len(v) == 0 {
				fields = append(fields, Field{Label: prefix, Value: ""})
			}
			for key, child := range v {
				label := key
				if prefix != "" {
					label = prefix + "." + key
				}
				walk(label, child)
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, element := range v {
				parts = append(parts, scalarString(element))
			}
			fields = append(fields, Field{Label: prefix, Value: strings.Join(parts, ", ")})
		default:
			fields = append(fields, Field{Label: prefix, Value: scalarString(v)})
		}
	}
	for key, value := range root {
		walk(key, value)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Label < fields[j].Label })
	return fields, nil
}

func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		raw, _ := json.Marshal(v)
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Code}} {{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; margin: 0; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.4rem; margin-bottom: 0.2rem; }
    .meta { color: #555; font-size: 0.9em; margin-bottom: 1.5rem; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
    th, td { border: 1px solid #bbb; padding: 0.35rem 0.5rem; text-align: left; vertical-align: top; }
    th { background: #f0f0f0; width: 30%; }
    .signatures td { height: 3rem; }
    .unsigned { color: #999; font-style: italic; }
  </style>
</head>
<body>
  <h1>{{.Code}} {{.Title}}</h1>
  <div class="meta">{{.ProjectName}} | {{.Type}} | version {{.Version}} ({{.ChangeKind | lower}}) | generated {{formatDate .GeneratedAt "2006-01-02 15:04 MST"}}</div>
  <table>
    <tr><th>Submitted by</th><td>{{.SubmitterName}}</td></tr>
    <tr><th>Reviewed by</th><td>{{.ReviewerName}}</td></tr>
    <tr><th>Change request</th><td>{{.RequestID}}</td></tr>
  </table>
  {{if .Fields}}
  <h2>Content</h2>
  <table>
    {{range .Fields}}<tr><th>{{.Label}}</th><td>{{.Value}}</td></tr>
    {{end}}
  </table>
  {{end}}
  <h2>Sign-off</h2>
  <table class="signatures">
    <tr><th>Stage</th><th>Signed by</th><th>Date</th><th>Note</th></tr>
    {{range .Signatures}}<tr><td>{{.Stage}}</td><td>{{.Name}}</td><td>{{formatDate .SignedAt "2006-01-02 15:04 MST"}}</td><td>{{.Note}}</td></tr>
    {{else}}<tr><td colspan="4" class="unsigned">Awaiting QC and PM sign-off</td></tr>
    {{end}}
  </table>
</body>
</html>`
