package export

import (
	"bytes"
	"html/template"
	"sort"
	"time"

	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/store"
)

var catalogTemplate = template.Must(template.New("catalog").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(catalogHTML))

type TemplateData struct {
	PIDName     string
	ProjectID   string
	Owner       string
	GeneratedAt time.Time
	Total       int
	Groups      []TemplateGroup
}

type TemplateGroup struct {
	Type string
	Rows []TemplateRow
}

type TemplateRow struct {
	Name      string
	Value     string
	ElementID string
	Reference string
}

var groupOrder = []string{store.VariableMetric, store.VariableAttribute, store.VariableAttributeValue}

func newTemplateData(req Request) TemplateData {
	byType := make(map[string][]TemplateRow)
	for _, v := range req.Variables {
		row := TemplateRow{Name: v.Name, Value: v.Value}
		if v.Type == store.VariableAttributeValue {
			row.ElementID = v.ElementID
		}
		if req.ProjectID != "" {
			row.Reference = editor.ReferenceFor(req.ProjectID, editor.Variable{
				Type:      editor.VariableType(v.Type),
				Value:     v.Value,
				ElementID: v.ElementID,
			})
		}
		byType[v.Type] = append(byType[v.Type], row)
	}

	data := TemplateData{
		PIDName:     req.PIDName,
		ProjectID:   req.ProjectID,
		Owner:       req.Owner,
		GeneratedAt: req.GeneratedAt,
		Total:       len(req.Variables),
	}
	for _, typ := range groupOrder {
		rows := byType[typ]
		if len(rows) == 0 {
			continue
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
		data.Groups = append(data.Groups, TemplateGroup{Type: typ, Rows: rows})
	}
	return data
}

func RenderCatalogHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := catalogTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const catalogHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.PIDName}} variables</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 960px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
    th, td { text-align: left; padding: 0.35rem 0.5rem; border-bottom: 1px solid #ddd; }
    code { font-size: 0.85em; color: #444; }
  </style>
</head>
<body>
  <h1>{{.PIDName}}</h1>
  <div class="meta">{{if .ProjectID}}Project {{.ProjectID}} | {{end}}{{if .Owner}}{{.Owner}} | {{end}}{{.Total}} variables | {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  {{range .Groups}}
  <h2>{{.Type}}</h2>
  <table>
    <thead><tr><th>Name</th><th>Value</th><th>Element</th><th>Reference</th></tr></thead>
    <tbody>
    {{range .Rows}}<tr><td>{{.Name}}</td><td>{{.Value}}</td><td>{{.ElementID}}</td><td><code>{{.Reference}}</code></td></tr>
    {{end}}
    </tbody>
  </table>
  {{else}}
  <p>No variables.</p>
  {{end}}
</body>
</html>`
