package mail

import (
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

type digestView struct {
	Count int
	Items []monitor.DigestItem
}

var funcs = map[string]any{
	"date": func(t time.Time) string { return t.Format("02/01/2006 15:04") },
}

var textBody = texttemplate.Must(texttemplate.New("text").Funcs(funcs).Parse(
	`Novos andamentos: {{.Count}}
{{range .Items}}
Processo {{if .Record.Number}}{{.Record.Number}}{{else}}{{.Record.ID}}{{end}}{{if .Record.Author}} ({{.Record.Author}}){{end}}
{{- range .NewEntries}}
  - {{date .Date}} {{if .Error}}[erro] {{.Message}}{{else}}{{.Summary}}{{end}}
{{- end}}
{{end}}`))

var htmlBody = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(
	`<!doctype html><html><head><meta charset="utf-8"><title>Novos andamentos</title></head><body>
<p>Novos andamentos: {{.Count}}</p>
{{range .Items}}<h3>Processo {{if .Record.Number}}{{.Record.Number}}{{else}}{{.Record.ID}}{{end}}{{if .Record.Author}} ({{.Record.Author}}){{end}}</h3>
<ul>{{range .NewEntries}}<li>{{date .Date}} {{if .Error}}<em>erro:</em> {{.Message}}{{else}}{{.Summary}}{{end}}</li>{{end}}</ul>
{{end}}</body></html>`))
