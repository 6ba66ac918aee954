package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var certificateTemplate = template.Must(
	template.New("certificate.html").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
		"formatTime": func(t *time.Time) string {
			if t == nil {
				return "-"
			}
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
	}).ParseFS(templateFS, "templates/certificate.html"),
)

// RenderCertificateHTML renders the certificate template with provided data
func RenderCertificateHTML(data Certificate) (string, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
