package generate

import (
	"context"
	"embed"
	"fmt"
	"html"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"unicode"

	"github.com/esnunes/pagesmith/internal/models"
)

//go:embed templates
var templatesFS embed.FS

var (
	indexTmpl   = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/index.html.tmpl"))
	scriptTmpl  = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/script.js.tmpl"))
	readmeTmpl  = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/README.md.tmpl"))
	licenseTmpl = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/LICENSE.tmpl"))
	styleCSS    = mustRead("templates/style.css")
)

func mustRead(name string) string {
	b, err := templatesFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// TemplateStrategy renders a placeholder application reflecting the brief.
// It makes no external calls.
type TemplateStrategy struct{}

func NewTemplateStrategy() *TemplateStrategy {
	return &TemplateStrategy{}
}

func (s *TemplateStrategy) Name() string {
	return "template"
}

type attachmentView struct {
	Name string
	URL  htmltemplate.URL
}

type pageData struct {
	Title       string
	Brief       string
	Checks      []string
	Attachments []attachmentView
}

func (s *TemplateStrategy) Generate(_ context.Context, in Input) (models.ArtifactSet, error) {
	data := pageData{
		Title:  Title(in.Brief),
		Brief:  in.Brief,
		Checks: in.Checks,
	}
	for _, a := range in.Attachments {
		// Attachment URLs are validated http(s) or data: URIs.
		data.Attachments = append(data.Attachments, attachmentView{Name: a.Name, URL: htmltemplate.URL(a.URL)})
	}

	var index, script, readme strings.Builder
	if err := indexTmpl.Execute(&index, data); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", models.FileHTML, err)
	}
	if err := scriptTmpl.Execute(&script, data); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", models.FileJS, err)
	}
	if err := readmeTmpl.Execute(&readme, data); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", models.FileReadme, err)
	}
	return models.ArtifactSet{
		models.FileHTML:   index.String(),
		models.FileCSS:    styleCSS,
		models.FileJS:     script.String(),
		models.FileReadme: readme.String(),
	}, nil
}

// Title builds a page title from the first three words of the brief,
// keeping only words made of letters alone. A word with attached
// punctuation, such as "calculator.", is dropped.
func Title(brief string) string {
	words := strings.Fields(brief)
	if len(words) > 3 {
		words = words[:3]
	}
	var kept []string
	for _, w := range words {
		if strings.IndexFunc(w, func(r rune) bool { return !unicode.IsLetter(r) }) < 0 {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return "Web Application"
	}
	title := strings.Join(kept, " ")
	r := []rune(title)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func renderLicense(year int, holder string) string {
	if strings.TrimSpace(holder) == "" {
		holder = "the authors"
	}
	var b strings.Builder
	if err := licenseTmpl.Execute(&b, struct {
		Year   int
		Holder string
	}{year, holder}); err != nil {
		return fmt.Sprintf("MIT License\n\nCopyright (c) %d %s\n", year, holder)
	}
	return b.String()
}

// minimalArtifacts is the last resort when even template rendering fails.
func minimalArtifacts(in Input) models.ArtifactSet {
	title := html.EscapeString(Title(in.Brief))
	return models.ArtifactSet{
		models.FileHTML: fmt.Sprintf("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"UTF-8\">\n<title>%s</title>\n<link rel=\"stylesheet\" href=\"style.css\">\n</head>\n<body>\n<h1>%s</h1>\n<p>%s</p>\n<script src=\"script.js\"></script>\n</body>\n</html>\n",
			title, title, html.EscapeString(in.Brief)),
		models.FileCSS:    styleCSS,
		models.FileJS:     "console.log('Application initialized');\n",
		models.FileReadme: fmt.Sprintf("# %s\n\n%s\n", Title(in.Brief), in.Brief),
	}
}
