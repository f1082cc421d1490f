package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/esnunes/pagesmith/internal/models"
)

const GenerationSystemPrompt = `You are an expert front-end developer. You build complete, working static web applications from a task brief.

Requirements:
- Implement exactly what the brief asks for and nothing unrelated
- Every acceptance check listed must pass against the generated page
- Use plain HTML, CSS and JavaScript with no build step; the page is served by GitHub Pages
- Reference style.css and script.js from index.html with relative paths
- Handle user errors and give visible feedback

Respond with a single JSON object with exactly these string keys:
- "index_html": the complete index.html
- "style_css": the complete style.css
- "script_js": the complete script.js
- "readme_md": a README.md describing the application, its usage and how it meets the checks`

const RevisionSystemPrompt = `You are an expert front-end developer revising an existing static web application.

Requirements:
- Apply the revision instructions to the current implementation
- Keep working features unless the instructions say otherwise
- Every acceptance check listed must pass after the revision
- Use plain HTML, CSS and JavaScript with no build step; the page is served by GitHub Pages

Respond with a single JSON object with exactly these string keys, each holding the full updated file:
- "index_html", "style_css", "script_js", "readme_md"`

// Prior is the context of an earlier round used when revising.
type Prior struct {
	Brief     string
	Checks    []string
	Artifacts models.ArtifactSet
}

// InitialPrompt builds the user prompt for a first build.
func InitialPrompt(brief string, checks []string, attachments []models.Attachment) string {
	var b strings.Builder
	b.WriteString("TASK BRIEF:\n")
	b.WriteString(brief)
	b.WriteString("\n\n")
	writeChecks(&b, "ACCEPTANCE CHECKS", checks)
	writeAttachments(&b, attachments)
	b.WriteString("Generate the complete application described by the brief.")
	return b.String()
}

// RevisionPrompt builds the user prompt for a revision round.
func RevisionPrompt(instructions string, checks []string, attachments []models.Attachment, prior Prior) string {
	var b strings.Builder
	b.WriteString("ORIGINAL BRIEF:\n")
	b.WriteString(prior.Brief)
	b.WriteString("\n\n")
	writeChecks(&b, "ORIGINAL CHECKS", prior.Checks)
	b.WriteString("REVISION INSTRUCTIONS:\n")
	b.WriteString(instructions)
	b.WriteString("\n\n")
	writeChecks(&b, "ACCEPTANCE CHECKS", checks)
	writeAttachments(&b, attachments)
	b.WriteString("CURRENT IMPLEMENTATION:\n")
	for _, name := range models.CanonicalFiles {
		content, ok := prior.Artifacts[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, content)
	}
	b.WriteString("\nReturn the full revised application.")
	return b.String()
}

func writeChecks(b *strings.Builder, title string, checks []string) {
	if len(checks) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteString(":\n")
	for i, c := range checks {
		fmt.Fprintf(b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\n")
}

func writeAttachments(b *strings.Builder, attachments []models.Attachment) {
	if len(attachments) == 0 {
		return
	}
	b.WriteString("ATTACHMENTS (load them from these URLs, do not inline them):\n")
	for _, a := range attachments {
		url := a.URL
		// data: URIs can be large; the model only needs to know the name and type.
		if strings.HasPrefix(url, "data:") {
			mediaType, _, _ := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
			url = fmt.Sprintf("data:%s,... (inline, %d bytes)", mediaType, len(a.URL))
		}
		fmt.Fprintf(b, "- %s: %s\n", a.Name, url)
	}
	b.WriteString("\n")
}

type files struct {
	IndexHTML string `json:"index_html"`
	StyleCSS  string `json:"style_css"`
	ScriptJS  string `json:"script_js"`
	ReadmeMD  string `json:"readme_md"`
}

// ParseArtifacts decodes a model response into an artifact set. It accepts a
// bare JSON object or one wrapped in a Markdown code fence, and fails unless
// all four canonical files are present.
func ParseArtifacts(raw string) (models.ArtifactSet, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var f files
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	set := models.ArtifactSet{
		models.FileHTML:   f.IndexHTML,
		models.FileCSS:    f.StyleCSS,
		models.FileJS:     f.ScriptJS,
		models.FileReadme: f.ReadmeMD,
	}
	if !set.Complete() {
		return nil, fmt.Errorf("model response is missing one or more files")
	}
	return set, nil
}
