package generate

import (
	"context"
	"testing"

	"github.com/esnunes/pagesmith/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitle(t *testing.T) {
	tests := []struct{ brief, want string }{
		{"basic calculator", "Basic calculator"},
		{"Build a todo list app", "Build a todo"},
		{"Create 3 charts", "Create charts"},
		{"Show the weather!", "Show the"},
		{"a basic calculator.", "A basic"},
		{"calculator. with memory", "With memory"},
		{"123 456", "Web Application"},
		{"", "Web Application"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Title(tt.brief), tt.brief)
	}
}

func TestTemplateStrategy_EscapesBrief(t *testing.T) {
	in := Input{
		Brief:  `Show <script>alert("x")</script> safely`,
		Checks: []string{"title is <b>bold</b>"},
		Attachments: []models.Attachment{
			{Name: "sample.png", URL: "data:image/png;base64,AAAA"},
		},
	}

	set, err := NewTemplateStrategy().Generate(context.Background(), in)
	require.NoError(t, err)

	html := set[models.FileHTML]
	assert.NotContains(t, html, "<script>alert")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, html, "&lt;b&gt;bold&lt;/b&gt;")
	assert.Contains(t, html, `href="data:image/png;base64,AAAA"`)
	assert.Contains(t, html, `<link rel="stylesheet" href="style.css">`)

	js := set[models.FileJS]
	assert.NotContains(t, js, `<script>alert("x")`)
	assert.Contains(t, js, "const BRIEF =")

	assert.Contains(t, set[models.FileReadme], "- title is <b>bold</b>")
}

func TestTemplateStrategy_CalculatorScenario(t *testing.T) {
	set, err := NewTemplateStrategy().Generate(context.Background(), Input{Brief: "basic calculator"})
	require.NoError(t, err)

	assert.True(t, set.Complete())
	assert.Contains(t, set[models.FileHTML], "<title>Basic calculator</title>")
	assert.Contains(t, set[models.FileHTML], "<p>basic calculator</p>")
	assert.Contains(t, set[models.FileReadme], "# Basic calculator")
}

func TestMinimalArtifacts(t *testing.T) {
	set := minimalArtifacts(Input{Brief: "a <b> page"})
	assert.True(t, set.Complete())
	assert.Contains(t, set[models.FileHTML], "a &lt;b&gt; page")
}

func TestRenderLicense(t *testing.T) {
	assert.Contains(t, renderLicense(2026, ""), "Copyright (c) 2026 the authors")
	assert.Contains(t, renderLicense(2026, "Ada"), "Copyright (c) 2026 Ada")
}
