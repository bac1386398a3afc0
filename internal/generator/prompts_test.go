package generator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptBuilderBuiltins(t *testing.T) {
	b, err := NewPromptBuilder("")
	require.NoError(t, err)
	assert.Equal(t, []string{"concise", "standard"}, b.Names())

	t.Run("primary uses unit input", func(t *testing.T) {
		system, prompt, err := b.Build("standard", "primary", PromptData{
			Title:   "Fractions",
			Content: "halves and quarters",
			Date:    "2025-03-04",
			Notes:   "mixed ability",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, system)
		assert.Contains(t, prompt, "Fractions")
		assert.Contains(t, prompt, "2025-03-04")
		assert.Contains(t, prompt, "mixed ability")
	})

	t.Run("derived stages consume primary content", func(t *testing.T) {
		for _, stage := range []string{"derived-a", "derived-b", "derived-c", "derived-d"} {
			_, prompt, err := b.Build("standard", stage, PromptData{Primary: "PRIMARY-TEXT"})
			require.NoError(t, err, stage)
			assert.Contains(t, prompt, "PRIMARY-TEXT", stage)
		}
	})

	t.Run("unknown template", func(t *testing.T) {
		_, _, err := b.Build("nope", "primary", PromptData{})
		assert.ErrorContains(t, err, "unknown template")
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, _, err := b.Build("standard", "derived-z", PromptData{})
		assert.Error(t, err)
	})
}

func TestPromptBuilderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	content := `templates:
  weekly:
    generate:
      system: "be short"
      prompt: "week {{.TaskNumber}}: {{.Payload}}"
  standard:
    primary:
      system: "override"
      prompt: "only {{.Title}}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b, err := NewPromptBuilder(path)
	require.NoError(t, err)
	assert.True(t, b.Has("weekly"))

	system, prompt, err := b.Build("weekly", "generate", PromptData{TaskNumber: 3, Payload: "rivers"})
	require.NoError(t, err)
	assert.Equal(t, "be short", system)
	assert.Equal(t, "week 3: rivers", prompt)

	_, prompt, err = b.Build("standard", "primary", PromptData{Title: "T"})
	require.NoError(t, err)
	assert.Equal(t, "only T", prompt)

	t.Run("bad template text", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("templates:\n  x:\n    primary:\n      prompt: \"{{.Missing\"\n"), 0o600))
		b, err := NewPromptBuilder(bad)
		require.NoError(t, err)
		_, _, err = b.Build("x", "primary", PromptData{})
		assert.ErrorContains(t, err, "template")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewPromptBuilder(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}
