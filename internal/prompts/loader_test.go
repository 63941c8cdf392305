package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_DraftingPrompts(t *testing.T) {
	ClearCache()

	system, err := Get("drafting.json", "system")
	require.NoError(t, err)
	assert.Contains(t, system, "{{.Language}}")
	assert.Contains(t, system, "Use only facts")

	user, err := Get("drafting.json", "user")
	require.NoError(t, err)
	assert.Contains(t, user, "{{.Title}}")
	assert.Contains(t, user, "{{.Text}}")

	version, err := Get("drafting.json", "version")
	require.NoError(t, err)
	assert.Equal(t, "story-draft/v1", version)
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get("drafting.json", "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMustGet(t *testing.T) {
	ClearCache()

	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
	assert.NotPanics(t, func() {
		assert.NotEmpty(t, MustGet("drafting.json", "system"))
	})
}

func TestFormat(t *testing.T) {
	result := Format("Hello {{.Name}}, welcome to {{.Company}}!", map[string]string{
		"Name":    "Alice",
		"Company": "Acme Corp",
	})
	assert.Equal(t, "Hello Alice, welcome to Acme Corp!", result)
}

func TestFormat_ValuesAreNotReexpanded(t *testing.T) {
	result := Format("T={{.Title}} X={{.Text}}", map[string]string{
		"Title": "{{.Text}}",
		"Text":  "body",
	})
	assert.Equal(t, "T={{.Text}} X=body", result)
}

func TestFormat_MissingValueLeftInPlace(t *testing.T) {
	assert.Equal(t, "Hello {{.Name}}", Format("Hello {{.Name}}", map[string]string{}))
}

func TestRender(t *testing.T) {
	ClearCache()

	out, err := Render("drafting.json", "user", map[string]string{"Title": "Storm", "Text": "Rain fell."})
	require.NoError(t, err)
	assert.Contains(t, out, "Source title: Storm")
	assert.Contains(t, out, "Rain fell.")

	_, err = Render("drafting.json", "user", map[string]string{"Title": "Storm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Text")
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List("drafting.json")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"version", "system", "user"}, keys)
}

func TestCaching(t *testing.T) {
	ClearCache()

	prompt1, err := Get("drafting.json", "system")
	require.NoError(t, err)
	prompt2, err := Get("drafting.json", "system")
	require.NoError(t, err)
	assert.Equal(t, prompt1, prompt2)
}
