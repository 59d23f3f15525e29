package template_test

import (
	"testing"

	"github.com/dukex/flowd/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextRenderer_RenderValue(t *testing.T) {
	t.Parallel()

	renderer := template.NewRenderer()
	vars := map[string]any{
		"inputs": map[string]any{"name": "John", "age": 30, "isNew": true},
		"outputs": map[string]any{
			"api_call": map[string]any{"status": 200},
		},
	}

	tests := []struct {
		name     string
		template string
		want     any
	}{
		{"plain string", "hello", "hello"},
		{"field access", "{{ .inputs.name }}", "John"},
		{"number always maps to float", "{{ .inputs.age }}", 30.0},
		{"boolean", "{{ .inputs.isNew }}", true},
		{"nested output", "{{ .outputs.api_call.status }}", 200.0},
		{"interpolation", "User {{ .inputs.name }} is {{ .inputs.age }}", "User John is 30"},
		{"json object", `{"user_name": "{{ .inputs.name }}"}`, map[string]any{"user_name": "John"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := renderer.RenderValue(tt.template, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTextRenderer_EvaluationError(t *testing.T) {
	t.Parallel()

	renderer := template.NewRenderer()

	_, err := renderer.Render("line one\n{{ .inputs.missing }}", map[string]any{"inputs": map[string]any{}})
	require.Error(t, err)
	assert.True(t, template.IsEvaluationError(err))

	var evalErr *template.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, 2, evalErr.Line)

	_, err = renderer.Render("{{ nonexistent.field }}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `function "nonexistent" not defined`)
}

func TestTextRenderer_IsTrue(t *testing.T) {
	t.Parallel()

	renderer := template.NewRenderer()
	vars := map[string]any{"inputs": map[string]any{"enabled": true, "count": 0, "name": "x"}}

	tests := []struct {
		template string
		want     bool
	}{
		{"{{ .inputs.enabled }}", true},
		{"{{ .inputs.count }}", false},
		{"{{ .inputs.name }}", true},
		{"{{ eq .inputs.name \"y\" }}", false},
		{"", false},
		{"true", true},
	}

	for _, tt := range tests {
		got, err := renderer.IsTrue(tt.template, vars)
		require.NoError(t, err, tt.template)
		assert.Equal(t, tt.want, got, tt.template)
	}
}

func TestTextRenderer_RenderMap(t *testing.T) {
	t.Parallel()

	renderer := template.NewRenderer()
	vars := map[string]any{"inputs": map[string]any{"id": "42"}}

	rendered, err := renderer.RenderMap(map[string]any{
		"url":    "https://api.example.com/users/{{ .inputs.id }}",
		"nested": map[string]any{"id": "{{ .inputs.id }}"},
		"list":   []any{"{{ .inputs.id }}", 1},
		"static": 3,
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/users/42", rendered["url"])
	assert.Equal(t, map[string]any{"id": 42.0}, rendered["nested"])
	assert.Equal(t, []any{42.0, 1}, rendered["list"])
	assert.Equal(t, 3, rendered["static"])
}

func TestTextRenderer_Env(t *testing.T) {
	t.Setenv("FLOWD_TEMPLATE_TEST", "from-env")

	renderer := template.NewRenderer()

	got, err := renderer.Render(`{{ env "FLOWD_TEMPLATE_TEST" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}
