package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	var r Renderer
	out, err := r.Render("greeting", "Olá, {{.Name}}!", map[string]string{"Name": "Maria"})
	require.NoError(t, err)
	assert.Equal(t, "Olá, Maria!", out)
}

func TestRenderMissingKeyFails(t *testing.T) {
	var r Renderer
	_, err := r.Render("greeting", "Olá, {{.Nome}}!", map[string]string{"Name": "Maria"})
	assert.Error(t, err)
}

func TestRenderEmptyTemplate(t *testing.T) {
	var r Renderer
	_, err := r.Render("empty", "", nil)
	assert.Error(t, err)
}
