package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

func TestRender_Basic(t *testing.T) {
	sql, err := Render("select * from {{.table}} where {{.chunk}}", map[string]any{
		"table": "events",
		"chunk": "1 = 1",
	})
	assert.NoError(t, err)
	assert.Equal(t, "select * from events where 1 = 1", sql)
}

func TestRender_MissingVariable(t *testing.T) {
	_, err := Render("select * from {{.table}}", map[string]any{})
	assert.Error(t, err)
	assert.Equal(t, gauerrors.ErrCategoryTemplate, gauerrors.GetCategory(err))
}

func TestRender_InvalidSyntax(t *testing.T) {
	_, err := Render("select {{.a", map[string]any{"a": 1})
	assert.Error(t, err)
	assert.Equal(t, gauerrors.ErrCategoryTemplate, gauerrors.GetCategory(err))
	assert.Equal(t, gauerrors.CodeInvalidSyntax, gauerrors.GetCode(err))
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insert.sql")
	err := os.WriteFile(path, []byte("insert into {{.table}} values (1)"), 0644)
	assert.NoError(t, err)

	sql, err := RenderFile(path, map[string]any{"table": "t"})
	assert.NoError(t, err)
	assert.Equal(t, "insert into t values (1)", sql)

	_, err = RenderFile(filepath.Join(dir, "missing.sql"), nil)
	assert.Error(t, err)
}

func TestReferences(t *testing.T) {
	tests := []struct {
		text string
		name string
		want bool
	}{
		{"where {{.chunk}}", "chunk", true},
		{"where {{ .chunk }}", "chunk", true},
		{"{{if .full}}x{{else}}where {{.chunk}}{{end}}", "chunk", true},
		{"where {{.chunky}}", "chunk", false},
		{"where 1 = 1", "chunk", false},
		{"{{.chunk", "chunk", false}, // unparseable
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, References(tt.text, tt.name), "References(%q, %q)", tt.text, tt.name)
	}
}
