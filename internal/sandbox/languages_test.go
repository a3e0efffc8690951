package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLanguages(t *testing.T) {
	langs := DefaultLanguages()
	assert.Equal(t, []string{"go", "javascript", "python"}, langs.Names())

	for _, name := range []string{"javascript", "js", "Node", "python", "py", "go", "golang"} {
		_, ok := langs.Lookup(name)
		assert.True(t, ok, name)
	}
	_, ok := langs.Lookup("ruby")
	assert.False(t, ok)

	js, _ := langs.Lookup("js")
	cmd, err := js.Command("/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "/app/main.js"}, cmd)

	py, _ := langs.Lookup("python")
	cmd, err = py.Command("/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-u", "/work/main.py"}, cmd)
}

func TestLoadLanguagesOverridesAndExtends(t *testing.T) {
	file := filepath.Join(t.TempDir(), "languages.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
languages:
  python:
    image: python:3.13-alpine
    source_file: solution.py
    run: python3 "{src}"
  ruby:
    aliases: [rb]
    image: ruby:3.3-alpine
    source_file: main.rb
    run: ruby {src}
`), 0o644))

	langs, err := LoadLanguages(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "javascript", "python", "ruby"}, langs.Names())

	py, ok := langs.Lookup("python")
	require.True(t, ok)
	assert.Equal(t, "python:3.13-alpine", py.Image)
	cmd, err := py.Command("/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "/app/solution.py"}, cmd)

	_, ok = langs.Lookup("py")
	assert.False(t, ok, "overriding a language replaces its aliases")
	_, ok = langs.Lookup("rb")
	assert.True(t, ok)
}

func TestLoadLanguagesRejectsInvalidTables(t *testing.T) {
	tests := map[string]string{
		"missing run":       "languages:\n  x:\n    source_file: a.x\n",
		"nested source":     "languages:\n  x:\n    source_file: dir/a.x\n    run: x {src}\n",
		"duplicate alias":   "languages:\n  x:\n    aliases: [js]\n    source_file: a.x\n    run: x {src}\n",
		"unbalanced quotes": "languages:\n  x:\n    source_file: a.x\n    run: x \"{src}\n",
		"not yaml":          "languages: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "languages.yaml")
			require.NoError(t, os.WriteFile(file, []byte(body), 0o644))
			_, err := LoadLanguages(file)
			assert.Error(t, err)
		})
	}

	_, err := LoadLanguages(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
