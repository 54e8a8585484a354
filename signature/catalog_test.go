package signature

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	c := BuiltinCatalog()

	sig, err := c.Lookup("remastered")
	require.NoError(t, err)
	assert.Equal(t, Pattern{0x89, 0x9C, 0x88, 0xDC, 0x00, 0x00, 0x00}, sig.Pattern)
	assert.Equal(t, "ebx", sig.Register)

	_, err = c.Lookup("no-such-version")
	assert.Error(t, err)
}

func TestParseCatalog(t *testing.T) {
	c, err := parseCatalog([]byte(`
signatures:
  - version: "1.16.1"
    pattern: "8b 5c 24 10 89 d8"
    register: eax
`))
	require.NoError(t, err)

	sig, err := c.Lookup("1.16.1")
	require.NoError(t, err)
	assert.Equal(t, Pattern{0x8B, 0x5C, 0x24, 0x10, 0x89, 0xD8}, sig.Pattern)
	assert.Equal(t, "eax", sig.Register)

	// Builtins are still present alongside catalog entries.
	_, err = c.Lookup("remastered")
	assert.NoError(t, err)
}

func TestParseCatalog_OverridesBuiltin(t *testing.T) {
	c, err := parseCatalog([]byte(`
signatures:
  - version: remastered
    pattern: "90 90 90"
    register: rbx
`))
	require.NoError(t, err)

	sig, err := c.Lookup("remastered")
	require.NoError(t, err)
	assert.Equal(t, Pattern{0x90, 0x90, 0x90}, sig.Pattern)
	assert.Equal(t, "rbx", sig.Register)
}

func TestParseCatalog_Rejects(t *testing.T) {
	_, err := parseCatalog([]byte(`signatures: []`))
	assert.Error(t, err, "no signatures")

	_, err = parseCatalog([]byte(`
signatures:
  - version: v1
    pattern: "89 ??"
    register: ebx
`))
	assert.Error(t, err, "wildcard pattern")

	_, err = parseCatalog([]byte(`
signatures:
  - version: v1
    pattern: "89 9c"
    register: xmm0
`))
	assert.Error(t, err, "unreadable register")

	_, err = parseCatalog([]byte(`
signatures:
  - pattern: "89 9c"
    register: ebx
`))
	assert.Error(t, err, "missing version")

	_, err = parseCatalog([]byte(`{not yaml`))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signatures:
  - version: custom
    pattern: "de ad be ef"
    register: rdi
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	sig, err := c.Lookup("custom")
	require.NoError(t, err)
	assert.Equal(t, "rdi", sig.Register)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
