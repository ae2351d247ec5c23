package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryCoreIsClean(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(filepath.Join("..", ".."), &stdout, &stderr)
	assert.Equal(t, 0, code, "%s%s", stdout.String(), stderr.String())
}

func TestCheckReportsForbiddenImport(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "guardian")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := "package guardian\n\nimport (\n\t\"context\"\n\t\"net/http\"\n)\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leak.go"), []byte(src), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leak_test.go"), []byte(src), 0o600))

	violations, err := check(root, []string{"guardian"}, forbiddenFragments)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "net/http", violations[0].Import)
	assert.Equal(t, 5, violations[0].Line)
	assert.Equal(t, filepath.Join("pkg", "guardian", "leak.go"), violations[0].File)
}

func TestCheckMissingPackage(t *testing.T) {
	_, err := check(t.TempDir(), []string{"budget"}, forbiddenFragments)
	assert.Error(t, err)
}
