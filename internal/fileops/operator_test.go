// internal/fileops/operator_test.go
package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newOperator(t *testing.T) *Operator {
	t.Helper()
	return New(zaptest.NewLogger(t))
}

func TestWriteCreatesParentDirectories(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "a", "b", "c.txt")

	require.NoError(t, op.Write(path, "hello"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
}

func TestReadLineRange(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "one\ntwo\nthree\nfour"))

	content, err := op.Read(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", content)

	// Open-ended range runs to the last line.
	content, err = op.Read(path, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour", content)

	// No range returns the full content.
	content, err = op.Read(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", content)

	_, err = op.Read(path, 10, 0)
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	op := newOperator(t)
	_, err := op.Read(filepath.Join(t.TempDir(), "missing.txt"), 0, 0)
	assert.Error(t, err)
}

func TestEditReplace(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "port = 8080\nport = 8080"))

	require.NoError(t, op.Edit(path, EditReplace, "port = 8080", "port = 9090", 0, ""))

	content, err := op.Read(path, 0, 0)
	require.NoError(t, err)
	// Only the first occurrence changes.
	assert.Equal(t, "port = 9090\nport = 8080", content)
}

func TestEditReplaceSearchNotFound(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "content"))

	err := op.Edit(path, EditReplace, "absent", "x", 0, "")
	assert.Error(t, err)
}

func TestEditInsertLine(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "one\nthree"))

	require.NoError(t, op.Edit(path, EditInsertLine, "", "", 2, "two"))

	content, err := op.Read(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", content)
}

func TestEditAppend(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "one"))

	require.NoError(t, op.Edit(path, EditAppend, "", "", 0, "two"))

	content, err := op.Read(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", content)
}

func TestEditDeleteLine(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "one\ntwo\nthree"))

	require.NoError(t, op.Edit(path, EditDeleteLine, "", "", 2, ""))

	content, err := op.Read(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "one\nthree", content)
}

func TestEditUnknownAction(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "content"))

	err := op.Edit(path, "transmogrify", "", "", 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace")
}

func TestCopyRefusesExistingDestination(t *testing.T) {
	op := newOperator(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, op.Write(src, "a"))
	require.NoError(t, op.Write(dst, "b"))

	assert.Error(t, op.Copy(src, dst, false))

	require.NoError(t, op.Copy(src, dst, true))
	content, err := op.Read(dst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", content)
}

func TestDeleteWithBackup(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "precious"))

	require.NoError(t, op.Delete(path, true))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	backup, err := op.Read(path+".bak", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "precious", backup)
}

func TestDeleteWithoutBackup(t *testing.T) {
	op := newOperator(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, op.Write(path, "x"))

	require.NoError(t, op.Delete(path, false))

	_, err := os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err))
}

func TestList(t *testing.T) {
	op := newOperator(t)
	dir := t.TempDir()
	require.NoError(t, op.Write(filepath.Join(dir, "a.go"), ""))
	require.NoError(t, op.Write(filepath.Join(dir, "b.txt"), ""))
	require.NoError(t, op.Write(filepath.Join(dir, "sub", "c.go"), ""))

	entries, err := op.List(dir, false, "")
	require.NoError(t, err)
	assert.Len(t, entries, 3) // a.go, b.txt, sub/

	entries, err = op.List(dir, true, "*.go")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := []string{entries[0].Name, entries[1].Name}
	assert.ElementsMatch(t, []string{"a.go", "c.go"}, names)
}

func TestListMissingDirectory(t *testing.T) {
	op := newOperator(t)
	_, err := op.List(filepath.Join(t.TempDir(), "absent"), false, "")
	assert.Error(t, err)
}
