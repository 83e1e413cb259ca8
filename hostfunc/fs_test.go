package hostfunc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/runex/undo"
)

func newTestFS(t *testing.T, mode MountMode) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: mode}})
	return fs, dir
}

func TestFSReadWrite(t *testing.T) {
	fs, _ := newTestFS(t, MountReadWriteCreate)
	ctx := context.Background()

	_, err := fs.Write(ctx, map[string]any{"path": "/data/a.txt", "content": "hello"})
	require.NoError(t, err)

	got, err := fs.Read(ctx, map[string]any{"path": "/data/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestFSReadOnlyMountRejectsWrites(t *testing.T) {
	fs, dir := newTestFS(t, MountReadOnly)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	ctx := context.Background()

	_, err := fs.Write(ctx, map[string]any{"path": "/data/a.txt", "content": "y"})
	assert.ErrorContains(t, err, "read-only")

	got, err := fs.Read(ctx, map[string]any{"path": "/data/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestFSReadWriteMountCannotCreate(t *testing.T) {
	fs, _ := newTestFS(t, MountReadWrite)

	_, err := fs.Write(context.Background(), map[string]any{"path": "/data/new.txt", "content": "x"})
	assert.ErrorContains(t, err, "cannot create")
}

func TestFSPathEscapeRejected(t *testing.T) {
	fs, _ := newTestFS(t, MountReadOnly)

	for _, path := range []string{"/data/../../etc/passwd", "/etc/passwd", "/other/a.txt"} {
		_, err := fs.Read(context.Background(), map[string]any{"path": path})
		assert.ErrorContains(t, err, "permission denied", path)
	}
}

func TestFSExists(t *testing.T) {
	fs, dir := newTestFS(t, MountReadOnly)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	ctx := context.Background()

	got, err := fs.Exists(ctx, map[string]any{"path": "/data/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = fs.Exists(ctx, map[string]any{"path": "/data/missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	// Outside every mount is simply absent, not an error.
	got, err = fs.Exists(ctx, map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestFSListAndStat(t *testing.T) {
	fs, dir := newTestFS(t, MountReadOnly)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	ctx := context.Background()

	got, err := fs.List(ctx, map[string]any{"path": "/data"})
	require.NoError(t, err)
	assert.Len(t, got.([]any), 2)

	st, err := fs.Stat(ctx, map[string]any{"path": "/data/a.txt"})
	require.NoError(t, err)
	info := st.(map[string]any)
	assert.Equal(t, "a.txt", info["name"])
	assert.Equal(t, int64(3), info["size"])
	assert.Equal(t, false, info["is_dir"])
}

func TestFSWriteRollback(t *testing.T) {
	fs, dir := newTestFS(t, MountReadWriteCreate)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("before"), 0644))

	j := undo.NewJournal("txn")
	ctx := undo.NewContext(context.Background(), j)

	_, err := fs.Write(ctx, map[string]any{"path": "/data/a.txt", "content": "after"})
	require.NoError(t, err)
	_, err = fs.Write(ctx, map[string]any{"path": "/data/new.txt", "content": "x"})
	require.NoError(t, err)

	j.Rollback()

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
	_, err = os.Stat(filepath.Join(dir, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFSRemoveRollbackRestoresFile(t *testing.T) {
	fs, dir := newTestFS(t, MountReadWriteCreate)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("keep"), 0644))

	j := undo.NewJournal("txn")
	ctx := undo.NewContext(context.Background(), j)

	_, err := fs.Remove(ctx, map[string]any{"path": "/data/a.txt"})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "a.txt"))
	require.True(t, os.IsNotExist(statErr))

	j.Rollback()

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestFSMkdir(t *testing.T) {
	fs, dir := newTestFS(t, MountReadWriteCreate)
	ctx := context.Background()

	_, err := fs.Mkdir(ctx, map[string]any{"path": "/data/sub"})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
