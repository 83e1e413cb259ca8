package hostfunc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mkarlsen/runex/undo"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files.
	MountReadWrite
	// MountReadWriteCreate additionally allows creating files and dirs.
	MountReadWriteCreate
)

// Mount maps a virtual path seen by sandboxed code to a host path.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

const (
	DefaultFSMaxFileSize   = 10 << 20
	DefaultFSMaxWriteSize  = 10 << 20
	DefaultFSMaxPathLength = 4096
)

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize caps read sizes.
func WithMaxFileSize(n int64) FSOption {
	return func(f *FS) { f.maxFileSize = n }
}

// WithMaxWriteSize caps write sizes.
func WithMaxWriteSize(n int64) FSOption {
	return func(f *FS) { f.maxWriteSize = n }
}

// WithMaxPathLength caps path lengths.
func WithMaxPathLength(n int) FSOption {
	return func(f *FS) { f.maxPathLength = n }
}

// FS provides mount-scoped filesystem access. Mutations journal their
// inverse so an execution's writes can be rolled back.
type FS struct {
	mu     sync.RWMutex
	mounts []Mount

	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

// NewFS returns a filesystem capability over the given mounts.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{
		maxFileSize:   DefaultFSMaxFileSize,
		maxWriteSize:  DefaultFSMaxWriteSize,
		maxPathLength: DefaultFSMaxPathLength,
	}
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// resolve maps a virtual path to a host path, enforcing mount permissions
// and rejecting escapes via "..".
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if len(virtualPath) > f.maxPathLength {
		return "", nil, errors.New("path exceeds max length")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, errors.New("permission denied: read-only mount")
		}
		rel := strings.TrimPrefix(vp, m.VirtualPath)
		hostPath, err := filepath.Abs(filepath.Join(m.HostPath, rel))
		if err != nil {
			return "", nil, errors.New("invalid path")
		}
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(os.PathSeparator)) {
			return "", nil, errors.New("permission denied: path escape attempt")
		}
		return hostPath, m, nil
	}
	return "", nil, errors.New("permission denied: path not in any mount")
}

// Read returns the contents of a file.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("read error: " + err.Error())
	}
	if info.Size() > f.maxFileSize {
		return nil, errors.New("file exceeds max read size")
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Write stores content in a file, journaling the previous state.
func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if int64(len(content)) > f.maxWriteSize {
		return nil, errors.New("content exceeds max write size")
	}

	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}

	prev, statErr := os.ReadFile(hostPath)
	existed := statErr == nil
	if !existed {
		if mount.Mode != MountReadWriteCreate {
			return nil, errors.New("permission denied: cannot create new files")
		}
	}

	if err := os.WriteFile(hostPath, []byte(content), 0644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}

	if j := undo.FromContext(ctx); j != nil {
		j.Record(func() {
			if existed {
				os.WriteFile(hostPath, prev, 0644)
			} else {
				os.Remove(hostPath)
			}
		})
	}
	return "ok", nil
}

// List returns the entries of a directory.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, errors.New("list error: " + err.Error())
	}
	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists inside a mount.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		// Outside every mount means absent from the sandbox's view.
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Mkdir creates a directory, journaling its removal.
func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if mount.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if _, err := os.Stat(hostPath); err == nil {
		return "ok", nil
	}
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}
	if j := undo.FromContext(ctx); j != nil {
		j.Record(func() { os.Remove(hostPath) })
	}
	return "ok", nil
}

// Remove deletes a file, journaling its restoration.
func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if mount.Mode == MountReadOnly {
		return nil, errors.New("permission denied: read-only mount")
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("remove error: " + err.Error())
	}

	var prev []byte
	if !info.IsDir() {
		prev, _ = os.ReadFile(hostPath)
	}
	if err := os.Remove(hostPath); err != nil {
		return nil, errors.New("remove error: " + err.Error())
	}
	if j := undo.FromContext(ctx); j != nil {
		isDir := info.IsDir()
		j.Record(func() {
			if isDir {
				os.MkdirAll(hostPath, 0755)
			} else {
				os.WriteFile(hostPath, prev, 0644)
			}
		})
	}
	return "ok", nil
}

// Stat returns metadata for a path.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("not found: " + path)
		}
		return nil, errors.New("stat error: " + err.Error())
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}

// RegisterFS registers the fs_* host functions over the given mounts.
func RegisterFS(r *Registry, mounts []Mount, opts ...FSOption) {
	fs := NewFS(mounts, opts...)
	r.Register("fs_read", fs.Read)
	r.Register("fs_write", fs.Write)
	r.Register("fs_list", fs.List)
	r.Register("fs_exists", fs.Exists)
	r.Register("fs_mkdir", fs.Mkdir)
	r.Register("fs_remove", fs.Remove)
	r.Register("fs_stat", fs.Stat)
}
