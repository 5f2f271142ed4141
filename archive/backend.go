// Package archive is the append-only journal of message mutations and
// action audits. Entries are JSONL, one file per (source, ref, date). Two
// backends exist: the native filesystem and host storage (redis-backed);
// a startup probe pins the effective backend and a failed native probe
// downgrades to host storage without blocking startup.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type (
	// FileInfo describes one journal file for retention and size scans.
	FileInfo struct {
		// Name is the file name relative to the listed directory.
		Name string
		// Size is the payload size in bytes.
		Size int64
	}

	// Backend is a minimal file-shaped storage surface. Paths are
	// slash-separated and relative to the backend's base. Append must be
	// atomic per call with respect to concurrent appends to other paths;
	// appends to the same path are serialized by the op queue above the
	// backend.
	Backend interface {
		// Name identifies the backend strategy ("native" or "host").
		Name() string
		Mkdir(ctx context.Context, dir string) error
		WriteFile(ctx context.Context, path string, data []byte) error
		ReadFile(ctx context.Context, path string) ([]byte, error)
		Append(ctx context.Context, path string, data []byte) error
		Remove(ctx context.Context, path string) error
		List(ctx context.Context, dir string) ([]FileInfo, error)
	}

	// NativeBackend stores journal files on the local filesystem under a
	// base directory.
	NativeBackend struct {
		base string
	}
)

// ErrNotFound is returned by ReadFile for missing paths, uniformly across
// backends.
var ErrNotFound = errors.New("archive file not found")

// StrategyNative and StrategyHost name the two backend strategies.
const (
	StrategyNative = "native"
	StrategyHost   = "host"
)

// NewNativeBackend returns a filesystem backend rooted at base.
func NewNativeBackend(base string) *NativeBackend {
	return &NativeBackend{base: base}
}

// Name returns "native".
func (b *NativeBackend) Name() string { return StrategyNative }

// Mkdir creates dir and any missing parents.
func (b *NativeBackend) Mkdir(_ context.Context, dir string) error {
	return os.MkdirAll(b.abs(dir), 0o755)
}

// WriteFile replaces the file contents.
func (b *NativeBackend) WriteFile(_ context.Context, path string, data []byte) error {
	abs := b.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// ReadFile returns the file contents or ErrNotFound.
func (b *NativeBackend) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(b.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Append appends data to the file, creating it if needed.
func (b *NativeBackend) Append(_ context.Context, path string, data []byte) error {
	abs := b.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Remove deletes the file. Missing files are not an error.
func (b *NativeBackend) Remove(_ context.Context, path string) error {
	err := os.Remove(b.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the regular files directly under dir, sorted by name. A
// missing directory lists as empty.
func (b *NativeBackend) List(_ context.Context, dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(b.abs(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *NativeBackend) abs(path string) string {
	return filepath.Join(b.base, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}
