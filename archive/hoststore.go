package archive

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// HostBackend stores journal files in host key/value storage, backed by
// redis. Each journal file is a redis list of appended chunks; a per
// directory hash tracks file names and cumulative sizes so retention and
// size scans never have to walk chunk lists.
//
// Used as the fallback strategy when the native filesystem probe fails,
// or when the strategy lock forces host storage.
type HostBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewHostBackend returns a host-storage backend writing under the given
// key prefix. An empty prefix defaults to "msghub:archive".
func NewHostBackend(rdb redis.UniversalClient, prefix string) *HostBackend {
	if prefix == "" {
		prefix = "msghub:archive"
	}
	return &HostBackend{rdb: rdb, prefix: prefix}
}

// Name returns "host".
func (b *HostBackend) Name() string { return StrategyHost }

// Mkdir is a no-op; host storage has no directories.
func (b *HostBackend) Mkdir(context.Context, string) error { return nil }

// WriteFile replaces the file contents.
func (b *HostBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	dir, name := path.Split(clean(p))
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.fileKey(p))
	pipe.RPush(ctx, b.fileKey(p), data)
	pipe.HSet(ctx, b.dirKey(dir), name, len(data))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadFile concatenates the appended chunks, or returns ErrNotFound.
func (b *HostBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	chunks, err := b.rdb.LRange(ctx, b.fileKey(p), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c)
	}
	return []byte(sb.String()), nil
}

// Append pushes one chunk onto the file's list and bumps the size index.
func (b *HostBackend) Append(ctx context.Context, p string, data []byte) error {
	dir, name := path.Split(clean(p))
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, b.fileKey(p), data)
	pipe.HIncrBy(ctx, b.dirKey(dir), name, int64(len(data)))
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes the file and its index entry.
func (b *HostBackend) Remove(ctx context.Context, p string) error {
	dir, name := path.Split(clean(p))
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.fileKey(p))
	pipe.HDel(ctx, b.dirKey(dir), name)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns the files under dir from the directory index, sorted by
// name.
func (b *HostBackend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	entries, err := b.rdb.HGetAll(ctx, b.dirKey(dir)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for name, size := range entries {
		var n int64
		fmt.Sscanf(size, "%d", &n)
		out = append(out, FileInfo{Name: name, Size: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *HostBackend) fileKey(p string) string {
	return b.prefix + ":file:" + clean(p)
}

func (b *HostBackend) dirKey(dir string) string {
	return b.prefix + ":dir:" + clean(dir)
}

func clean(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}
