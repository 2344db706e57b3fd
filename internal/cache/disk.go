package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// DiskBackend persists each entry as two files under Root, per spec.md §6:
// "<key>.meta.json" and "<key>.arrays.bin". Put writes to a temp file in
// the same directory and renames into place, so a concurrent Get never
// observes a partial write (os.Rename is atomic within a filesystem).
type DiskBackend struct {
	Root string
}

// NewDiskBackend returns a DiskBackend rooted at dir. An empty dir resolves
// to the XDG cache home, matching how the rest of the corpus (adrg/xdg is a
// real dagu dependency) locates user-scoped cache directories.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if dir == "" {
		dir = filepath.Join(xdg.CacheHome, "pipeline")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: disk backend: create root %q: %w", dir, err)
	}
	return &DiskBackend{Root: dir}, nil
}

func (b *DiskBackend) metaPath(key string) string   { return filepath.Join(b.Root, key+".meta.json") }
func (b *DiskBackend) arraysPath(key string) string { return filepath.Join(b.Root, key+".arrays.bin") }

type diskMetaEnvelope struct {
	Meta      Meta      `json:"meta"`
	ArrayKeys []string  `json:"array_keys"`
	ExpireAt  time.Time `json:"expire_at,omitempty"`
}

func (b *DiskBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	raw, err := os.ReadFile(b.metaPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: disk backend: read meta: %w", err)
	}
	var env diskMetaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("cache: disk backend: decode meta: %w", err)
	}
	if !env.ExpireAt.IsZero() && time.Now().After(env.ExpireAt) {
		return nil, false, nil
	}

	arrays, err := b.readArrays(key, env.ArrayKeys)
	if err != nil {
		return nil, false, err
	}
	return &Entry{Meta: env.Meta, Arrays: arrays}, true, nil
}

func (b *DiskBackend) Put(_ context.Context, key string, meta Meta, arrays map[string][]byte, ttl time.Duration) error {
	arrayKeys := make([]string, 0, len(arrays))
	for k := range arrays {
		arrayKeys = append(arrayKeys, k)
	}
	env := diskMetaEnvelope{Meta: meta, ArrayKeys: arrayKeys}
	if ttl > 0 {
		env.ExpireAt = time.Now().Add(ttl)
	}

	// The arrays blob is written (and durably renamed into place) before
	// the meta file that references it, so a crash between the two
	// writes leaves at worst an orphaned *.arrays.bin with no meta
	// pointing at it — never a meta entry whose ArrayKeys name an arrays
	// file that was never persisted.
	arraysBytes, err := encodeArrayBundle(arrays)
	if err != nil {
		return fmt.Errorf("cache: disk backend: encode arrays: %w", err)
	}
	if err := writeAtomic(b.arraysPath(key), arraysBytes); err != nil {
		return fmt.Errorf("cache: disk backend: write arrays: %w", err)
	}

	metaBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: disk backend: encode meta: %w", err)
	}
	if err := writeAtomic(b.metaPath(key), metaBytes); err != nil {
		return fmt.Errorf("cache: disk backend: write meta: %w", err)
	}
	return nil
}

func (b *DiskBackend) Exists(_ context.Context, key string) (bool, error) {
	raw, err := os.ReadFile(b.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache: disk backend: read meta: %w", err)
	}
	var env diskMetaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("cache: disk backend: decode meta: %w", err)
	}
	return env.ExpireAt.IsZero() || !time.Now().After(env.ExpireAt), nil
}

func (b *DiskBackend) readArrays(key string, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := os.ReadFile(b.arraysPath(key))
	if err != nil {
		return nil, fmt.Errorf("cache: disk backend: read arrays: %w", err)
	}
	return decodeArrayBundle(raw)
}

// writeAtomic writes data to a temp file beside path and renames it into
// place, so readers never observe a half-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
