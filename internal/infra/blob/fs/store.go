// Package fs implements the blob Store on plain files. Relative keys live
// below a root directory and absolute keys name files directly, so
// collection-unit files can be used in place. Content type and user metadata
// of written blobs go to a JSON sidecar (file name + ".meta"); files without
// one are served with defaults.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"donorbase/internal/blob/core"
)

const (
	tmpPrefix     = ".tmp-"
	sidecarSuffix = ".meta"
)

// Store maps keys to relative file paths under root.
type Store struct {
	root string
}

// New returns a filesystem store rooted at root (default "."), creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "."
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

// sanitizeKey forbids empty keys and relative keys with a ".." segment.
// Absolute keys are only cleaned.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if filepath.IsAbs(key) {
		return filepath.Clean(key), nil
	}
	for _, seg := range strings.Split(filepath.ToSlash(key), "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid key traversal %q", key)
		}
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) pathFor(key string) (string, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(k) {
		return k, nil
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func writeSidecar(path string, opts core.PutOptions) error {
	if opts.ContentType == "" && len(opts.Metadata) == 0 {
		if err := os.Remove(path + sidecarSuffix); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return err
		}
		return nil
	}
	b, err := json.Marshal(sidecar{ContentType: opts.ContentType, Metadata: opts.Metadata})
	if err != nil {
		return err
	}
	return os.WriteFile(path+sidecarSuffix, b, 0o644)
}

func readSidecar(path string) (sidecar, bool, error) {
	b, err := os.ReadFile(path + sidecarSuffix)
	if errors.Is(err, iofs.ErrNotExist) {
		return sidecar{}, false, nil
	}
	if err != nil {
		return sidecar{}, false, err
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return sidecar{}, false, fmt.Errorf("decode %s: %w", path+sidecarSuffix, err)
	}
	return sc, true, nil
}

// Put streams r into a temporary file next to the target and renames it into
// place once the copy succeeded.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	if !opts.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		return core.Info{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return core.Info{}, err
	}
	if err := tmp.Close(); err != nil {
		return core.Info{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return core.Info{}, err
	}
	if err := writeSidecar(path, opts); err != nil {
		return core.Info{}, fmt.Errorf("blob %s metadata: %w", key, err)
	}
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, err
	}
	info.Size = size
	info.ETag = hex.EncodeToString(h.Sum(nil))
	return info, nil
}

// Get opens the file behind key.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	path, _ := s.pathFor(key)
	f, err := os.Open(path)
	if err != nil {
		return core.Info{}, nil, wrapNotExist(key, err)
	}
	return info, f, nil
}

// Head stats the file behind key.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return core.Info{}, wrapNotExist(key, err)
	}
	if st.IsDir() {
		return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	info := infoFor(key, st)
	sc, ok, err := readSidecar(path)
	if err != nil {
		return core.Info{}, err
	}
	if ok {
		if sc.ContentType != "" {
			info.ContentType = sc.ContentType
		}
		info.Metadata = sc.Metadata
	}
	return info, nil
}

// Delete removes the file behind key.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path + sidecarSuffix); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

// List returns the files whose key has prefix, skipping temporary files and
// sidecars. An absolute prefix lists the directory it names instead of the root.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	base := s.root
	abs := filepath.IsAbs(prefix)
	if abs {
		prefix = filepath.ToSlash(prefix)
		base = filepath.FromSlash(prefix)
		if !strings.HasSuffix(prefix, "/") {
			base = filepath.Dir(base)
		}
	}
	var infos []core.Info
	err := filepath.WalkDir(base, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if path == base && errors.Is(err, iofs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		key, err := s.keyFor(path, abs)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == base || mayContain(key, prefix) {
				return nil
			}
			return filepath.SkipDir
		}
		name := d.Name()
		if strings.HasPrefix(name, tmpPrefix) || strings.HasSuffix(name, sidecarSuffix) {
			return nil
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.Head(ctx, key)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) keyFor(path string, abs bool) (string, error) {
	if abs {
		return filepath.ToSlash(path), nil
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// mayContain reports whether directory dir can hold keys starting with prefix.
func mayContain(dir, prefix string) bool {
	dir += "/"
	return strings.HasPrefix(dir, prefix) || strings.HasPrefix(prefix, dir)
}

func infoFor(key string, st iofs.FileInfo) core.Info {
	return core.Info{
		Key:          key,
		Size:         st.Size(),
		ContentType:  mime.TypeByExtension(filepath.Ext(key)),
		LastModified: st.ModTime().UTC(),
	}
}

func wrapNotExist(key string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return err
}
