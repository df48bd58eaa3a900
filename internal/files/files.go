// Package files is the local document store. Keys are slash separated paths
// relative to the root: <deal id>/<category>/<uuid>-<name>.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("file not found")
	ErrBadKey   = errors.New("bad file key")
)

type Store struct {
	Root string
}

func New(root string) Store {
	return Store{Root: filepath.Clean(root)}
}

// clean keeps a single path element, mapping anything unsafe to '_'.
func clean(s string) string {
	s = strings.TrimSpace(filepath.Base(strings.ReplaceAll(s, "\\", "/")))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return ""
	}
	return s
}

// UploadFile writes data under the deal and category and returns the new key.
func (s Store) UploadFile(ctx context.Context, data []byte, name, mimeType, category, dealID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty file")
	}
	deal, cat, base := clean(dealID), clean(category), clean(name)
	if deal == "" || cat == "" {
		return "", errors.New("deal id and category are required")
	}
	if base == "" {
		base = "upload"
	}
	key := path.Join(deal, cat, uuid.NewString()+"-"+base)
	abs, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create files dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return key, nil
}

func (s Store) resolve(key string) (string, error) {
	key = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/"), "/")
	if key == "" || path.Clean(key) != key || strings.HasPrefix(key, "..") {
		return "", ErrBadKey
	}
	return filepath.Join(s.Root, filepath.FromSlash(key)), nil
}

// Path returns the absolute path of an existing key.
func (s Store) Path(key string) (string, error) {
	abs, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return abs, nil
}

func (s Store) Read(key string) ([]byte, error) {
	abs, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// List returns every key stored for a deal, sorted.
func (s Store) List(dealID string) ([]string, error) {
	deal := clean(dealID)
	if deal == "" {
		return nil, ErrBadKey
	}
	dir := filepath.Join(s.Root, deal)
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(keys)
	return keys, err
}
