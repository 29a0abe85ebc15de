package sitefs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"sitemigrate/internal/errs"
)

// Category is a class of site files carried by an archive
type Category string

const (
	CategoryMedia   Category = "media"
	CategoryPlugins Category = "plugins"
	CategoryThemes  Category = "themes"
)

// Categories lists file categories in archive order
var Categories = []Category{CategoryMedia, CategoryPlugins, CategoryThemes}

// FileSystem is the narrow surface the migration engine needs from the host's
// file storage. Paths handed to Read/Open/Write are absolute.
type FileSystem interface {
	UploadRoot() string
	Root(category Category) (string, error)
	ListTree(ctx context.Context, root string) ([]string, error)
	Stat(path string) (int64, error)
	ReadFile(path string) ([]byte, error)
	Open(path string) (io.ReadCloser, int64, error)
	WriteFile(path string, data []byte) error
	Create(path string) (io.WriteCloser, error)
}

// Local implements FileSystem on the local disk
type Local struct {
	roots map[Category]string
}

// NewLocal creates a Local file system from the site directories
func NewLocal(uploads, plugins, themes string) *Local {
	return &Local{roots: map[Category]string{
		CategoryMedia:   uploads,
		CategoryPlugins: plugins,
		CategoryThemes:  themes,
	}}
}

// UploadRoot returns the media directory
func (l *Local) UploadRoot() string {
	return l.roots[CategoryMedia]
}

// Root returns the directory backing category
func (l *Local) Root(category Category) (string, error) {
	root, ok := l.roots[category]
	if !ok || root == "" {
		return "", fmt.Errorf("no directory configured for %s", category)
	}
	return root, nil
}

// ListTree returns slash-separated paths of regular files under root,
// relative to root and sorted. A missing root yields no files.
func (l *Local) ListTree(ctx context.Context, root string) ([]string, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	sort.Strings(out)
	return out, nil
}

// Stat returns the size of a file
func (l *Local) Stat(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile reads a whole file
func (l *Local) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(p)
}

// Open opens a file for streaming and reports its size
func (l *Local) Open(p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// WriteFile writes data, creating parent directories
func (l *Local) WriteFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return writeErr(p, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return writeErr(p, err)
	}
	return nil
}

// Create opens p for writing, creating parent directories
func (l *Local) Create(p string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, writeErr(p, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, writeErr(p, err)
	}
	return f, nil
}

// A full or read-only disk cannot be worked around by the next unit
func writeErr(p string, err error) error {
	if os.IsPermission(err) || strings.Contains(err.Error(), "no space left") || strings.Contains(err.Error(), "read-only file system") {
		return errs.Unavailable("write "+p, err)
	}
	return fmt.Errorf("failed to write %s: %w", p, err)
}

// SafeJoin joins a slash-separated relative path onto root, rejecting paths
// that would escape it.
func SafeJoin(root, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if rel == "" || clean == "/" || strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("invalid relative path %q", rel)
	}
	if path.Clean(rel) != strings.TrimPrefix(clean, "/") {
		return "", fmt.Errorf("relative path %q escapes root", rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean[1:])), nil
}
