package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage persists poster objects and resolves them to public URLs.
type Storage interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	// Remove deletes the object behind a URL previously returned by Put.
	// URLs this storage did not produce are ignored.
	Remove(ctx context.Context, url string) error
}

// DiskStorage writes posters under a local directory served at BaseURL.
type DiskStorage struct {
	Dir     string
	BaseURL string
}

func NewDiskStorage(dir, baseURL string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &DiskStorage{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DiskStorage) Put(_ context.Context, key, _ string, r io.Reader, _ int64) (string, error) {
	path, err := d.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create poster dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create poster file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write poster file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close poster file: %w", err)
	}
	return d.BaseURL + "/" + key, nil
}

func (d *DiskStorage) Remove(_ context.Context, url string) error {
	key, ok := strings.CutPrefix(url, d.BaseURL+"/")
	if !ok {
		return nil
	}
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove poster file: %w", err)
	}
	return nil
}

func (d *DiskStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid poster key %q", key)
	}
	return filepath.Join(d.Dir, clean), nil
}
