package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
)

// Backend is a local filesystem implementation of the archive backend,
// mainly for development and tests.
type Backend struct {
	cfg *Config
}

var (
	_ backend.RawReader = (*Backend)(nil)
	_ backend.RawWriter = (*Backend)(nil)
)

func NewBackend(cfg *Config) (*Backend, error) {
	err := os.MkdirAll(cfg.Path, os.ModePerm)
	if err != nil {
		return nil, err
	}

	return &Backend{cfg: cfg}, nil
}

func New(cfg *Config) (backend.RawReader, backend.RawWriter, error) {
	l, err := NewBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

// Write implements backend.RawWriter
func (rw *Backend) Write(ctx context.Context, name string, keypath backend.KeyPath, data io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(rw.rootPath(keypath), os.ModePerm); err != nil {
		return err
	}

	dst, err := os.Create(rw.objectFileName(keypath, name))
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, data)
	return err
}

// Append implements backend.RawWriter
func (rw *Backend) Append(ctx context.Context, name string, keypath backend.KeyPath, tracker backend.AppendTracker, buffer []byte) (backend.AppendTracker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dst *os.File
	if tracker == nil {
		if err := os.MkdirAll(rw.rootPath(keypath), os.ModePerm); err != nil {
			return nil, err
		}

		var err error
		dst, err = os.Create(rw.objectFileName(keypath, name))
		if err != nil {
			return nil, err
		}
	} else {
		dst = tracker.(*os.File)
	}

	_, err := dst.Write(buffer)
	if err != nil {
		return nil, err
	}

	return dst, nil
}

// CloseAppend implements backend.RawWriter
func (rw *Backend) CloseAppend(_ context.Context, tracker backend.AppendTracker) error {
	if tracker == nil {
		return nil
	}

	dst := tracker.(*os.File)
	return dst.Close()
}

// Delete implements backend.RawWriter
func (rw *Backend) Delete(_ context.Context, name string, keypath backend.KeyPath) error {
	return os.Remove(rw.objectFileName(keypath, name))
}

// List implements backend.RawReader. Like the object store backends it
// returns the directory names one level down and treats a missing prefix as
// an empty listing.
func (rw *Backend) List(_ context.Context, keypath backend.KeyPath) ([]string, error) {
	entries, err := os.ReadDir(rw.rootPath(keypath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	objects := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		objects = append(objects, e.Name())
	}

	return objects, nil
}

// Find implements backend.RawReader. filepath.WalkDir visits in lexical
// order, so matches arrive sorted by key.
func (rw *Backend) Find(_ context.Context, keypath backend.KeyPath, f backend.FindFunc) error {
	err := filepath.WalkDir(rw.rootPath(keypath), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(rw.cfg.Path, path)
		if err != nil {
			return err
		}

		f(backend.FindMatch{
			Key:      filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Read implements backend.RawReader
func (rw *Backend) Read(_ context.Context, name string, keypath backend.KeyPath) (io.ReadCloser, int64, error) {
	f, err := os.OpenFile(rw.objectFileName(keypath, name), os.O_RDONLY, 0o644)
	if err != nil {
		return nil, 0, readError(err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, stat.Size(), nil
}

// ReadRange implements backend.RawReader
func (rw *Backend) ReadRange(_ context.Context, name string, keypath backend.KeyPath, offset uint64, buffer []byte) error {
	f, err := os.OpenFile(rw.objectFileName(keypath, name), os.O_RDONLY, 0o644)
	if err != nil {
		return readError(err)
	}
	defer f.Close()

	_, err = f.ReadAt(buffer, int64(offset))
	return err
}

// Shutdown implements backend.RawReader
func (rw *Backend) Shutdown() {
}

func (rw *Backend) objectFileName(keypath backend.KeyPath, name string) string {
	return filepath.Join(rw.rootPath(keypath), name)
}

func (rw *Backend) rootPath(keypath backend.KeyPath) string {
	return filepath.Join(rw.cfg.Path, filepath.Join(keypath...))
}

func readError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return backend.ErrDoesNotExist
	}
	return err
}
