package backend

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

var (
	// ErrDoesNotExist is returned by reads of objects that are not in the bucket.
	ErrDoesNotExist = errors.New("does not exist")
	// ErrEmptyBucketName is returned when a backend is configured without a bucket.
	ErrEmptyBucketName = errors.New("bucket name is empty")
)

// KeyPath is an ordered set of strings that governs where data is read from
// and written to in the backend. Segments are joined with the backend's path
// separator.
type KeyPath []string

// AppendTracker is an empty interface usable by the backend to track a
// long-running append operation.
type AppendTracker interface{}

// RawWriter writes opaque objects to the archive bucket.
type RawWriter interface {
	// Write is for in-memory or streamed data of a known size.
	Write(ctx context.Context, name string, keypath KeyPath, data io.Reader, size int64) error
	// Append starts or continues an append job. Pass nil as the tracker to
	// start a job; every call returns the tracker to pass next.
	Append(ctx context.Context, name string, keypath KeyPath, tracker AppendTracker, buffer []byte) (AppendTracker, error)
	// CloseAppend closes any resources associated with the AppendTracker.
	// The object is not visible under its key until this returns nil.
	CloseAppend(ctx context.Context, tracker AppendTracker) error
	// Delete removes an object.
	Delete(ctx context.Context, name string, keypath KeyPath) error
}

// RawReader reads opaque objects from the archive bucket.
type RawReader interface {
	// List returns the names one level beneath the provided keypath, with
	// any trailing separator removed.
	List(ctx context.Context, keypath KeyPath) ([]string, error)
	// Find calls f once per object at or below the provided keypath.
	// Traversal order is backend-defined.
	Find(ctx context.Context, keypath KeyPath, f FindFunc) error
	// Read returns the entire object.
	Read(ctx context.Context, name string, keypath KeyPath) (io.ReadCloser, int64, error)
	// ReadRange fills buffer from the object starting at offset.
	ReadRange(ctx context.Context, name string, keypath KeyPath, offset uint64, buffer []byte) error
	// Shutdown releases any resources held by the reader.
	Shutdown()
}

// FindMatch is one object visited by RawReader.Find.
type FindMatch struct {
	Key      string // full key relative to the bucket root, prefix included
	Size     int64
	Modified time.Time
}

// FindFunc is called once per matched object.
type FindFunc func(FindMatch)

// ObjectFileName joins a keypath and object name into a backend key.
func ObjectFileName(keypath KeyPath, name string) string {
	return path.Join(append(keypath, name)...)
}

// KeyPathWithPrefix prepends the configured bucket prefix, if any.
func KeyPathWithPrefix(keypath KeyPath, prefix string) KeyPath {
	if len(prefix) == 0 {
		return keypath
	}
	return append(KeyPath{prefix}, keypath...)
}

// ObjectContentType maps an archive object name to the content type it is
// uploaded with. Downstream consumers rely on the payload content type.
func ObjectContentType(name string) string {
	switch path.Ext(name) {
	case ".pb":
		return "application/x-protobuf"
	case ".meta":
		return "application/json"
	}
	return "application/octet-stream"
}
