package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Info describes a stored object.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Storage provides an abstraction over key-value style file storage. Workflow
// artifacts, gate records, task files and process records all live behind this
// interface so the orchestration core never touches the filesystem directly.
//
// Write must be atomic: a reader never observes a partially written object.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (Info, error)
}
