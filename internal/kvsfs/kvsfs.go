// Package kvsfs is the filesystem surface kvsd needs: scanning a jobs
// directory, creating .out files, and durably writing .bck snapshots. It is
// a deliberately lean counterpart to a full fault-injecting filesystem
// abstraction — kvsd has no crash-consistency requirement, so there is
// nothing here to inject faults into.
package kvsfs

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// FS is the filesystem surface components depend on, so tests can swap in
// a fake without touching the real disk.
type FS interface {
	// Open opens path for reading, e.g. a .job file.
	Open(path string) (*os.File, error)

	// Create creates or truncates path for writing, e.g. a .out file.
	Create(path string) (*os.File, error)

	// ReadDir lists a directory's entries, sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// WriteFileAtomic durably replaces path's contents with data: it is
	// never observable half-written, used for .bck snapshot files.
	WriteFileAtomic(path string, data []byte) error
}

// Real implements FS against the host filesystem.
type Real struct{}

// NewReal returns the production FS.
func NewReal() *Real {
	return &Real{}
}

func (*Real) Open(path string) (*os.File, error) {
	return os.Open(path)
}

func (*Real) Create(path string) (*os.File, error) {
	return os.Create(path)
}

func (*Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (*Real) WriteFileAtomic(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

var _ FS = (*Real)(nil)
