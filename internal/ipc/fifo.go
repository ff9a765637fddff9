package ipc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MakeFIFO creates a named pipe at path if one doesn't already exist there.
// The standard library has no equivalent of mkfifo(2); x/sys/unix is the
// only way to reach it from Go.
func MakeFIFO(path string, perm os.FileMode) error {
	err := unix.Mkfifo(path, uint32(perm))
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %q: %w", path, err)
	}

	return nil
}
