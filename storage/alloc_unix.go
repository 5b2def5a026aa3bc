//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves length bytes for f using fallocate, falling back
// to the portable seek-and-write-a-byte trick if the filesystem does not
// support it (e.g. some network filesystems return ENOTSUP/EOPNOTSUPP).
func preallocate(f *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	if fi, err := f.Stat(); err == nil && fi.Size() >= length {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, length)
	if err == nil {
		return nil
	}
	return preallocateFallback(f, length)
}
