//go:build !linux

package storage

import "os"

// preallocate uses the portable seek-and-write-a-byte trick on platforms
// without a native sparse-allocation syscall wired up.
func preallocate(f *os.File, length int64) error {
	return preallocateFallback(f, length)
}
