package storage

import "os"

// preallocateFallback grounds the teacher's own preallocation trick:
// seek to length-1 and write a single zero byte, relying on the
// filesystem to create a sparse file for the gap.
func preallocateFallback(f *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	fi, err := f.Stat()
	if err == nil && fi.Size() >= length {
		return nil
	}
	if _, err := f.Seek(length-1, 0); err != nil {
		return err
	}
	_, err = f.Write([]byte{0})
	return err
}
