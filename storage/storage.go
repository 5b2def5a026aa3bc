// Package storage maps a torrent's pieces onto one or more files on
// disk, translating between piece-relative offsets and file-relative
// offsets, verifying piece hashes, and preallocating file space.
package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/metainfo"
)

// span is the portion of one on-disk file that a single piece covers.
type span struct {
	file   *os.File
	offset int64 // offset within file
	length int64 // bytes of the piece that land in this file
}

// Torrent is an open on-disk representation of a torrent's data,
// precomputed once at Open so piece I/O never has to recompute
// file-straddling arithmetic.
type Torrent struct {
	info *metainfo.Info
	root string

	mu     sync.Mutex
	files  []*os.File
	spans  [][]span // spans[pieceIndex] = ordered list of file spans
}

// Open creates (if necessary) and opens every file the torrent
// describes under root, preallocating their full length, and precomputes
// the piece-to-file span table.
func Open(root string, info *metainfo.Info) (*Torrent, error) {
	t := &Torrent{info: info, root: root}

	type fileSpec struct {
		path   string
		length int64
	}
	var specs []fileSpec
	if info.IsMultiFile() {
		for _, f := range info.Files {
			parts := append([]string{root, info.Name}, f.Path...)
			specs = append(specs, fileSpec{path: filepath.Join(parts...), length: f.Length})
		}
	} else {
		specs = append(specs, fileSpec{path: filepath.Join(root, info.Name), length: info.Length})
	}

	for _, spec := range specs {
		if err := os.MkdirAll(filepath.Dir(spec.path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: mkdir for %s", spec.path)
		}
		f, err := os.OpenFile(spec.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: open %s", spec.path)
		}
		if err := preallocate(f, spec.length); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "storage: preallocate %s", spec.path)
		}
		t.files = append(t.files, f)
	}

	lengths := make([]int64, len(specs))
	for i, s := range specs {
		lengths[i] = s.length
	}
	t.buildSpans(lengths)
	return t, nil
}

func (t *Torrent) buildSpans(lengths []int64) {
	numPieces := len(t.info.Pieces)
	t.spans = make([][]span, numPieces)

	var fileIdx int
	var fileRemaining = lengths[0]
	var fileOffset int64

	for p := 0; p < numPieces; p++ {
		remaining := t.pieceLen(p)
		for remaining > 0 {
			for fileRemaining == 0 && fileIdx+1 < len(lengths) {
				fileIdx++
				fileRemaining = lengths[fileIdx]
				fileOffset = 0
			}
			take := remaining
			if fileRemaining < take {
				take = fileRemaining
			}
			if take <= 0 {
				break
			}
			t.spans[p] = append(t.spans[p], span{file: t.files[fileIdx], offset: fileOffset, length: take})
			fileOffset += take
			fileRemaining -= take
			remaining -= take
		}
	}
}

// pieceLen returns the number of bytes piece index covers (the last
// piece of a torrent is usually shorter than PieceLength).
func (t *Torrent) pieceLen(index int) int64 {
	if index < len(t.info.Pieces)-1 {
		return t.info.PieceLength
	}
	last := t.info.TotalLength() - t.info.PieceLength*int64(len(t.info.Pieces)-1)
	return last
}

// PieceLen exposes pieceLen.
func (t *Torrent) PieceLen(index int) int64 { return t.pieceLen(index) }

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int { return len(t.info.Pieces) }

// WriteBlock writes data at the given piece-relative offset, splitting
// the write across file boundaries as needed.
func (t *Torrent) WriteBlock(piece int, offset int64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.walkSpans(piece, offset, int64(len(data)), func(f *os.File, foff int64, lo, hi int64) error {
		_, err := f.WriteAt(data[lo:hi], foff)
		return err
	})
}

// ReadBlock reads length bytes at the given piece-relative offset.
func (t *Torrent) ReadBlock(piece int, offset int64, length int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, length)
	err := t.walkSpans(piece, offset, length, func(f *os.File, foff int64, lo, hi int64) error {
		_, err := f.ReadAt(buf[lo:hi], foff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// walkSpans dispatches the [offset, offset+length) byte range of piece
// to each file span it overlaps, calling fn with the file, the
// file-relative offset to start at, and the [lo,hi) slice bounds
// relative to the caller's buffer.
func (t *Torrent) walkSpans(piece int, offset, length int64, fn func(f *os.File, foff int64, lo, hi int64) error) error {
	if piece < 0 || piece >= len(t.spans) {
		return errors.Errorf("storage: piece index %d out of range", piece)
	}
	var pos int64
	reqStart, reqEnd := offset, offset+length
	for _, sp := range t.spans[piece] {
		spanStart, spanEnd := pos, pos+sp.length
		pos = spanEnd
		lo := max64(spanStart, reqStart)
		hi := min64(spanEnd, reqEnd)
		if lo >= hi {
			continue
		}
		foff := sp.offset + (lo - spanStart)
		bufLo := lo - reqStart
		bufHi := hi - reqStart
		if err := fn(sp.file, foff, bufLo, bufHi); err != nil {
			return err
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Verify recomputes piece's SHA-1 hash and compares it against the
// metainfo's recorded hash.
func (t *Torrent) Verify(piece int) (bool, error) {
	data, err := t.ReadBlock(piece, 0, t.pieceLen(piece))
	if err != nil {
		return false, errors.Wrapf(err, "storage: read piece %d for verification", piece)
	}
	sum := sha1.Sum(data)
	return sum == t.info.Pieces[piece], nil
}

// Close closes every underlying file.
func (t *Torrent) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, f := range t.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
