// Package scheduler implements piece selection (rarest-first, with an
// endgame mode near completion) and the per-piece block request queue
// that tracks which peer each outstanding block request went to.
package scheduler

import (
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"
)

// BlockDesc identifies one block within a piece.
type BlockDesc struct {
	Piece  int
	Begin  int
	Length int
}

// assignment records an outstanding request for a block.
type assignment struct {
	peer      string
	requested time.Time
}

// Queue tracks block-level progress and in-flight requests for a single
// piece. Multiple peers may be assigned the same block simultaneously
// once the piece enters endgame mode.
type Queue struct {
	mu         sync.Mutex
	piece      int
	length     int64
	blockSize  int
	numBlocks  int
	progress   bitmap.Bitmap        // set bit = block index fully received
	assigned   map[int][]assignment // block index -> outstanding assignments
	peerStats  map[string]int64     // peer -> bytes received for this piece
	maxPending int                  // max concurrent assignments per block
}

// NewQueue builds a block queue for a piece of the given length, split
// into fixed-size blocks (the final block may be shorter). maxPending
// is the initial per-block outstanding-request cap (ordinarily 1;
// SetMaxPending raises it once the torrent enters endgame).
func NewQueue(piece int, length int64, blockSize int, maxPending int) *Queue {
	numBlocks := int((length + int64(blockSize) - 1) / int64(blockSize))
	if maxPending < 1 {
		maxPending = 1
	}
	return &Queue{
		piece:      piece,
		length:     length,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		assigned:   make(map[int][]assignment),
		peerStats:  make(map[string]int64),
		maxPending: maxPending,
	}
}

// SetMaxPending changes how many peers may simultaneously have the same
// block outstanding; the scheduler raises this once a torrent enters
// endgame.
func (q *Queue) SetMaxPending(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxPending = n
}

// blockDesc returns the BlockDesc for a given block index.
func (q *Queue) blockDesc(blockIdx int) BlockDesc {
	begin := blockIdx * q.blockSize
	length := q.blockSize
	if remaining := int(q.length) - begin; remaining < length {
		length = remaining
	}
	return BlockDesc{Piece: q.piece, Begin: begin, Length: length}
}

// NextBlock returns a block to request from peer: the first block that
// is neither complete nor already assigned to peer, and has fewer than
// maxPending outstanding assignments. Returns ok=false once no such
// block exists (everything is either complete or saturated).
func (q *Queue) NextBlock(peer string) (BlockDesc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.numBlocks; i++ {
		if q.progress.Get(i) {
			continue
		}
		pending := q.assigned[i]
		if len(pending) >= q.maxPending {
			continue
		}
		alreadyAssignedToPeer := false
		for _, a := range pending {
			if a.peer == peer {
				alreadyAssignedToPeer = true
				break
			}
		}
		if alreadyAssignedToPeer {
			continue
		}
		q.assigned[i] = append(pending, assignment{peer: peer, requested: time.Now()})
		return q.blockDesc(i), true
	}
	return BlockDesc{}, false
}

// MarkReceived records that n bytes at offset begin were received from
// peer and marks the corresponding block complete. It returns true once every
// block in the piece has been received.
func (q *Queue) MarkReceived(begin int, peer string, n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	blockIdx := begin / q.blockSize
	q.progress.Set(blockIdx, true)
	delete(q.assigned, blockIdx)
	q.peerStats[peer] += int64(n)
	return q.progress.Len() >= q.numBlocks
}

// CancelPeer removes every outstanding assignment to peer, e.g. on
// disconnect, so other peers become eligible for those blocks again.
func (q *Queue) CancelPeer(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for idx, pending := range q.assigned {
		filtered := pending[:0]
		for _, a := range pending {
			if a.peer != peer {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			delete(q.assigned, idx)
		} else {
			q.assigned[idx] = filtered
		}
	}
}

// Progress returns the fraction of blocks received, in [0, 1].
func (q *Queue) Progress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.numBlocks == 0 {
		return 1
	}
	return float64(q.progress.Len()) / float64(q.numBlocks)
}

// Complete reports whether every block has been received.
func (q *Queue) Complete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress.Len() >= q.numBlocks
}

// PeerBytes returns how many bytes of this piece came from peer, used
// by the upload-reciprocation comparison.
func (q *Queue) PeerBytes(peer string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peerStats[peer]
}
