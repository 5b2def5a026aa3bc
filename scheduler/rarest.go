package scheduler

import (
	"sync"

	"github.com/kjartanhr/transceiver/bitfield"
	"github.com/kjartanhr/transceiver/metainfo"
)

// Options carries the tuning knobs a Scheduler needs from config.Config,
// decoupling this package from the config package's import path.
type Options struct {
	// BlockSize is the block length requested from peers.
	BlockSize int
	// EndgameThreshold is the fraction of the torrent's total bytes
	// still outstanding below which endgame mode activates.
	EndgameThreshold float64
	// MaxAssignments is the non-endgame per-block outstanding-request
	// limit (ordinarily 1: one peer at a time per block).
	MaxAssignments int
	// MaxReplicates adds extra duplicate requests on top of
	// MaxAssignments outside endgame (ordinarily 0).
	MaxReplicates int
	// EndgameMaxAssignments is the per-block outstanding-request limit
	// once endgame mode is active.
	EndgameMaxAssignments int
	// EndgameMaxReplicates adds extra duplicate requests on top of
	// EndgameMaxAssignments once endgame mode is active.
	EndgameMaxReplicates int
}

// DefaultOptions returns the de facto wire-protocol standard block size
// (16 KiB) and the teacher's endgame tuning.
func DefaultOptions() Options {
	return Options{
		BlockSize:             16 * 1024,
		EndgameThreshold:      0.02,
		MaxAssignments:        1,
		MaxReplicates:         0,
		EndgameMaxAssignments: 3,
		EndgameMaxReplicates:  2,
	}
}

func (o Options) maxPending() int {
	n := o.MaxAssignments + o.MaxReplicates
	if n < 1 {
		n = 1
	}
	return n
}

func (o Options) endgameMaxPending() int {
	n := o.EndgameMaxAssignments + o.EndgameMaxReplicates
	if n < 1 {
		n = 1
	}
	return n
}

// Scheduler selects the rarest pending piece a peer can supply and
// tracks block-level request state for every piece currently being
// downloaded, using availability buckets so piece selection costs
// O(peer count) rather than O(piece count).
type Scheduler struct {
	mu           sync.Mutex
	opts         Options
	numPieces    int
	pieceLengths []int64
	totalLength  int64

	availability []int
	buckets      []map[int]bool
	inProgress   map[int]*Queue
	completed    map[int]bool

	endgame bool
}

// New builds a scheduler for a torrent, seeding already-owned pieces
// (per have) as completed.
func New(info *metainfo.Info, have bitfield.Bitfield, opts Options) *Scheduler {
	n := len(info.Pieces)
	s := &Scheduler{
		opts:         opts,
		numPieces:    n,
		pieceLengths: make([]int64, n),
		availability: make([]int, n),
		buckets:      []map[int]bool{make(map[int]bool)},
		inProgress:   make(map[int]*Queue),
		completed:    make(map[int]bool),
	}
	for i := 0; i < n; i++ {
		s.pieceLengths[i] = pieceLength(info, i)
		s.totalLength += s.pieceLengths[i]
		if have.Get(i) {
			s.completed[i] = true
		} else {
			s.buckets[0][i] = true
		}
	}
	s.refreshEndgame()
	return s
}

func pieceLength(info *metainfo.Info, index int) int64 {
	if index == len(info.Pieces)-1 {
		if rem := info.TotalLength() % info.PieceLength; rem != 0 {
			return rem
		}
	}
	return info.PieceLength
}

func (s *Scheduler) ensureBucket(avail int) {
	for len(s.buckets) <= avail {
		s.buckets = append(s.buckets, make(map[int]bool))
	}
}

// RegisterPeer records a newly connected peer's bitfield, bumping the
// availability of every piece it has and re-bucketing pending pieces
// accordingly.
func (s *Scheduler) RegisterPeer(bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.numPieces; i++ {
		if !bf.Get(i) {
			continue
		}
		s.bumpAvailability(i, 1)
	}
}

// UnregisterPeer undoes RegisterPeer, e.g. on peer disconnect.
func (s *Scheduler) UnregisterPeer(bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.numPieces; i++ {
		if bf.Get(i) && s.availability[i] > 0 {
			s.bumpAvailability(i, -1)
		}
	}
}

// Have records a single Have message, incrementing a piece's
// availability.
func (s *Scheduler) Have(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= s.numPieces {
		return
	}
	s.bumpAvailability(index, 1)
}

func (s *Scheduler) bumpAvailability(index, delta int) {
	old := s.availability[index]
	s.availability[index] += delta
	if s.completed[index] {
		return
	}
	if _, busy := s.inProgress[index]; busy {
		return
	}
	if old < len(s.buckets) {
		delete(s.buckets[old], index)
	}
	next := old + delta
	s.ensureBucket(next)
	s.buckets[next][index] = true
}

// NextPiece returns the rarest pending piece that peerHas offers,
// starting a block queue for it and moving it into the in-progress set.
// Returns ok=false if peerHas offers nothing currently pending.
func (s *Scheduler) NextPiece(peerHas bitfield.Bitfield) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for avail := 0; avail < len(s.buckets); avail++ {
		for idx := range s.buckets[avail] {
			if !peerHas.Get(idx) {
				continue
			}
			delete(s.buckets[avail], idx)
			q := NewQueue(idx, s.pieceLengths[idx], s.opts.BlockSize, s.opts.maxPending())
			if s.endgame {
				q.SetMaxPending(s.opts.endgameMaxPending())
			}
			s.inProgress[idx] = q
			return idx, true
		}
	}
	return 0, false
}

// NextPieceSequential returns the lowest-indexed pending piece peerHas
// offers, ignoring rarity. Used in place of NextPiece when a download
// favors in-order piece arrival (e.g. for streaming playback) over
// swarm-healthy rarest-first selection.
func (s *Scheduler) NextPieceSequential(peerHas bitfield.Bitfield) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := 0; idx < s.numPieces; idx++ {
		if s.completed[idx] {
			continue
		}
		if _, busy := s.inProgress[idx]; busy {
			continue
		}
		if !peerHas.Get(idx) {
			continue
		}
		avail := s.availability[idx]
		if avail >= len(s.buckets) || !s.buckets[avail][idx] {
			continue
		}
		delete(s.buckets[avail], idx)
		q := NewQueue(idx, s.pieceLengths[idx], s.opts.BlockSize, s.opts.maxPending())
		if s.endgame {
			q.SetMaxPending(s.opts.endgameMaxPending())
		}
		s.inProgress[idx] = q
		return idx, true
	}
	return 0, false
}

// Queue returns the block queue for a piece already in progress.
func (s *Scheduler) Queue(index int) (*Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.inProgress[index]
	return q, ok
}

// CompletePiece marks a piece fully downloaded and verified.
func (s *Scheduler) CompletePiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, index)
	s.completed[index] = true
	s.refreshEndgame()
}

// ReturnPiece puts an in-progress piece back into its availability
// bucket, e.g. after verification failure or the only source
// disconnecting.
func (s *Scheduler) ReturnPiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inProgress[index]; !busy {
		return
	}
	delete(s.inProgress, index)
	avail := s.availability[index]
	s.ensureBucket(avail)
	s.buckets[avail][index] = true
}

// refreshEndgame enables endgame mode once the bytes still outstanding
// drop below opts.EndgameThreshold of the torrent's total size, raising
// maxPending on every queue already in flight so duplicate requests go
// out immediately rather than waiting for the next NextPiece call.
func (s *Scheduler) refreshEndgame() {
	if s.endgame || s.numPieces == 0 || s.totalLength == 0 {
		return
	}
	var remaining int64
	for idx, length := range s.pieceLengths {
		if !s.completed[idx] {
			remaining += length
		}
	}
	if float64(remaining)/float64(s.totalLength) > s.opts.EndgameThreshold {
		return
	}
	s.endgame = true
	for _, q := range s.inProgress {
		q.SetMaxPending(s.opts.endgameMaxPending())
	}
}

// HasPending reports whether any piece remains unassigned.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range s.buckets {
		if len(bucket) > 0 {
			return true
		}
	}
	return false
}

// HasInProgress reports whether any piece is currently being
// downloaded.
func (s *Scheduler) HasInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inProgress) > 0
}

// AllComplete reports whether every piece has been downloaded.
func (s *Scheduler) AllComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) == s.numPieces
}

// Endgame reports whether the scheduler has entered endgame mode.
func (s *Scheduler) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame
}

// CancelPeer removes a disconnected peer's outstanding block
// assignments across every piece currently in progress.
func (s *Scheduler) CancelPeer(peer string) {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.inProgress))
	for _, q := range s.inProgress {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	for _, q := range queues {
		q.CancelPeer(peer)
	}
}
