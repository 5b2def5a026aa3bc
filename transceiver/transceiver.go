// Package transceiver is the core orchestrator: it owns a torrent's
// storage, scheduler, peer pool, and optional DHT node, and drives
// pieces from the swarm to disk until every piece is verified and
// written.
//
// It generalizes the teacher's procedural downloadPiecesWithContext
// into a long-lived actor, per the component described for it: state
// that used to live in a single function's local variables (the piece
// queue, per-file descriptors, progress counters) is lifted into fields
// so the same actor can multiplex peer events, response timeouts, and
// cancellation instead of running one synchronous loop per call.
package transceiver

import (
	"context"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/config"
	"github.com/kjartanhr/transceiver/dht"
	"github.com/kjartanhr/transceiver/manager"
	"github.com/kjartanhr/transceiver/metainfo"
	"github.com/kjartanhr/transceiver/peerconn"
	"github.com/kjartanhr/transceiver/peerwire"
	"github.com/kjartanhr/transceiver/scheduler"
	"github.com/kjartanhr/transceiver/storage"
	"github.com/kjartanhr/transceiver/tracker"
)

// UpdateKind classifies a broadcast Update.
type UpdateKind int

const (
	UpdateStart UpdateKind = iota
	UpdateDownload
	UpdateIdle
	UpdateComplete
	UpdateStop
)

// Update is broadcast on every state transition a tracker/DHT announce
// loop or a UI would care about.
type Update struct {
	Kind  UpdateKind
	Piece int
}

// basePipelineDepth is how many outstanding block requests a session is
// allowed to have in flight at once outside endgame; it scales with
// cfg.MaxAssignments/cfg.EndgameMaxAssignments so a torrent configured
// for deeper per-block duplication also pipelines more aggressively.
const basePipelineDepth = 8

// maxMismatches is how many consecutive failed piece verifications from
// the same peer mark it untrusted and drop its connection.
const maxMismatches = 3

// unchokeSlots is how many peers are kept unchoked by download
// contribution at once; one additional slot rotates optimistically.
const unchokeSlots = 4

// peerState is the transceiver's own view of a session, since Session
// keeps its choke/interest bits behind its own lock and does not hand
// out unsynchronized access to them.
type peerState struct {
	choking     bool
	interested  bool
	piece       int
	outstanding int
	sentBytes   int64 // cumulative bytes uploaded to this peer
	recvBytes   int64 // cumulative bytes downloaded from this peer
}

// Transceiver drives a single torrent's download and seed lifecycle.
type Transceiver struct {
	cfg      config.Config
	info     *metainfo.Info
	infoHash [20]byte
	peerID   [20]byte
	trackers []*url.URL

	store *storage.Torrent
	sched *scheduler.Scheduler
	pool  *manager.Pool
	dht   *dht.DHT
	state *downloadState

	updates chan Update

	peersMu sync.Mutex
	peers   map[string]*peerState

	mismatchMu sync.Mutex
	mismatches map[string]int

	savedSince int
	seeding    bool
	optRotate  int

	listeners []net.Listener
}

// New opens storage, loads any persisted state (rehashing resumed
// pieces in case the output was touched out of band), and builds a
// scheduler seeded with the pieces already verified.
func New(cfg config.Config, info *metainfo.Info, outputPath string, trackers []*url.URL) (*Transceiver, error) {
	store, err := storage.Open(outputPath, info)
	if err != nil {
		return nil, errors.Wrap(err, "transceiver: open storage")
	}
	peerID, err := NewPeerID()
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "transceiver: generate peer id")
	}
	st, err := loadState(info.HashHex(), len(info.Pieces), outputPath)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "transceiver: load state")
	}
	invalidated := 0
	for i := 0; i < len(info.Pieces); i++ {
		if !st.IsPieceComplete(i) {
			continue
		}
		ok, err := store.Verify(i)
		if err != nil || !ok {
			st.ClearPiece(i)
			invalidated++
		}
	}
	if invalidated > 0 {
		log.Printf("transceiver: invalidated %d corrupted resumed pieces for %s", invalidated, info.HashHex())
	}

	sched := scheduler.New(info, st.Bitfield(), scheduler.Options{
		BlockSize:             cfg.BlockSize,
		EndgameThreshold:      cfg.EndgameThreshold,
		MaxAssignments:        cfg.MaxAssignments,
		MaxReplicates:         cfg.MaxReplicates,
		EndgameMaxAssignments: cfg.EndgameMaxAssignments,
		EndgameMaxReplicates:  cfg.EndgameMaxReplicates,
	})

	pool := manager.New(info.Hash, peerID, len(info.Pieces), cfg.MaxPeers)
	pool.DHT = cfg.EnableDHT
	pool.Fast = true
	pool.Extension = true
	pool.PreferMSE = cfg.RC4Enable
	pool.BackoffBase = cfg.BackoffBase

	if cfg.PayloadSizeLimit > 0 {
		peerwire.MaxPayloadSize = cfg.PayloadSizeLimit
	}

	return &Transceiver{
		cfg:        cfg,
		info:       info,
		infoHash:   info.Hash,
		peerID:     peerID,
		trackers:   trackers,
		store:      store,
		sched:      sched,
		pool:       pool,
		state:      st,
		updates:    make(chan Update, cfg.UpdateQueueSize),
		peers:      make(map[string]*peerState),
		mismatches: make(map[string]int),
	}, nil
}

// Updates returns the channel every state-transition Update is
// broadcast on.
func (t *Transceiver) Updates() <-chan Update {
	return t.updates
}

// Progress returns the fraction of pieces downloaded and verified.
func (t *Transceiver) Progress() float64 {
	return t.state.Progress()
}

func (t *Transceiver) emit(u Update) {
	select {
	case t.updates <- u:
	default:
		// a full update channel means nobody is listening closely;
		// drop rather than block the download loop.
	}
}

// Run dials seedAddrs, optionally starts a DHT node and periodic
// tracker/DHT peer discovery, and drives the download until ctx is
// cancelled or every piece is verified, at which point it keeps
// serving uploads until ctx ends.
func (t *Transceiver) Run(ctx context.Context, seedAddrs []string) error {
	runID := uuid.NewString()
	log.Printf("[%s] transceiver starting for %s (%d pieces)", runID, t.info.HashHex(), len(t.info.Pieces))
	t.emit(Update{Kind: UpdateStart})
	defer t.shutdown(runID)

	if t.cfg.EnableDHT {
		if err := t.startDHT(ctx); err != nil {
			log.Printf("[%s] dht: failed to start: %v", runID, err)
		}
	}
	if t.cfg.SelfEndpointIPv4 != "" {
		if err := t.listen(ctx, t.cfg.SelfEndpointIPv4); err != nil {
			log.Printf("[%s] listen: failed to start on %s: %v", runID, t.cfg.SelfEndpointIPv4, err)
		}
	}
	if t.cfg.SelfEndpointIPv6 != "" {
		if err := t.listen(ctx, t.cfg.SelfEndpointIPv6); err != nil {
			log.Printf("[%s] listen: failed to start on %s: %v", runID, t.cfg.SelfEndpointIPv6, err)
		}
	}

	t.state.AddPeers(seedAddrs)
	go t.pool.DialAll(ctx, seedAddrs)

	var wg sync.WaitGroup
	wg.Go(func() { t.trackerLoop(ctx, runID) })
	if t.dht != nil {
		wg.Go(func() { t.dhtLookupLoop(ctx, runID) })
	}
	wg.Go(func() { t.chokeLoop(ctx) })

	t.mainLoop(ctx, runID)
	wg.Wait()
	return nil
}

func (t *Transceiver) startDHT(ctx context.Context) error {
	node, err := dht.New()
	if err != nil {
		return err
	}
	if err := node.Start(ctx, t.cfg.DHTPort); err != nil {
		return err
	}
	t.dht = node
	go node.Bootstrap()
	return nil
}

// listen accepts inbound peer connections on addr for the lifetime of
// ctx, generalizing the teacher's outbound-only client into one that
// also serves peers that dial us, matching spec.md's listen-address
// configuration surface. The listener's accept backlog is taken from
// cfg.TCPListenBacklog rather than the kernel default.
func (t *Transceiver) listen(ctx context.Context, addr string) error {
	ln, err := peerconn.Listen(addr, t.cfg.TCPListenBacklog)
	if err != nil {
		return errors.Wrap(err, "transceiver: listen")
	}
	t.listeners = append(t.listeners, ln)
	skeyLookup := func([]byte) ([20]byte, bool) { return t.infoHash, true }
	knownHash := func(h [20]byte) bool { return h == t.infoHash }
	go func() {
		if err := t.pool.Accept(ctx, ln, skeyLookup, knownHash); err != nil {
			log.Printf("transceiver: accept loop ended: %v", err)
		}
	}()
	return nil
}

func (t *Transceiver) trackerLoop(ctx context.Context, runID string) {
	if len(t.trackers) == 0 {
		return
	}
	announce := func(event tracker.Event) {
		params := tracker.AnnounceParams{
			InfoHash: t.infoHash,
			PeerID:   t.peerID,
			Port:     t.listenPort(),
			Left:     t.bytesRemaining(),
			Event:    event,
		}
		peers := tracker.AnnounceAll(ctx, t.trackers, params)
		if len(peers) > 0 {
			log.Printf("[%s] tracker: got %d peers", runID, len(peers))
			t.state.AddPeers(peers)
			go t.pool.DialAll(ctx, peers)
		}
	}
	announce(tracker.EventStarted)
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			announce(tracker.EventStopped)
			return
		case <-ticker.C:
			announce(tracker.EventNone)
		}
	}
}

func (t *Transceiver) dhtLookupLoop(ctx context.Context, runID string) {
	lookup := func() {
		peers, err := t.dht.AnnounceSelf(t.infoHash, t.listenPort())
		if err != nil {
			return
		}
		if len(peers) > 0 {
			log.Printf("[%s] dht: got %d peers", runID, len(peers))
			t.state.AddPeers(peers)
			go t.pool.DialAll(ctx, peers)
		}
	}
	lookup()
	ticker := time.NewTicker(t.cfg.DHTLookupPeersPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.sched.AllComplete() {
				continue
			}
			lookup()
		}
	}
}

// chokeLoop periodically recomputes which peers stay unchoked, comparing
// each peer's cumulative upload/download balance against
// cfg.ReciprocateMargin (scheduler.ReciprocationChoke), plus a rotating
// optimistic unchoke.
func (t *Transceiver) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.rebalanceChokes()
		}
	}
}

func (t *Transceiver) rebalanceChokes() {
	sessions := t.pool.Sessions()
	stats := make([]scheduler.PeerStat, 0, len(sessions))
	interested := make([]string, 0, len(sessions))

	t.peersMu.Lock()
	for _, s := range sessions {
		ps := t.peerStateLocked(s.Addr)
		stats = append(stats, scheduler.PeerStat{Peer: s.Addr, Sent: ps.sentBytes, Recv: ps.recvBytes})
		if ps.interested {
			interested = append(interested, s.Addr)
		}
	}
	t.peersMu.Unlock()

	unchoked := scheduler.ReciprocationChoke(stats, t.cfg.ReciprocateMargin, unchokeSlots)
	if opt, ok := scheduler.OptimisticUnchoke(interested, t.optRotate); ok {
		unchoked[opt] = true
		t.optRotate++
	}

	for _, s := range sessions {
		if unchoked[s.Addr] {
			s.SendUnchoke()
		} else {
			s.SendChoke()
		}
	}
}

func (t *Transceiver) mainLoop(ctx context.Context, runID string) {
	events := t.pool.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handleEvent(ctx, runID, ev)
		}
	}
}

func (t *Transceiver) peerStateLocked(addr string) *peerState {
	ps, ok := t.peers[addr]
	if !ok {
		ps = &peerState{choking: true, piece: -1}
		t.peers[addr] = ps
	}
	return ps
}

func (t *Transceiver) handleEvent(ctx context.Context, runID string, ev peerconn.Event) {
	switch ev.Kind {
	case peerconn.EvBitfield:
		t.sched.RegisterPeer(ev.Bitfield)
		t.trySendInterest(ev.Session)
		t.fillPipeline(ev.Session)
	case peerconn.EvHave:
		t.sched.Have(ev.Index)
		t.trySendInterest(ev.Session)
		t.fillPipeline(ev.Session)
	case peerconn.EvChoke:
		t.peersMu.Lock()
		t.peerStateLocked(ev.Session.Addr).choking = true
		t.peersMu.Unlock()
	case peerconn.EvUnchoke:
		t.peersMu.Lock()
		t.peerStateLocked(ev.Session.Addr).choking = false
		t.peersMu.Unlock()
		t.fillPipeline(ev.Session)
	case peerconn.EvInterested:
		t.peersMu.Lock()
		t.peerStateLocked(ev.Session.Addr).interested = true
		t.peersMu.Unlock()
	case peerconn.EvNotInterested:
		t.peersMu.Lock()
		t.peerStateLocked(ev.Session.Addr).interested = false
		t.peersMu.Unlock()
	case peerconn.EvRequest:
		t.serveRequest(ev.Session, ev.Index, ev.Begin, ev.Length)
	case peerconn.EvPiece:
		t.handleBlock(ev)
	case peerconn.EvDisconnected:
		t.forgetPeer(ev.Session)
	}
}

func (t *Transceiver) trySendInterest(s *peerconn.Session) {
	if t.seeding || !s.Bitfield.HasAny(t.state.Bitfield(), len(t.info.Pieces)) {
		return
	}
	s.SendInterested()
}

func (t *Transceiver) fillPipeline(s *peerconn.Session) {
	if t.seeding {
		return
	}
	t.peersMu.Lock()
	ps := t.peerStateLocked(s.Addr)
	t.peersMu.Unlock()
	if ps.choking {
		return
	}
	depth := basePipelineDepth * t.cfg.MaxAssignments
	if t.sched.Endgame() {
		depth = basePipelineDepth * t.cfg.EndgameMaxAssignments
	}
	for ps.outstanding < depth {
		if ps.piece < 0 {
			var idx int
			var ok bool
			if t.cfg.RarestFirst {
				idx, ok = t.sched.NextPiece(s.Bitfield)
			} else {
				idx, ok = t.sched.NextPieceSequential(s.Bitfield)
			}
			if !ok {
				return
			}
			ps.piece = idx
		}
		q, ok := t.sched.Queue(ps.piece)
		if !ok {
			ps.piece = -1
			continue
		}
		block, ok := q.NextBlock(s.Addr)
		if !ok {
			ps.piece = -1
			return
		}
		if err := s.SendRequest(block.Piece, block.Begin, block.Length); err != nil {
			return
		}
		ps.outstanding++
	}
}

func (t *Transceiver) serveRequest(s *peerconn.Session, index, begin, length int) {
	if s.IsChoking() {
		return
	}
	if length <= 0 || length > t.cfg.PayloadSizeLimit {
		return
	}
	data, err := t.store.ReadBlock(index, int64(begin), int64(length))
	if err != nil {
		return
	}
	s.SendPiece(index, begin, data)

	t.peersMu.Lock()
	t.peerStateLocked(s.Addr).sentBytes += int64(len(data))
	t.peersMu.Unlock()
}

func (t *Transceiver) handleBlock(ev peerconn.Event) {
	q, ok := t.sched.Queue(ev.Index)
	if !ok {
		return // stale or unsolicited block, e.g. after the piece already completed
	}

	t.peersMu.Lock()
	ps := t.peerStateLocked(ev.Session.Addr)
	if ps.outstanding > 0 {
		ps.outstanding--
	}
	ps.recvBytes += int64(len(ev.Block))
	t.peersMu.Unlock()

	complete := q.MarkReceived(ev.Begin, ev.Session.Addr, len(ev.Block))
	if err := t.store.WriteBlock(ev.Index, int64(ev.Begin), ev.Block); err != nil {
		log.Printf("transceiver: write piece %d failed: %v", ev.Index, err)
	}

	if complete {
		t.finishPiece(ev.Index, ev.Session.Addr)
		t.peersMu.Lock()
		ps.piece = -1
		t.peersMu.Unlock()
	}

	t.fillPipeline(ev.Session)
}

func (t *Transceiver) finishPiece(index int, lastPeer string) {
	ok, err := t.store.Verify(index)
	if err != nil {
		log.Printf("transceiver: verify piece %d failed: %v", index, err)
	}
	if !ok {
		t.sched.ReturnPiece(index)
		t.recordMismatch(lastPeer)
		return
	}
	t.sched.CompletePiece(index)
	t.state.MarkPieceComplete(index)
	t.broadcastHave(index)
	t.emit(Update{Kind: UpdateDownload, Piece: index})
	t.maybeSaveState()

	if t.sched.AllComplete() {
		t.onComplete()
	}
}

func (t *Transceiver) recordMismatch(addr string) {
	t.mismatchMu.Lock()
	t.mismatches[addr]++
	count := t.mismatches[addr]
	t.mismatchMu.Unlock()
	if count < maxMismatches {
		return
	}
	log.Printf("transceiver: dropping %s after %d corrupt pieces", addr, count)
	t.pool.Remove(addr)
}

func (t *Transceiver) broadcastHave(index int) {
	for _, s := range t.pool.Sessions() {
		s.SendHave(index)
	}
}

func (t *Transceiver) maybeSaveState() {
	t.savedSince++
	if t.savedSince < 10 {
		return
	}
	t.savedSince = 0
	if err := t.state.Save(); err != nil {
		log.Printf("transceiver: save state failed: %v", err)
	}
}

func (t *Transceiver) onComplete() {
	t.seeding = true
	t.emit(Update{Kind: UpdateComplete})
	if err := t.state.Delete(); err != nil {
		log.Printf("transceiver: delete state failed: %v", err)
	}
	for _, s := range t.pool.Sessions() {
		s.SendNotInterested()
	}
}

func (t *Transceiver) forgetPeer(s *peerconn.Session) {
	t.sched.CancelPeer(s.Addr)
	t.sched.UnregisterPeer(s.Bitfield)
	t.peersMu.Lock()
	delete(t.peers, s.Addr)
	t.peersMu.Unlock()
}

func (t *Transceiver) listenPort() int {
	for _, ln := range t.listeners {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	if t.dht != nil {
		return t.dht.Port()
	}
	return 0
}

func (t *Transceiver) bytesRemaining() int64 {
	remaining := int64(0)
	for i := 0; i < len(t.info.Pieces); i++ {
		if !t.state.IsPieceComplete(i) {
			remaining += t.store.PieceLen(i)
		}
	}
	return remaining
}

// shutdown flushes state and storage on the way out, emitting a final
// Stop update, per the drain-then-flush-then-broadcast sequence called
// for on shutdown.
func (t *Transceiver) shutdown(runID string) {
	if !t.seeding {
		if err := t.state.Save(); err != nil {
			log.Printf("[%s] transceiver: final state save failed: %v", runID, err)
		}
	}
	if err := t.store.Close(); err != nil {
		log.Printf("[%s] transceiver: close storage failed: %v", runID, err)
	}
	if t.dht != nil {
		t.dht.Stop()
	}
	for _, ln := range t.listeners {
		ln.Close()
	}
	t.emit(Update{Kind: UpdateStop})
	close(t.updates)
	log.Printf("[%s] transceiver stopped", runID)
}
