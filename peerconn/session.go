package peerconn

import (
	"sync"
	"time"

	"github.com/kjartanhr/transceiver/bitfield"
	"github.com/kjartanhr/transceiver/peerwire"
)

// keepAliveInterval is how often a session sends a keep-alive if it has
// written nothing else recently.
const keepAliveInterval = 100 * time.Second

// readTimeout is the idle read deadline; a peer that sends nothing at
// all, not even a keep-alive, for this long is considered dead.
const readTimeout = 150 * time.Second

// EventKind identifies what happened on a session.
type EventKind int

const (
	EvBitfield EventKind = iota
	EvHave
	EvChoke
	EvUnchoke
	EvInterested
	EvNotInterested
	EvRequest
	EvCancel
	EvPiece
	EvExtended
	EvPort
	EvDisconnected
)

// Event is a single occurrence on a Session, pushed to the channel
// supplied at construction rather than delivered via callback, so a
// session carries no back-pointer to whatever owns its lifecycle.
type Event struct {
	Kind       EventKind
	Session    *Session
	Index      int
	Begin      int
	Length     int
	Block      []byte
	Bitfield   bitfield.Bitfield
	ExtendedID byte
	Payload    []byte
	Port       int
	Err        error
}

// Session is the per-peer state machine: the four standard choke/
// interest booleans, the peer's advertised piece set, and the read/
// write loops that translate wire messages into Events.
type Session struct {
	conn      *Conn
	Addr      string
	numPieces int

	mu             sync.Mutex
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Bitfield       bitfield.Bitfield

	events  chan<- Event
	writeMu sync.Mutex
	lastTx  time.Time
	done    chan struct{}
}

// NewSession wraps an established Conn in a state machine that reports
// events to events until the connection closes.
func NewSession(conn *Conn, numPieces int, events chan<- Event) *Session {
	return &Session{
		conn:        conn,
		Addr:        conn.RemoteAddr().String(),
		numPieces:   numPieces,
		AmChoking:   true,
		PeerChoking: true,
		Bitfield:    bitfield.New(numPieces),
		events:      events,
		done:        make(chan struct{}),
	}
}

// Run drives the read loop until the connection errors or closes. It
// blocks, so callers invoke it in its own goroutine.
func (s *Session) Run() {
	go s.keepAliveLoop()
	defer close(s.done)

	for {
		s.conn.SetDeadline(time.Now().Add(readTimeout))
		msg, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(Event{Kind: EvDisconnected, Session: s, Err: err})
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *peerwire.Message) {
	switch msg.ID {
	case peerwire.Choke:
		s.setPeerChoking(true)
		s.emit(Event{Kind: EvChoke, Session: s})
	case peerwire.Unchoke:
		s.setPeerChoking(false)
		s.emit(Event{Kind: EvUnchoke, Session: s})
	case peerwire.Interested:
		s.setPeerInterested(true)
		s.emit(Event{Kind: EvInterested, Session: s})
	case peerwire.NotInterested:
		s.setPeerInterested(false)
		s.emit(Event{Kind: EvNotInterested, Session: s})
	case peerwire.Have:
		if idx, err := peerwire.ParseHave(msg); err == nil {
			s.mu.Lock()
			s.Bitfield.Set(idx)
			s.mu.Unlock()
			s.emit(Event{Kind: EvHave, Session: s, Index: idx})
		}
	case peerwire.Bitfield:
		bf := bitfield.Bitfield(append([]byte(nil), msg.Payload...))
		s.mu.Lock()
		s.Bitfield = bf
		s.mu.Unlock()
		s.emit(Event{Kind: EvBitfield, Session: s, Bitfield: bf})
	case peerwire.HaveAll:
		s.mu.Lock()
		s.Bitfield = bitfield.New(s.numPieces)
		for i := 0; i < s.numPieces; i++ {
			s.Bitfield.Set(i)
		}
		bf := s.Bitfield
		s.mu.Unlock()
		s.emit(Event{Kind: EvBitfield, Session: s, Bitfield: bf})
	case peerwire.HaveNone:
		s.mu.Lock()
		s.Bitfield = bitfield.New(s.numPieces)
		bf := s.Bitfield
		s.mu.Unlock()
		s.emit(Event{Kind: EvBitfield, Session: s, Bitfield: bf})
	case peerwire.Request, peerwire.SuggestPiece, peerwire.AllowedFast:
		if idx, begin, length, err := peerwire.ParseRequest(msg); err == nil {
			s.emit(Event{Kind: EvRequest, Session: s, Index: idx, Begin: begin, Length: length})
		}
	case peerwire.Cancel, peerwire.RejectRequest:
		if idx, begin, length, err := peerwire.ParseRequest(msg); err == nil {
			s.emit(Event{Kind: EvCancel, Session: s, Index: idx, Begin: begin, Length: length})
		}
	case peerwire.Piece:
		if idx, begin, block, err := peerwire.ParsePiece(msg); err == nil {
			s.emit(Event{Kind: EvPiece, Session: s, Index: idx, Begin: begin, Block: block})
		}
	case peerwire.Extended:
		if len(msg.Payload) >= 1 {
			s.emit(Event{Kind: EvExtended, Session: s, ExtendedID: msg.Payload[0], Payload: msg.Payload[1:]})
		}
	case peerwire.Port:
		if port, err := peerwire.ParsePort(msg); err == nil {
			s.emit(Event{Kind: EvPort, Session: s, Port: port})
		}
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			idle := time.Since(s.lastTx)
			s.writeMu.Unlock()
			if idle >= keepAliveInterval {
				s.conn.WriteMessage(nil)
				s.markTx()
			}
		}
	}
}

func (s *Session) markTx() {
	s.writeMu.Lock()
	s.lastTx = time.Now()
	s.writeMu.Unlock()
}

func (s *Session) write(msg *peerwire.Message) error {
	s.markTx()
	return s.conn.WriteMessage(msg)
}

func (s *Session) setPeerChoking(v bool) {
	s.mu.Lock()
	s.PeerChoking = v
	s.mu.Unlock()
}

func (s *Session) setPeerInterested(v bool) {
	s.mu.Lock()
	s.PeerInterested = v
	s.mu.Unlock()
}

// Handshake returns the handshake the underlying connection completed.
func (s *Session) Handshake() peerwire.Handshake {
	return s.conn.Handshake
}

// IsChoking reports whether we are currently choking this peer.
func (s *Session) IsChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AmChoking
}

// HasPiece reports whether the peer has advertised piece index.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Bitfield.Get(index)
}

func (s *Session) SendChoke() error {
	s.mu.Lock()
	s.AmChoking = true
	s.mu.Unlock()
	return s.write(&peerwire.Message{ID: peerwire.Choke})
}

func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	s.AmChoking = false
	s.mu.Unlock()
	return s.write(&peerwire.Message{ID: peerwire.Unchoke})
}

func (s *Session) SendInterested() error {
	s.mu.Lock()
	s.AmInterested = true
	s.mu.Unlock()
	return s.write(&peerwire.Message{ID: peerwire.Interested})
}

func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	s.AmInterested = false
	s.mu.Unlock()
	return s.write(&peerwire.Message{ID: peerwire.NotInterested})
}

func (s *Session) SendHave(index int) error {
	return s.write(peerwire.HaveMsg(index))
}

func (s *Session) SendBitfield(bf bitfield.Bitfield) error {
	return s.write(&peerwire.Message{ID: peerwire.Bitfield, Payload: bf})
}

func (s *Session) SendRequest(index, begin, length int) error {
	return s.write(peerwire.RequestMsg(peerwire.Request, index, begin, length))
}

func (s *Session) SendCancel(index, begin, length int) error {
	return s.write(peerwire.RequestMsg(peerwire.Cancel, index, begin, length))
}

func (s *Session) SendPiece(index, begin int, block []byte) error {
	return s.write(peerwire.PieceMsg(index, begin, block))
}

func (s *Session) SendPort(port int) error {
	return s.write(peerwire.PortMsg(port))
}

// SendExtended sends an extended message of the given locally-assigned
// extension id (0 is reserved for the handshake itself).
func (s *Session) SendExtended(id byte, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = id
	copy(body[1:], payload)
	return s.write(&peerwire.Message{ID: peerwire.Extended, Payload: body})
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
