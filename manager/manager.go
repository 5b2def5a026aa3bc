// Package manager maintains the pool of connected peers for a single
// torrent: dialing outbound addresses with backoff, accepting inbound
// connections, and fanning every session's events into one channel for
// the transceiver to consume.
package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/peerconn"
)

const (
	defaultBackoffBase = 2 * time.Second
	maxBackoff         = 2 * time.Minute
	dialAttempts       = 5
)

// Pool tracks every live Session for one torrent, keyed by remote
// address.
type Pool struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int

	DHT, Fast, Extension bool
	PreferMSE            bool

	MaxPeers int

	// BackoffBase is the initial delay before a failed dial is retried,
	// doubling on each subsequent attempt up to maxBackoff.
	BackoffBase time.Duration

	mu       sync.Mutex
	sessions map[string]*peerconn.Session
	tried    map[string]bool

	events chan peerconn.Event
}

// New builds an empty pool. events has a modest buffer so a slow
// transceiver consumer does not immediately stall every session's read
// loop.
func New(infoHash, peerID [20]byte, numPieces, maxPeers int) *Pool {
	return &Pool{
		InfoHash:    infoHash,
		PeerID:      peerID,
		NumPieces:   numPieces,
		MaxPeers:    maxPeers,
		BackoffBase: defaultBackoffBase,
		sessions:    make(map[string]*peerconn.Session),
		tried:       make(map[string]bool),
		events:      make(chan peerconn.Event, 256),
	}
}

// Events returns the channel every session's wire events are
// multiplexed onto.
func (p *Pool) Events() <-chan peerconn.Event {
	return p.events
}

// DialAll attempts to connect to every address in addrs concurrently,
// skipping ones already connected or already attempted this run, and
// respecting MaxPeers.
func (p *Pool) DialAll(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		if !p.reserve(addr) {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			p.dialWithBackoff(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

// reserve claims addr for a dial attempt, returning false if it is
// already connected, already being tried, or the pool is full.
func (p *Pool) reserve(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tried[addr] || p.sessions[addr] != nil {
		return false
	}
	if p.MaxPeers > 0 && len(p.sessions) >= p.MaxPeers {
		return false
	}
	p.tried[addr] = true
	return true
}

func (p *Pool) dialWithBackoff(ctx context.Context, addr string) {
	backoff := p.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	for attempt := 0; attempt < dialAttempts; attempt++ {
		conn, err := peerconn.Dial(ctx, addr, p.InfoHash, p.PeerID, p.DHT, p.Fast, p.Extension, p.PreferMSE)
		if err == nil {
			p.adopt(conn)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// adopt registers a freshly established connection and starts its
// session loop.
func (p *Pool) adopt(conn *peerconn.Conn) {
	addr := conn.RemoteAddr().String()
	p.mu.Lock()
	if p.MaxPeers > 0 && len(p.sessions) >= p.MaxPeers {
		p.mu.Unlock()
		conn.Close()
		return
	}
	s := peerconn.NewSession(conn, p.NumPieces, p.events)
	p.sessions[addr] = s
	p.mu.Unlock()
	go func() {
		s.Run()
		p.Remove(addr)
	}()
}

// Accept runs an inbound-connection loop over listener until ctx is
// cancelled, handing each accepted connection to peerconn.Accept and
// adopting successful handshakes.
func (p *Pool) Accept(ctx context.Context, listener net.Listener, skeyLookup func([]byte) ([20]byte, bool), knownHash func([20]byte) bool) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "manager: accept")
		}
		go p.acceptOne(raw, skeyLookup, knownHash)
	}
}

func (p *Pool) acceptOne(raw net.Conn, skeyLookup func([]byte) ([20]byte, bool), knownHash func([20]byte) bool) {
	conn, err := peerconn.Accept(raw, p.PeerID, p.DHT, p.Fast, p.Extension, skeyLookup, knownHash)
	if err != nil {
		raw.Close()
		return
	}
	if conn.Handshake.InfoHash != p.InfoHash {
		conn.Close()
		return
	}
	p.adopt(conn)
}

// Session returns the live session for addr, if any.
func (p *Pool) Session(addr string) (*peerconn.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[addr]
	return s, ok
}

// Sessions returns a snapshot of every live session.
func (p *Pool) Sessions() []*peerconn.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peerconn.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Remove closes and forgets the session for addr, if present.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	s, ok := p.sessions[addr]
	delete(p.sessions, addr)
	p.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Count returns the number of currently connected peers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
