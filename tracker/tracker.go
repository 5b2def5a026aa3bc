// Package tracker implements the HTTP (BEP-3) and UDP (BEP-15) tracker
// announce protocols, returning the set of peer addresses a tracker
// knows about for a torrent.
package tracker

import (
	"context"
	"net/url"
	"time"

	"github.com/samber/lo"
)

// Response is a tracker's reply to an announce: how long to wait before
// re-announcing, and the peers it returned.
type Response struct {
	Interval time.Duration
	Peers    []string
}

// Event is the BEP-3 announce event, sent on state transitions.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// AnnounceParams carries everything an announce call needs, both over
// HTTP and UDP.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// Announce dispatches to the UDP or HTTP announce implementation based
// on trackerURL's scheme.
func Announce(ctx context.Context, trackerURL *url.URL, params AnnounceParams) (*Response, error) {
	switch trackerURL.Scheme {
	case "udp", "udp4", "udp6":
		return AnnounceUDP(ctx, trackerURL, params)
	case "http", "https":
		return AnnounceHTTP(ctx, trackerURL, params)
	default:
		return nil, errUnsupportedScheme(trackerURL.Scheme)
	}
}

// AnnounceAll queries every tracker in trackers concurrently and
// returns the deduplicated union of every peer address any of them
// returned. Trackers that error are silently skipped: per-tracker
// failures do not fail the whole swarm discovery.
func AnnounceAll(ctx context.Context, trackers []*url.URL, params AnnounceParams) []string {
	type result struct {
		peers []string
	}
	results := make(chan result, len(trackers))
	for _, t := range trackers {
		go func(t *url.URL) {
			resp, err := Announce(ctx, t, params)
			if err != nil {
				results <- result{}
				return
			}
			results <- result{peers: resp.Peers}
		}(t)
	}

	var all []string
	for range trackers {
		r := <-results
		all = append(all, r.peers...)
	}
	return lo.Uniq(all)
}
