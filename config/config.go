// Package config collects every tunable the transceiver and its
// subsystems read at startup, generalizing the teacher's ad hoc
// DownloadOptions struct and command-line flag set into one value
// that can be constructed from flags, a file, or test code alike.
package config

import "time"

// Config holds every externally tunable knob a Transceiver and its
// subsystems consult. Zero value is invalid; use Default to get a
// filled-in baseline and override individual fields.
type Config struct {
	// SelfEndpointIPv4 and SelfEndpointIPv6 are the local listen
	// addresses for inbound peer connections ("host:port"; empty means
	// don't listen on that family).
	SelfEndpointIPv4 string
	SelfEndpointIPv6 string

	// TCPListenBacklog is the backlog passed to the inbound listener.
	TCPListenBacklog int

	// FetchInfoTimeout bounds a trackerless metadata (ut_metadata) fetch.
	FetchInfoTimeout time.Duration

	// DHTLookupPeersPeriod is how often the transceiver re-runs a DHT
	// get_peers lookup for a torrent it hasn't finished downloading.
	DHTLookupPeersPeriod time.Duration

	// ReciprocateMargin is how many bytes of upload/download imbalance
	// the choke/unchoke decision tolerates before it stops favoring a
	// peer, per scheduler.ReciprocationChoke.
	ReciprocateMargin int64

	// EndgameThreshold is the fraction of the torrent's total bytes
	// still outstanding below which the scheduler starts requesting the
	// same block from multiple peers at once.
	EndgameThreshold float64

	// EndgameMaxAssignments is how many peers may simultaneously have
	// the same block outstanding once endgame mode is active.
	EndgameMaxAssignments int

	// EndgameMaxReplicates adds extra duplicate requests per block on
	// top of EndgameMaxAssignments once endgame mode is active; the two
	// together cap how many peers may have the same block outstanding.
	EndgameMaxReplicates int

	// MaxAssignments is the non-endgame per-block outstanding-request
	// limit (ordinarily 1: one peer at a time per block).
	MaxAssignments int

	// MaxReplicates bounds outstanding duplicate requests outside
	// endgame; ordinarily 0 (no duplication until endgame).
	MaxReplicates int

	// BackoffBase is the initial delay before a manager retries a
	// failed outbound dial, doubling on each subsequent attempt.
	BackoffBase time.Duration

	// UpdateQueueSize is the buffer capacity of the transceiver's
	// broadcast Update channel.
	UpdateQueueSize int

	// RC4Enable offers RC4 as an MSE crypto method during handshake
	// negotiation, in addition to plaintext.
	RC4Enable bool

	// PayloadSizeLimit is a hard cap on any single wire message
	// payload, guarding against a malicious or buggy peer claiming an
	// enormous length prefix.
	PayloadSizeLimit int

	// BlockSize is the block length requested from peers.
	BlockSize int

	// MaxPeers caps how many peer connections a single torrent's pool
	// keeps open at once.
	MaxPeers int

	// RarestFirst selects rarest-first piece scheduling; false selects
	// sequential (in-order) piece scheduling.
	RarestFirst bool

	// EnableDHT starts a DHT node alongside the transceiver and uses it
	// (in addition to trackers and any magnet-link peers) as a peer
	// source.
	EnableDHT bool

	// DHTPort is the UDP port the DHT node listens on; 0 tries the
	// standard range 6881-6889 in order and takes the first free port.
	DHTPort int
}

// Default returns the baseline configuration, grounded on the
// teacher's own constants (block size 16384, DHT port range
// 6881-6889) and the values spec.md calls out as typical.
func Default() Config {
	return Config{
		SelfEndpointIPv4:      "0.0.0.0:0",
		SelfEndpointIPv6:      "",
		TCPListenBacklog:      128,
		FetchInfoTimeout:      60 * time.Second,
		DHTLookupPeersPeriod:  10 * time.Minute,
		ReciprocateMargin:     1 << 20, // 1 MiB
		EndgameThreshold:      0.02,
		EndgameMaxAssignments: 3,
		EndgameMaxReplicates:  2,
		MaxAssignments:        1,
		MaxReplicates:         0,
		BackoffBase:           2 * time.Second,
		UpdateQueueSize:       64,
		RC4Enable:             true,
		PayloadSizeLimit:      1 << 20, // 1 MiB, well above a 16 KiB block plus header
		BlockSize:             16384,
		MaxPeers:              50,
		RarestFirst:           true,
		EnableDHT:             true,
		DHTPort:               0,
	}
}
