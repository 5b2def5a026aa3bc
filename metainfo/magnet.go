package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Magnet is a parsed BEP-9 magnet URI.
type Magnet struct {
	Hash          [20]byte
	Name          string
	TrackerURLs   []string
	PeerAddresses []string // x.pe
	WebSeeds      []string // ws
	ExactSource   string   // xs
}

// HasTrackers reports whether the magnet carries any tr= parameters.
func (m *Magnet) HasTrackers() bool { return len(m.TrackerURLs) > 0 }

// HasPeers reports whether the magnet carries any x.pe= parameters.
func (m *Magnet) HasPeers() bool { return len(m.PeerAddresses) > 0 }

// HashHex returns the lowercase hex info hash.
func (m *Magnet) HashHex() string { return hex.EncodeToString(m.Hash[:]) }

// DisplayName returns the dn= parameter, or the hex hash if absent.
func (m *Magnet) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.HashHex()
}

// ParseMagnet parses a magnet: URI per BEP-9. It accepts the xt=urn:btih:
// form in either 40-char hex or 32-char base32, and rejects the BEP-52
// xt=urn:btmh: multihash form, which this transceiver does not support.
func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, "magnet:") {
		return nil, errors.New("magnet: missing magnet: scheme")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "magnet: parse URI")
	}
	q := u.Query()

	m := &Magnet{}
	found := false
	for _, xt := range q["xt"] {
		if strings.HasPrefix(xt, "urn:btmh:") {
			return nil, errors.New("magnet: multihash (urn:btmh) not supported")
		}
		if !strings.HasPrefix(xt, "urn:btih:") {
			continue
		}
		hash, err := decodeInfoHash(strings.TrimPrefix(xt, "urn:btih:"))
		if err != nil {
			return nil, err
		}
		m.Hash = hash
		found = true
	}
	if !found {
		return nil, errors.New("magnet: no urn:btih exact topic found")
	}

	m.Name = q.Get("dn")
	m.TrackerURLs = q["tr"]
	m.PeerAddresses = q["x.pe"]
	m.WebSeeds = q["ws"]
	m.ExactSource = q.Get("xs")
	return m, nil
}

func decodeInfoHash(enc string) ([20]byte, error) {
	var hash [20]byte
	switch len(enc) {
	case 40:
		b, err := hex.DecodeString(enc)
		if err != nil {
			return hash, errors.Wrap(err, "magnet: invalid hex info hash")
		}
		copy(hash[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return hash, errors.Wrap(err, "magnet: invalid base32 info hash")
		}
		copy(hash[:], b)
	default:
		return hash, errors.Errorf("magnet: info hash has unexpected length %d", len(enc))
	}
	return hash, nil
}
