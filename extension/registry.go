// Package extension implements the BEP-10 Extension Protocol handshake:
// a registry mapping extension names to locally and remotely assigned
// message IDs, carried inside peerwire.Extended messages.
package extension

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/bencode"
)

// UTMetadata is the conventional extension name for BEP-9 metadata
// exchange.
const UTMetadata = "ut_metadata"

// Handshake is the decoded payload of the reserved extended message ID 0
// handshake.
type Handshake struct {
	// IDs maps extension name to the id the remote peer wants
	// used when sending that extension to them.
	IDs          map[string]int
	MetadataSize int
	ClientName   string
}

// BuildHandshake encodes the extended handshake dictionary this client
// offers: the set of extensions it supports (mapping name to the id it
// will recognize on messages of that extension) plus, if known, the
// torrent's metadata size so the peer can decide whether to request it
// from us.
func BuildHandshake(offered map[string]int, metadataSize int, clientName string) []byte {
	m := make(map[string]*bencode.Value, len(offered))
	for name, id := range offered {
		m[name] = bencode.Int(int64(id))
	}
	dict := map[string]*bencode.Value{"m": bencode.Dict(m)}
	if metadataSize > 0 {
		dict["metadata_size"] = bencode.Int(int64(metadataSize))
	}
	if clientName != "" {
		dict["v"] = bencode.String(clientName)
	}
	return bencode.Encode(bencode.Dict(dict))
}

// ParseHandshake decodes an extended handshake payload.
func ParseHandshake(payload []byte) (*Handshake, error) {
	v, err := bencode.DecodeLenient(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "extension: decode handshake")
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.New("extension: handshake is not a dictionary")
	}
	h := &Handshake{IDs: make(map[string]int)}
	if mVal, ok := v.Dict["m"]; ok && mVal.Kind == bencode.KindDict {
		for name, idVal := range mVal.Dict {
			if idVal.Kind == bencode.KindInt {
				h.IDs[name] = int(idVal.Int)
			}
		}
	}
	if size, ok := v.GetInt("metadata_size"); ok {
		h.MetadataSize = int(size)
	}
	if name, ok := v.GetString("v"); ok {
		h.ClientName = name
	}
	return h, nil
}

// Supports reports whether the handshake advertises the given extension,
// and returns the id to use when sending it.
func (h *Handshake) Supports(name string) (int, bool) {
	id, ok := h.IDs[name]
	return id, ok
}

