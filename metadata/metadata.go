// Package metadata implements the ut_metadata extension (BEP-9): fetching
// a torrent's info dictionary from peers when only a magnet link is
// available.
package metadata

import (
	"bytes"
	"crypto/sha1"

	"github.com/pkg/errors"

	"github.com/kjartanhr/transceiver/bencode"
)

// Message types for ut_metadata payloads.
const (
	MsgRequest = 0
	MsgData    = 1
	MsgReject  = 2
)

// PieceSize is the fixed chunk size ut_metadata splits the info
// dictionary into, per BEP-9.
const PieceSize = 16 * 1024

// BuildRequest encodes a request for metadata piece index.
func BuildRequest(index int) []byte {
	return bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"msg_type": bencode.Int(MsgRequest),
		"piece":    bencode.Int(int64(index)),
	}))
}

// BuildReject encodes a rejection of a metadata request.
func BuildReject(index int) []byte {
	return bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"msg_type": bencode.Int(MsgReject),
		"piece":    bencode.Int(int64(index)),
	}))
}

// BuildData encodes a data response carrying one metadata piece, total
// carries the overall metadata size in bytes.
func BuildData(index, total int, piece []byte) []byte {
	header := bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"msg_type":   bencode.Int(MsgData),
		"piece":      bencode.Int(int64(index)),
		"total_size": bencode.Int(int64(total)),
	}))
	return append(header, piece...)
}

// Parsed is a decoded ut_metadata message: header fields plus, for a
// data message, the raw metadata bytes that trail the bencoded header.
type Parsed struct {
	MsgType   int
	Piece     int
	TotalSize int
	Data      []byte
}

// Parse decodes a ut_metadata payload. Bencode dictionaries are
// self-delimiting, so the header is decoded first and whatever bytes
// remain are the trailing raw piece data for MsgData messages.
func Parse(payload []byte) (*Parsed, error) {
	consumed, err := dictPrefixLen(payload)
	if err != nil {
		return nil, errors.Wrap(err, "metadata: locate header end")
	}
	header, err := bencode.DecodeLenient(bytes.NewReader(payload[:consumed]))
	if err != nil {
		return nil, errors.Wrap(err, "metadata: decode header")
	}
	p := &Parsed{}
	if mt, ok := header.GetInt("msg_type"); ok {
		p.MsgType = int(mt)
	} else {
		return nil, errors.New("metadata: missing msg_type")
	}
	if piece, ok := header.GetInt("piece"); ok {
		p.Piece = int(piece)
	}
	if total, ok := header.GetInt("total_size"); ok {
		p.TotalSize = int(total)
	}
	if p.MsgType == MsgData {
		p.Data = payload[consumed:]
	}
	return p, nil
}

// dictPrefixLen scans from the start of buf and returns the length of
// the single top-level bencoded dictionary it begins with, without
// decoding its contents -- used to split a ut_metadata message's
// bencoded header from the raw metadata bytes that trail it, since
// bencode dictionaries carry no explicit total-length field.
func dictPrefixLen(buf []byte) (int, error) {
	if len(buf) == 0 || buf[0] != 'd' {
		return 0, errors.New("metadata: payload does not start with a dictionary")
	}
	pos := 0
	var skipValue func() error
	skipValue = func() error {
		if pos >= len(buf) {
			return errors.New("metadata: unexpected end of payload")
		}
		switch {
		case buf[pos] == 'i':
			end := bytes.IndexByte(buf[pos:], 'e')
			if end < 0 {
				return errors.New("metadata: unterminated integer")
			}
			pos += end + 1
			return nil
		case buf[pos] == 'l':
			pos++
			for buf[pos] != 'e' {
				if err := skipValue(); err != nil {
					return err
				}
			}
			pos++
			return nil
		case buf[pos] == 'd':
			pos++
			for buf[pos] != 'e' {
				if err := skipValue(); err != nil { // key
					return err
				}
				if err := skipValue(); err != nil { // value
					return err
				}
			}
			pos++
			return nil
		case buf[pos] >= '0' && buf[pos] <= '9':
			colon := bytes.IndexByte(buf[pos:], ':')
			if colon < 0 {
				return errors.New("metadata: malformed string length")
			}
			n := 0
			for _, c := range buf[pos : pos+colon] {
				n = n*10 + int(c-'0')
			}
			pos += colon + 1 + n
			if pos > len(buf) {
				return errors.New("metadata: string exceeds payload")
			}
			return nil
		default:
			return errors.New("metadata: unknown bencode prefix")
		}
	}
	if err := skipValue(); err != nil {
		return 0, err
	}
	return pos, nil
}

// Assemble concatenates metadata pieces in order and verifies the result
// hashes to infoHash.
func Assemble(pieces [][]byte, infoHash [20]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range pieces {
		buf.Write(p)
	}
	got := sha1.Sum(buf.Bytes())
	if got != infoHash {
		return nil, errors.New("metadata: assembled info dict hash mismatch")
	}
	return buf.Bytes(), nil
}

// NumPieces returns how many PieceSize chunks a metadata blob of the
// given total size splits into.
func NumPieces(totalSize int) int {
	return (totalSize + PieceSize - 1) / PieceSize
}
