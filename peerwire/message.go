package peerwire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ID identifies a peer wire message type.
type ID byte

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9

	// Fast Extension (BEP-6).
	SuggestPiece  ID = 13
	HaveAll       ID = 14
	HaveNone      ID = 15
	RejectRequest ID = 16
	AllowedFast   ID = 17

	// Extension Protocol (BEP-10).
	Extended ID = 20
)

// MaxPayloadSize bounds an incoming message's declared length, closing
// the connection if a peer claims a larger frame than any legitimate
// message (a full-size Piece message plus its 9-byte header) would
// need. It defaults to 64 KiB plus overhead but is meant to be set once
// at startup from config.Config.PayloadSizeLimit, since a torrent with
// a larger configured block size needs more room.
var MaxPayloadSize = 64*1024 + 16

// Message is a single framed peer wire message. ReadMessage consumes
// keep-alives (length-prefix 0, no ID byte) itself and never returns
// them, so a returned Message always carries a real ID; ID 0 with an
// empty Payload is a Choke.
type Message struct {
	ID      ID
	Payload []byte
}

// ReadMessage reads one frame, transparently skipping keep-alives
// (returning ReadMessage again internally) until a real message or EOF
// occurs.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keep-alive
		}
		if length > uint32(MaxPayloadSize) {
			return nil, errors.Errorf("peerwire: message length %d exceeds limit", length)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "peerwire: read message body")
		}
		return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
	}
}

// WriteMessage frames and writes msg to w. A nil msg writes a keep-alive.
func WriteMessage(w io.Writer, msg *Message) error {
	if msg == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	length := uint32(1 + len(msg.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	_, err := w.Write(buf)
	return err
}

// HaveMsg builds a "have" message announcing possession of pieceIndex.
func HaveMsg(pieceIndex int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return &Message{ID: Have, Payload: payload}
}

// RequestMsg builds a "request" (or, with the same layout, "cancel")
// message for a block.
func RequestMsg(id ID, index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: id, Payload: payload}
}

// PieceMsg builds a "piece" message carrying block data.
func PieceMsg(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave extracts the piece index from a "have" message.
func ParseHave(m *Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, errors.New("peerwire: malformed have message")
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts index/begin/length from a request/cancel/reject
// message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, errors.New("peerwire: malformed request-shaped message")
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return
}

// ParsePiece extracts index/begin/block from a "piece" message.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, errors.New("peerwire: malformed piece message")
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	return
}

// ParsePort extracts the DHT port announced by a "port" message.
func ParsePort(m *Message) (int, error) {
	if len(m.Payload) != 2 {
		return 0, errors.New("peerwire: malformed port message")
	}
	return int(binary.BigEndian.Uint16(m.Payload)), nil
}

// PortMsg builds a "port" message for BEP-5 DHT announcement.
func PortMsg(port int) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(port))
	return &Message{ID: Port, Payload: payload}
}
