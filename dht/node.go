package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/kjartanhr/transceiver/internal/xerrors"
)

func errNotIPv4(ip net.IP) error { return fmt.Errorf("not an IPv4 address: %s", ip) }
func errNotIPv6(ip net.IP) error { return fmt.Errorf("not an IPv6 address: %s", ip) }
func errCompactLen(want, got int) error {
	return fmt.Errorf("compact node info must be %d bytes, got %d", want, got)
}
func errCompactAlign(nodeSize, total int) error {
	return fmt.Errorf("compact nodes data length %d not divisible by %d", total, nodeSize)
}
func hexPrefix(b []byte) string { return fmt.Sprintf("%x", b) }

// NodeID is a 160-bit Kademlia identifier, sharing its address space
// with a torrent's info hash.
type NodeID [20]byte

// NodeInfo is a DHT peer: its ID, last-known address, and when the
// routing table last heard from it.
type NodeInfo struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// GenerateNodeID draws a random node ID, the usual bootstrap strategy
// for a client with no persisted identity.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	if err != nil {
		return id, xerrors.New("dht", xerrors.KindOther, err)
	}
	return id, nil
}

// Distance returns the Kademlia XOR distance between two node IDs.
func Distance(a, b NodeID) NodeID {
	var dist NodeID
	for i := range a {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// LeadingZeros counts the leading zero bits of id, which BucketIndex
// uses to place a node in the right k-bucket: identical IDs report 160.
func (id NodeID) LeadingZeros() int {
	for byteIdx, b := range id {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				return byteIdx*8 + (7 - bit)
			}
		}
	}
	return 160
}

// BucketIndex returns the k-bucket other belongs in relative to self:
// bucket 0 holds the most distant nodes, bucket 159 the closest.
func BucketIndex(self, other NodeID) int {
	lz := Distance(self, other).LeadingZeros()
	if lz >= 160 {
		return 159
	}
	return lz
}

// compact lays out a node as ID || IP || port, in either the 26-byte
// IPv4 or 38-byte IPv6 wire form BEP-5 defines for nodes/values replies.
func (n *NodeInfo) compact(ip net.IP) []byte {
	buf := make([]byte, 20+len(ip)+2)
	copy(buf, n.ID[:])
	copy(buf[20:], ip)
	binary.BigEndian.PutUint16(buf[20+len(ip):], uint16(n.Addr.Port))
	return buf
}

// CompactIPv4 encodes n as the 26-byte compact node form.
func (n *NodeInfo) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errNotIPv4(n.Addr.IP))
	}
	return n.compact(ip4), nil
}

// CompactIPv6 encodes n as the 38-byte compact node form.
func (n *NodeInfo) CompactIPv6() ([]byte, error) {
	if n.Addr.IP.To4() != nil {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errNotIPv6(n.Addr.IP))
	}
	ip6 := n.Addr.IP.To16()
	if ip6 == nil {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errNotIPv6(n.Addr.IP))
	}
	return n.compact(ip6), nil
}

// ParseCompactIPv4 decodes a 26-byte compact node.
func ParseCompactIPv4(data []byte) (*NodeInfo, error) {
	if len(data) != 26 {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errCompactLen(26, len(data)))
	}
	return parseCompact(data, data[20:24]), nil
}

// ParseCompactIPv6 decodes a 38-byte compact node.
func ParseCompactIPv6(data []byte) (*NodeInfo, error) {
	if len(data) != 38 {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errCompactLen(38, len(data)))
	}
	return parseCompact(data, data[20:36]), nil
}

func parseCompact(data, ip []byte) *NodeInfo {
	var id NodeID
	copy(id[:], data[:20])
	port := binary.BigEndian.Uint16(data[len(data)-2:])
	return &NodeInfo{
		ID:       id,
		Addr:     &net.UDPAddr{IP: net.IP(ip), Port: int(port)},
		LastSeen: time.Now(),
	}
}

// ParseCompactNodes splits a concatenated run of compact node entries
// from a find_node/get_peers reply.
func ParseCompactNodes(data []byte, ipv6 bool) ([]*NodeInfo, error) {
	nodeSize := 26
	if ipv6 {
		nodeSize = 38
	}
	if len(data)%nodeSize != 0 {
		return nil, xerrors.New("dht", xerrors.KindProtocol, errCompactAlign(nodeSize, len(data)))
	}
	nodes := make([]*NodeInfo, len(data)/nodeSize)
	for i := range nodes {
		chunk := data[i*nodeSize : (i+1)*nodeSize]
		var err error
		if ipv6 {
			nodes[i], err = ParseCompactIPv6(chunk)
		} else {
			nodes[i], err = ParseCompactIPv4(chunk)
		}
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// String renders a short, loggable form: the node's first 8 ID bytes
// and its address.
func (n *NodeInfo) String() string {
	return hexPrefix(n.ID[:8]) + "@" + n.Addr.String()
}
