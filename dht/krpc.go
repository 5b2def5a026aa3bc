package dht

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kjartanhr/transceiver/bencode"
)

// KRPC message types
const (
	QueryType    = "q"
	ResponseType = "r"
	ErrorType    = "e"
)

// KRPC query methods
const (
	MethodPing     = "ping"
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
	MethodAnnounce = "announce_peer"
)

// KRPC error codes
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// QueryTimeout is the default timeout for KRPC queries
const QueryTimeout = 15 * time.Second

// Message represents a KRPC message (query, response, or error)
type Message struct {
	TransactionID string            // "t" - transaction ID
	Type          string            // "y" - message type: q, r, or e
	Query         string            // "q" - query method name (for queries)
	Args          map[string]string // "a" - query arguments (byte strings and stringified ints)
	Response      map[string]string // "r" - response values, excluding "values"
	Values        []string          // "r.values" - compact peer strings from a get_peers response
	Error         []any             // "e" - error [code, message]
}

// PendingQuery tracks an outgoing query waiting for response
type PendingQuery struct {
	TransactionID string
	Method        string
	Target        *net.UDPAddr
	SentAt        time.Time
	ResponseChan  chan *Message
}

// TransactionManager manages KRPC transaction IDs and pending queries
type TransactionManager struct {
	pending map[string]*PendingQuery
	mu      sync.RWMutex
	counter uint16
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		pending: make(map[string]*PendingQuery),
	}
}

// NewTransactionID generates a new 2-byte transaction ID
func (tm *TransactionManager) NewTransactionID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.counter++
	return string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
}

// AddPending registers a pending query
func (tm *TransactionManager) AddPending(txID, method string, target *net.UDPAddr) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := &PendingQuery{
		TransactionID: txID,
		Method:        method,
		Target:        target,
		SentAt:        time.Now(),
		ResponseChan:  make(chan *Message, 1),
	}
	tm.pending[txID] = pq
	return pq
}

// GetPending retrieves and removes a pending query
func (tm *TransactionManager) GetPending(txID string) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := tm.pending[txID]
	delete(tm.pending, txID)
	return pq
}

// CleanupExpired removes expired pending queries
func (tm *TransactionManager) CleanupExpired(timeout time.Duration) []*PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var expired []*PendingQuery
	now := time.Now()
	for txID, pq := range tm.pending {
		if now.Sub(pq.SentAt) > timeout {
			expired = append(expired, pq)
			delete(tm.pending, txID)
			close(pq.ResponseChan)
		}
	}
	return expired
}

// PendingCount returns the number of pending queries
func (tm *TransactionManager) PendingCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.pending)
}

// EncodePing creates a ping query message
func EncodePing(txID string, nodeID NodeID) []byte {
	return bencode.Encode(queryValue(txID, MethodPing, map[string]*bencode.Value{
		"id": bencode.Bytes(nodeID[:]),
	}))
}

// EncodePingResponse creates a ping response message
func EncodePingResponse(txID string, nodeID NodeID) []byte {
	return bencode.Encode(responseValue(txID, map[string]*bencode.Value{
		"id": bencode.Bytes(nodeID[:]),
	}))
}

// EncodeFindNode creates a find_node query message
func EncodeFindNode(txID string, nodeID, target NodeID) []byte {
	return bencode.Encode(queryValue(txID, MethodFindNode, map[string]*bencode.Value{
		"id":     bencode.Bytes(nodeID[:]),
		"target": bencode.Bytes(target[:]),
	}))
}

// EncodeFindNodeResponse creates a find_node response message
func EncodeFindNodeResponse(txID string, nodeID NodeID, nodes []byte) []byte {
	return bencode.Encode(responseValue(txID, map[string]*bencode.Value{
		"id":    bencode.Bytes(nodeID[:]),
		"nodes": bencode.Bytes(nodes),
	}))
}

// EncodeGetPeers creates a get_peers query message
func EncodeGetPeers(txID string, nodeID NodeID, infoHash [20]byte) []byte {
	return bencode.Encode(queryValue(txID, MethodGetPeers, map[string]*bencode.Value{
		"id":        bencode.Bytes(nodeID[:]),
		"info_hash": bencode.Bytes(infoHash[:]),
	}))
}

// EncodeGetPeersResponseNodes creates a get_peers response with nodes (no peers found)
func EncodeGetPeersResponseNodes(txID string, nodeID NodeID, token string, nodes []byte) []byte {
	return bencode.Encode(responseValue(txID, map[string]*bencode.Value{
		"id":    bencode.Bytes(nodeID[:]),
		"token": bencode.String(token),
		"nodes": bencode.Bytes(nodes),
	}))
}

// EncodeGetPeersResponsePeers creates a get_peers response with peers, each
// peer encoded as its own 6-byte compact string per BEP 5.
func EncodeGetPeersResponsePeers(txID string, nodeID NodeID, token string, peers []string) []byte {
	values := make([]*bencode.Value, 0, len(peers))
	for _, p := range peers {
		if compact, err := compactPeer(p); err == nil {
			values = append(values, bencode.Bytes(compact))
		}
	}
	return bencode.Encode(responseValue(txID, map[string]*bencode.Value{
		"id":     bencode.Bytes(nodeID[:]),
		"token":  bencode.String(token),
		"values": bencode.List(values...),
	}))
}

// EncodeAnnouncePeer creates an announce_peer query message
func EncodeAnnouncePeer(txID string, nodeID NodeID, infoHash [20]byte, port int, token string, impliedPort bool) []byte {
	implied := int64(0)
	if impliedPort {
		implied = 1
	}
	return bencode.Encode(queryValue(txID, MethodAnnounce, map[string]*bencode.Value{
		"id":           bencode.Bytes(nodeID[:]),
		"info_hash":    bencode.Bytes(infoHash[:]),
		"port":         bencode.Int(int64(port)),
		"token":        bencode.String(token),
		"implied_port": bencode.Int(implied),
	}))
}

// EncodeAnnouncePeerResponse creates an announce_peer response message
func EncodeAnnouncePeerResponse(txID string, nodeID NodeID) []byte {
	return bencode.Encode(responseValue(txID, map[string]*bencode.Value{
		"id": bencode.Bytes(nodeID[:]),
	}))
}

// EncodeError creates an error response message
func EncodeError(txID string, code int, message string) []byte {
	return bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(ErrorType),
		"e": bencode.List(bencode.Int(int64(code)), bencode.String(message)),
	}))
}

func queryValue(txID, method string, args map[string]*bencode.Value) *bencode.Value {
	return bencode.Dict(map[string]*bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(QueryType),
		"q": bencode.String(method),
		"a": bencode.Dict(args),
	})
}

func responseValue(txID string, r map[string]*bencode.Value) *bencode.Value {
	return bencode.Dict(map[string]*bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(ResponseType),
		"r": bencode.Dict(r),
	})
}

// DecodeMessage parses a bencoded KRPC message. Real DHT traffic is not
// guaranteed to sort dictionary keys, so decoding is lenient.
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.DecodeLenient(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("KRPC message must be a dictionary")
	}

	msg := &Message{}
	t, ok := v.GetString("t")
	if !ok {
		return nil, fmt.Errorf("missing transaction ID")
	}
	msg.TransactionID = t

	y, ok := v.GetString("y")
	if !ok {
		return nil, fmt.Errorf("missing message type")
	}
	msg.Type = y

	switch msg.Type {
	case QueryType:
		if q, ok := v.GetString("q"); ok {
			msg.Query = q
		}
		if a, ok := v.Dict["a"]; ok && a.Kind == bencode.KindDict {
			msg.Args = stringizeDict(a.Dict)
		}
	case ResponseType:
		if r, ok := v.Dict["r"]; ok && r.Kind == bencode.KindDict {
			msg.Response = make(map[string]string, len(r.Dict))
			for k, val := range r.Dict {
				if k == "values" && val.Kind == bencode.KindList {
					for _, item := range val.List {
						if item.Kind == bencode.KindString {
							msg.Values = append(msg.Values, string(item.Str))
						}
					}
					continue
				}
				switch val.Kind {
				case bencode.KindString:
					msg.Response[k] = string(val.Str)
				case bencode.KindInt:
					msg.Response[k] = strconv.FormatInt(val.Int, 10)
				}
			}
		}
	case ErrorType:
		if e, ok := v.Dict["e"]; ok && e.Kind == bencode.KindList {
			for _, item := range e.List {
				switch item.Kind {
				case bencode.KindInt:
					msg.Error = append(msg.Error, int(item.Int))
				case bencode.KindString:
					msg.Error = append(msg.Error, string(item.Str))
				}
			}
		}
	}

	return msg, nil
}

// stringizeDict flattens a bencode dict's string and int leaves into a
// map[string]string, stringifying integers (e.g. port, implied_port).
func stringizeDict(d map[string]*bencode.Value) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		switch v.Kind {
		case bencode.KindString:
			out[k] = string(v.Str)
		case bencode.KindInt:
			out[k] = strconv.FormatInt(v.Int, 10)
		}
	}
	return out
}

// GenerateToken creates a random token for announce validation (8 hex chars)
func GenerateToken() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b[:]), nil
}

// ExtractNodeID extracts the node ID from a KRPC message
func (m *Message) ExtractNodeID() (NodeID, error) {
	var id NodeID
	var idStr string

	if m.Type == QueryType && m.Args != nil {
		idStr = m.Args["id"]
	} else if m.Type == ResponseType && m.Response != nil {
		idStr = m.Response["id"]
	}

	if len(idStr) != 20 {
		return id, fmt.Errorf("invalid node ID length: %d", len(idStr))
	}
	copy(id[:], idStr)
	return id, nil
}

// ExtractNodes extracts compact node info from a find_node or get_peers response
func (m *Message) ExtractNodes(ipv6 bool) ([]*NodeInfo, error) {
	if m.Response == nil {
		return nil, fmt.Errorf("no response data")
	}

	key := "nodes"
	if ipv6 {
		key = "nodes6"
	}

	nodesStr, ok := m.Response[key]
	if !ok {
		return nil, nil // No nodes in response
	}

	return ParseCompactNodes([]byte(nodesStr), ipv6)
}

// ExtractPeers converts a get_peers response's compact peer strings into
// "ip:port" addresses.
func (m *Message) ExtractPeers() []string {
	peers := make([]string, 0, len(m.Values))
	for _, v := range m.Values {
		if p, err := parseCompactPeer([]byte(v)); err == nil {
			peers = append(peers, p)
		}
	}
	return peers
}

// compactPeer encodes an "ip:port" address into BEP 5's 6-byte compact form.
func compactPeer(addr string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ip4 := net.ParseIP(host).To4()
	if ip4 == nil {
		return nil, fmt.Errorf("compactPeer: not an IPv4 address: %s", host)
	}
	buf := make([]byte, 6)
	copy(buf, ip4)
	buf[4] = byte(port >> 8)
	buf[5] = byte(port)
	return buf, nil
}

// parseCompactPeer decodes a single BEP 5 6-byte compact peer string.
func parseCompactPeer(b []byte) (string, error) {
	if len(b) != 6 {
		return "", fmt.Errorf("parseCompactPeer: want 6 bytes, got %d", len(b))
	}
	ip := net.IP(b[:4])
	port := int(b[4])<<8 | int(b[5])
	return fmt.Sprintf("%s:%d", ip, port), nil
}

// parsePeerList parses a single concatenated blob of 6-byte compact peers,
// the format some non-compliant trackers use in place of BEP 5's list of
// individually-encoded peer strings.
func parsePeerList(data string) []string {
	raw := []byte(data)
	if len(raw)%6 != 0 {
		return nil
	}

	var peers []string
	for i := 0; i < len(raw); i += 6 {
		if p, err := parseCompactPeer(raw[i : i+6]); err == nil {
			peers = append(peers, p)
		}
	}
	return peers
}
