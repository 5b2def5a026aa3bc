package dht

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default DHT configuration
const (
	DefaultPort       = 6881
	MaxPort           = 6889
	MaxPacketSize     = 1500
	BootstrapInterval = 5 * time.Minute
)

// Bootstrap nodes - well-known DHT entry points
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// DHT represents a DHT node
type DHT struct {
	ID           NodeID
	conn         *net.UDPConn
	port         int
	routingTable *RoutingTable
	transactions *TransactionManager
	peerStore    map[[20]byte][]string // info_hash -> peer addresses
	peerStoreMu  sync.RWMutex
	tokens       *tokenStore

	announceTokensMu sync.Mutex
	announceTokens   map[string]string // addr.String() -> token received from that node's get_peers response

	// Channels for communication
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a new DHT node
func New() (*DHT, error) {
	nodeID, err := GenerateNodeID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate node ID: %w", err)
	}

	return &DHT{
		ID:           nodeID,
		routingTable: NewRoutingTable(nodeID),
		transactions: NewTransactionManager(),
		peerStore:      make(map[[20]byte][]string),
		tokens:         newTokenStore(),
		announceTokens: make(map[string]string),
		shutdown:       make(chan struct{}),
	}, nil
}

// Start starts the DHT node. port pins the UDP port to bind; 0 scans the
// standard range DefaultPort..MaxPort and binds the first free port.
func (d *DHT) Start(ctx context.Context, port int) error {
	if port != 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			return fmt.Errorf("failed to bind to configured port %d: %w", port, err)
		}
		d.port = port
		d.conn = conn
	} else {
		var conn *net.UDPConn
		var err error
		for p := DefaultPort; p <= MaxPort; p++ {
			addr := &net.UDPAddr{Port: p}
			conn, err = net.ListenUDP("udp", addr)
			if err == nil {
				d.port = p
				break
			}
		}
		if conn == nil {
			return fmt.Errorf("failed to bind to any port in range %d-%d: %w", DefaultPort, MaxPort, err)
		}
		d.conn = conn
	}
	log.Printf("DHT listening on port %d", d.port)

	// Start background goroutines
	d.wg.Go(func() { d.readLoop(ctx) })
	d.wg.Go(func() { d.bootstrapLoop(ctx) })

	return nil
}

// Stop gracefully shuts down the DHT node
func (d *DHT) Stop() {
	close(d.shutdown)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

// Port returns the port the DHT is listening on
func (d *DHT) Port() int {
	return d.port
}

// RoutingTable returns the routing table
func (d *DHT) RoutingTable() *RoutingTable {
	return d.routingTable
}

// readLoop reads incoming UDP packets
func (d *DHT) readLoop(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				return
			default:
				log.Printf("DHT read error: %v", err)
				continue
			}
		}

		// Handle the message in a goroutine
		data := make([]byte, n)
		copy(data, buf[:n])
		go d.handleMessage(data, addr)
	}
}

// bootstrapLoop periodically refreshes the routing table
func (d *DHT) bootstrapLoop(ctx context.Context) {
	// Initial bootstrap
	d.Bootstrap()

	ticker := time.NewTicker(BootstrapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			// Refresh stale buckets
			stale := d.routingTable.StaleBuckets()
			for _, idx := range stale {
				// Generate a random ID in this bucket and search for it
				target := d.randomIDInBucket(idx)
				d.FindNode(target)
			}
		}
	}
}

// handleMessage processes an incoming KRPC message
func (d *DHT) handleMessage(data []byte, addr *net.UDPAddr) {
	msg, err := DecodeMessage(data)
	if err != nil {
		log.Printf("DHT: failed to decode message from %s: %v", addr, err)
		return
	}

	switch msg.Type {
	case QueryType:
		d.handleQuery(msg, addr)
	case ResponseType:
		d.handleResponse(msg, addr)
	case ErrorType:
		log.Printf("DHT: received error from %s: %v", addr, msg.Error)
	}
}

// handleQuery handles incoming queries
func (d *DHT) handleQuery(msg *Message, addr *net.UDPAddr) {
	// Extract sender's node ID and add to routing table
	senderID, err := msg.ExtractNodeID()
	if err == nil {
		d.observeNode(&NodeInfo{
			ID:       senderID,
			Addr:     addr,
			LastSeen: time.Now(),
		})
	}

	var response []byte
	switch msg.Query {
	case MethodPing:
		response = EncodePingResponse(msg.TransactionID, d.ID)

	case MethodFindNode:
		target := msg.Args["target"]
		if len(target) != 20 {
			response = EncodeError(msg.TransactionID, ErrorProtocol, "invalid target")
			break
		}
		var targetID NodeID
		copy(targetID[:], target)
		closest := d.routingTable.ClosestNodes(targetID, K)
		nodes := d.encodeNodes(closest, false)
		response = EncodeFindNodeResponse(msg.TransactionID, d.ID, nodes)

	case MethodGetPeers:
		infoHashStr := msg.Args["info_hash"]
		if len(infoHashStr) != 20 {
			response = EncodeError(msg.TransactionID, ErrorProtocol, "invalid info_hash")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], infoHashStr)

		token := d.tokens.issue(addr)

		// Check if we have peers for this info_hash
		d.peerStoreMu.RLock()
		peers := d.peerStore[infoHash]
		d.peerStoreMu.RUnlock()

		if len(peers) > 0 {
			response = EncodeGetPeersResponsePeers(msg.TransactionID, d.ID, token, peers)
		} else {
			// Return closest nodes
			closest := d.routingTable.ClosestNodes(NodeID(infoHash), K)
			nodes := d.encodeNodes(closest, false)
			response = EncodeGetPeersResponseNodes(msg.TransactionID, d.ID, token, nodes)
		}

	case MethodAnnounce:
		response = d.handleAnnouncePeer(msg, addr)

	default:
		response = EncodeError(msg.TransactionID, ErrorMethodUnknown, "unknown method")
	}

	if response != nil {
		d.conn.WriteToUDP(response, addr)
	}
}

// handleResponse handles incoming responses
func (d *DHT) handleResponse(msg *Message, addr *net.UDPAddr) {
	// Find the pending query
	pq := d.transactions.GetPending(msg.TransactionID)
	if pq == nil {
		return // Unknown transaction, ignore
	}

	// Extract sender's node ID and add to routing table
	senderID, err := msg.ExtractNodeID()
	if err == nil {
		d.observeNode(&NodeInfo{
			ID:       senderID,
			Addr:     addr,
			LastSeen: time.Now(),
		})
	}

	// Send response to waiting goroutine
	select {
	case pq.ResponseChan <- msg:
	default:
	}
}

// observeNode records a freshly-seen node in the routing table. If the
// node's bucket is full, the bucket's oldest entry is pinged in the
// background and evicted in favor of node only if it fails to answer.
func (d *DHT) observeNode(node *NodeInfo) {
	added, candidate := d.routingTable.AddNode(node)
	if added || candidate == nil {
		return
	}
	go d.pingAndReplace(candidate, node)
}

// pingAndReplace probes a bucket's eviction candidate; a live node keeps
// its slot and is marked freshly seen, a dead one is replaced.
func (d *DHT) pingAndReplace(candidate, replacement *NodeInfo) {
	if _, err := d.Ping(candidate.Addr); err != nil {
		d.routingTable.ReplaceOldest(candidate.ID, replacement)
		return
	}
	d.routingTable.Touch(candidate.ID)
}

// handleAnnouncePeer validates an announce_peer query's token and, if
// valid, records the announcing peer against the given info_hash.
func (d *DHT) handleAnnouncePeer(msg *Message, addr *net.UDPAddr) []byte {
	infoHashStr := msg.Args["info_hash"]
	if len(infoHashStr) != 20 {
		return EncodeError(msg.TransactionID, ErrorProtocol, "invalid info_hash")
	}
	if !d.tokens.verify(addr, msg.Args["token"]) {
		return EncodeError(msg.TransactionID, ErrorProtocol, "bad token")
	}

	var infoHash [20]byte
	copy(infoHash[:], infoHashStr)

	port := addr.Port
	if msg.Args["implied_port"] != "1" {
		if p, err := strconv.Atoi(msg.Args["port"]); err == nil {
			port = p
		}
	}
	peerAddr := fmt.Sprintf("%s:%d", addr.IP, port)

	d.peerStoreMu.Lock()
	if !containsString(d.peerStore[infoHash], peerAddr) {
		d.peerStore[infoHash] = append(d.peerStore[infoHash], peerAddr)
	}
	d.peerStoreMu.Unlock()

	return EncodeAnnouncePeerResponse(msg.TransactionID, d.ID)
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Ping sends a ping query to the given address
func (d *DHT) Ping(addr *net.UDPAddr) (*Message, error) {
	txID := d.transactions.NewTransactionID()
	query := EncodePing(txID, d.ID)

	pq := d.transactions.AddPending(txID, MethodPing, addr)
	_, err := d.conn.WriteToUDP(query, addr)
	if err != nil {
		d.transactions.GetPending(txID) // Remove pending
		return nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		return resp, nil
	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID) // Remove pending
		return nil, fmt.Errorf("ping timeout")
	}
}

// FindNode performs an iterative Kademlia lookup for target, querying
// alpha nodes per round against progressively closer contacts until the
// search converges, and returns the closest nodes discovered.
func (d *DHT) FindNode(target NodeID) ([]*NodeInfo, error) {
	seed := d.routingTable.ClosestNodes(target, K)
	if len(seed) == 0 {
		return nil, fmt.Errorf("no nodes in routing table")
	}

	ctx, cancel := context.WithTimeout(context.Background(), QueryTimeout*maxLookupRounds)
	defer cancel()

	closest, _ := d.iterativeLookup(ctx, target, seed, func(ctx context.Context, addr *net.UDPAddr) ([]*NodeInfo, []string, error) {
		nodes, err := d.findNodeQuery(addr, target)
		return nodes, nil, err
	})

	for _, node := range closest {
		d.observeNode(node)
	}
	return closest, nil
}

// findNodeQuery sends a single find_node query
func (d *DHT) findNodeQuery(addr *net.UDPAddr, target NodeID) ([]*NodeInfo, error) {
	txID := d.transactions.NewTransactionID()
	query := EncodeFindNode(txID, d.ID, target)

	pq := d.transactions.AddPending(txID, MethodFindNode, addr)
	_, err := d.conn.WriteToUDP(query, addr)
	if err != nil {
		d.transactions.GetPending(txID)
		return nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil {
			return nil, fmt.Errorf("nil response")
		}
		return resp.ExtractNodes(false)
	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID) // Remove pending
		return nil, fmt.Errorf("find_node timeout")
	}
}

// GetPeers performs an iterative lookup for infoHash, collecting peer
// addresses returned along the way and recording each contact's token so
// AnnounceSelf can announce to it afterward.
func (d *DHT) GetPeers(infoHash [20]byte) ([]string, error) {
	target := NodeID(infoHash)
	seed := d.routingTable.ClosestNodes(target, K)
	if len(seed) == 0 {
		return nil, fmt.Errorf("no nodes in routing table")
	}

	ctx, cancel := context.WithTimeout(context.Background(), QueryTimeout*maxLookupRounds)
	defer cancel()

	closest, peers := d.iterativeLookup(ctx, target, seed, func(ctx context.Context, addr *net.UDPAddr) ([]*NodeInfo, []string, error) {
		peersFound, nodesFound, token, err := d.getPeersQuery(addr, infoHash)
		if err == nil && token != "" {
			d.rememberAnnounceToken(addr, token)
		}
		return nodesFound, peersFound, err
	})

	for _, node := range closest {
		d.observeNode(node)
	}
	return peers, nil
}

// getPeersQuery sends a single get_peers query, returning any peers
// found directly, any closer nodes otherwise, and the contact's token
// (needed to announce_peer to it later).
func (d *DHT) getPeersQuery(addr *net.UDPAddr, infoHash [20]byte) (peers []string, nodes []*NodeInfo, token string, err error) {
	txID := d.transactions.NewTransactionID()
	query := EncodeGetPeers(txID, d.ID, infoHash)

	pq := d.transactions.AddPending(txID, MethodGetPeers, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return nil, nil, "", err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil {
			return nil, nil, "", fmt.Errorf("nil response")
		}
		token = resp.Response["token"]

		if len(resp.Values) > 0 {
			return resp.ExtractPeers(), nil, token, nil
		}

		nodes, _ := resp.ExtractNodes(false)
		return nil, nodes, token, nil

	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID) // Remove pending
		return nil, nil, "", fmt.Errorf("get_peers timeout")
	}
}

func (d *DHT) rememberAnnounceToken(addr *net.UDPAddr, token string) {
	d.announceTokensMu.Lock()
	d.announceTokens[addr.String()] = token
	d.announceTokensMu.Unlock()
}

func (d *DHT) announceToken(addr *net.UDPAddr) (string, bool) {
	d.announceTokensMu.Lock()
	defer d.announceTokensMu.Unlock()
	token, ok := d.announceTokens[addr.String()]
	return token, ok
}

// AnnouncePeer tells a single node that this DHT is a peer for infoHash,
// using the token it handed out in a prior get_peers response.
func (d *DHT) AnnouncePeer(addr *net.UDPAddr, infoHash [20]byte, port int) error {
	token, ok := d.announceToken(addr)
	if !ok {
		return fmt.Errorf("dht: no get_peers token for %s", addr)
	}

	txID := d.transactions.NewTransactionID()
	query := EncodeAnnouncePeer(txID, d.ID, infoHash, port, token, false)

	pq := d.transactions.AddPending(txID, MethodAnnounce, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil || resp.Type != ResponseType {
			return fmt.Errorf("announce_peer rejected by %s", addr)
		}
		return nil
	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID)
		return fmt.Errorf("announce_peer timeout")
	}
}

// AnnounceSelf runs a get_peers lookup for infoHash and then announces
// this node as a peer to every contact that returned a token, the
// standard two-phase BEP 5 announce.
func (d *DHT) AnnounceSelf(infoHash [20]byte, port int) ([]string, error) {
	peers, err := d.GetPeers(infoHash)
	if err != nil {
		return nil, err
	}

	d.announceTokensMu.Lock()
	targets := make([]*net.UDPAddr, 0, len(d.announceTokens))
	for addrStr := range d.announceTokens {
		if addr, err := net.ResolveUDPAddr("udp", addrStr); err == nil {
			targets = append(targets, addr)
		}
	}
	d.announceTokensMu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range targets {
		wg.Go(func() { d.AnnouncePeer(addr, infoHash, port) })
	}
	wg.Wait()

	return peers, nil
}

// Bootstrap connects to well-known DHT nodes
func (d *DHT) Bootstrap() {
	log.Printf("DHT: bootstrapping with %d nodes", len(BootstrapNodes))

	for _, addrStr := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}

		go func(a *net.UDPAddr) {
			// Ping the bootstrap node
			resp, err := d.Ping(a)
			if err != nil {
				return
			}

			// Extract node ID and add to routing table
			nodeID, err := resp.ExtractNodeID()
			if err != nil {
				return
			}
			d.observeNode(&NodeInfo{
				ID:       nodeID,
				Addr:     a,
				LastSeen: time.Now(),
			})

			// Find nodes close to ourselves
			d.FindNode(d.ID)
		}(addr)
	}
}

// encodeNodes encodes a slice of nodes to compact format
func (d *DHT) encodeNodes(nodes []*NodeInfo, ipv6 bool) []byte {
	var buf []byte
	for _, n := range nodes {
		var compact []byte
		var err error
		if ipv6 {
			compact, err = n.CompactIPv6()
		} else {
			compact, err = n.CompactIPv4()
		}
		if err == nil {
			buf = append(buf, compact...)
		}
	}
	return buf
}

// randomIDInBucket generates a random node ID that would fall in the given bucket
func (d *DHT) randomIDInBucket(bucketIdx int) NodeID {
	var target NodeID
	// XOR with self to get desired distance
	copy(target[:], d.ID[:])

	// Set the bit at position bucketIdx
	byteIdx := bucketIdx / 8
	bitIdx := 7 - (bucketIdx % 8)
	target[byteIdx] ^= 1 << bitIdx

	// Randomize every bit after bucketIdx so refreshes spread across the
	// bucket's range instead of always probing the same ID.
	if rnd, err := GenerateNodeID(); err == nil {
		for i := bucketIdx + 1; i < BucketCount; i++ {
			mask := byte(1) << (7 - i%8)
			target[i/8] = target[i/8]&^mask | rnd[i/8]&mask
		}
	}

	return target
}
