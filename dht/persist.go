package dht

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/kjartanhr/transceiver/internal/xerrors"
)

// DefaultNodesFile is the default filename for persisted nodes.
const DefaultNodesFile = ".dht_nodes.json"

type nodeRecord struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type nodesFile struct {
	Version int          `json:"version"`
	Nodes   []nodeRecord `json:"nodes"`
}

// SaveNodes writes every node currently in the routing table to path as
// JSON, so the next run can seed its table without a cold bootstrap.
func (rt *RoutingTable) SaveNodes(path string) error {
	nodes := rt.AllNodes()
	if len(nodes) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return xerrors.New("dht", xerrors.KindIO, err)
	}

	file := nodesFile{Version: 1, Nodes: make([]nodeRecord, len(nodes))}
	for i, node := range nodes {
		file.Nodes[i] = nodeRecord{ID: hex.EncodeToString(node.ID[:]), Addr: node.Addr.String()}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return xerrors.New("dht", xerrors.KindOther, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return xerrors.New("dht", xerrors.KindIO, err)
	}
	return nil
}

// LoadNodes reads a file written by SaveNodes and adds every entry that
// still parses and fits the routing table, returning how many landed. A
// missing file is not an error: a node with no persisted peers just
// bootstraps from scratch.
func (rt *RoutingTable) LoadNodes(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, xerrors.New("dht", xerrors.KindIO, err)
	}

	var file nodesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, xerrors.New("dht", xerrors.KindProtocol, err)
	}

	loaded := 0
	for _, rec := range file.Nodes {
		node, err := rec.node()
		if err != nil {
			continue
		}
		if added, _ := rt.AddNode(node); added {
			loaded++
		}
	}
	return loaded, nil
}

func (rec nodeRecord) node() (*NodeInfo, error) {
	idBytes, err := hex.DecodeString(rec.ID)
	if err != nil {
		return nil, xerrors.New("dht", xerrors.KindProtocol, err)
	}
	if len(idBytes) != 20 {
		return nil, xerrors.New("dht", xerrors.KindProtocol, fmt.Errorf("node id must be 20 bytes, got %d", len(idBytes)))
	}
	addr, err := net.ResolveUDPAddr("udp", rec.Addr)
	if err != nil {
		return nil, xerrors.New("dht", xerrors.KindProtocol, err)
	}
	var id NodeID
	copy(id[:], idBytes)
	return &NodeInfo{ID: id, Addr: addr, LastSeen: time.Now()}, nil
}
