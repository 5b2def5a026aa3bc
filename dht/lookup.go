package dht

import (
	"context"
	"net"
	"sync"
)

// alpha is the Kademlia concurrency parameter: the number of outstanding
// queries per lookup round.
const alpha = 3

// maxLookupRounds bounds an iterative lookup so a pathological network
// (or a routing table full of dead nodes) can't spin forever.
const maxLookupRounds = 8

// shortlistCap is how many candidates an iterative lookup keeps around
// between rounds; it only needs to exceed K so the closest K survive
// repeated trimming.
const shortlistCap = K * 3

// lookupQuery is called once per contacted node during an iterative
// lookup. It returns any closer nodes the contact knows about and,
// for a get_peers-style lookup, any peer addresses it returned.
type lookupQuery func(ctx context.Context, addr *net.UDPAddr) (nodes []*NodeInfo, peers []string, err error)

// iterativeLookup implements the standard Kademlia node lookup: starting
// from seed (normally the routing table's closest known nodes to
// target), it queries alpha unvisited nodes per round, folds newly
// discovered nodes into the shortlist, and stops once a round turns up
// nothing closer than what's already known or maxLookupRounds is hit.
// It returns the closest nodes seen and the union of any peers reported
// along the way.
func (d *DHT) iterativeLookup(ctx context.Context, target NodeID, seed []*NodeInfo, query lookupQuery) ([]*NodeInfo, []string) {
	visited := make(map[NodeID]bool, len(seed))
	shortlist := append([]*NodeInfo(nil), seed...)
	sortByDistance(shortlist, target)

	seenPeers := make(map[string]bool)
	var peers []string

	for round := 0; round < maxLookupRounds; round++ {
		candidates := pickUnvisited(shortlist, visited, alpha)
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			visited[c.ID] = true
		}

		type result struct {
			nodes []*NodeInfo
			peers []string
		}
		results := make([]result, len(candidates))
		var wg sync.WaitGroup
		for i, c := range candidates {
			i, c := i, c
			wg.Go(func() {
				nodes, peersFound, err := query(ctx, c.Addr)
				if err != nil {
					return
				}
				results[i] = result{nodes: nodes, peers: peersFound}
			})
		}
		wg.Wait()

		before := closestDistance(shortlist, target)
		for _, r := range results {
			for _, n := range r.nodes {
				if !containsNode(shortlist, n.ID) {
					shortlist = append(shortlist, n)
				}
			}
			for _, p := range r.peers {
				if !seenPeers[p] {
					seenPeers[p] = true
					peers = append(peers, p)
				}
			}
		}
		sortByDistance(shortlist, target)
		if len(shortlist) > shortlistCap {
			shortlist = shortlist[:shortlistCap]
		}

		after := closestDistance(shortlist, target)
		if after == before {
			break
		}

		select {
		case <-ctx.Done():
			round = maxLookupRounds
		default:
		}
	}

	if len(shortlist) > K {
		shortlist = shortlist[:K]
	}
	return shortlist, peers
}

func pickUnvisited(nodes []*NodeInfo, visited map[NodeID]bool, n int) []*NodeInfo {
	var picked []*NodeInfo
	for _, node := range nodes {
		if visited[node.ID] {
			continue
		}
		picked = append(picked, node)
		if len(picked) == n {
			break
		}
	}
	return picked
}

func containsNode(nodes []*NodeInfo, id NodeID) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// closestDistance returns the XOR distance of the nearest node in a
// shortlist already sorted by sortByDistance, or an all-ones distance
// if the list is empty.
func closestDistance(nodes []*NodeInfo, target NodeID) NodeID {
	if len(nodes) == 0 {
		var max NodeID
		for i := range max {
			max[i] = 0xFF
		}
		return max
	}
	return Distance(nodes[0].ID, target)
}
