package scheduler

import "sort"

// PeerStat is a peer's cumulative byte exchange with this node, the
// input to the choke/unchoke reciprocation comparison.
type PeerStat struct {
	Peer string
	Sent int64 // bytes uploaded to this peer
	Recv int64 // bytes downloaded from this peer
}

// ReciprocationChoke decides which peers stay unchoked. A peer this node
// has sent more to than it has received back plus margin is choked outright,
// regardless of rank: continuing to upload to it would only widen the
// imbalance. Among the remaining peers, the top unchokeSlots contributors
// by bytes received are unchoked, the standard tit-for-tat rule.
func ReciprocationChoke(stats []PeerStat, margin int64, unchokeSlots int) map[string]bool {
	eligible := make([]PeerStat, 0, len(stats))
	for _, s := range stats {
		if s.Sent > s.Recv+margin {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Recv != eligible[j].Recv {
			return eligible[i].Recv > eligible[j].Recv
		}
		return eligible[i].Peer < eligible[j].Peer
	})
	unchoked := make(map[string]bool, unchokeSlots)
	for i := 0; i < len(eligible) && i < unchokeSlots; i++ {
		unchoked[eligible[i].Peer] = true
	}
	return unchoked
}

// OptimisticUnchoke deterministically rotates through choked peers,
// picking the one at rotation index n modulo the candidate count so
// every choked peer eventually gets a trial unchoke slot regardless of
// its reciprocation standing.
func OptimisticUnchoke(candidates []string, n int) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[n%len(sorted)], true
}
