package replication

import (
	"slices"

	"replicated-log/internal/replog"
)

// quorumIndex returns the highest index that at least writeConcern participants have persisted. acks holds one
// persisted index per counted participant. It returns 0 if fewer than writeConcern participants are counted.
func quorumIndex(acks []replog.LogIndex, writeConcern int) replog.LogIndex {
	if writeConcern <= 0 || len(acks) < writeConcern {
		return 0
	}
	sorted := slices.Clone(acks)
	slices.SortFunc(sorted, func(a, b replog.LogIndex) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	})
	return sorted[writeConcern-1]
}

// acknowledgements collects the persisted index of every participant that counts toward the quorum of r.
func (r *leaderRole) acknowledgements(leaderPersisted replog.LogIndex) []replog.LogIndex {
	acks := make([]replog.LogIndex, 0, len(r.followers)+1)
	if r.config.QuorumPolicy == replog.LeaderCountsTowardQuorum {
		acks = append(acks, leaderPersisted)
	}
	for _, id := range r.order {
		acks = append(acks, r.followers[id].matchIndex)
	}
	return acks
}

// lowestMatch is the smallest matchIndex among the followers, or upTo for a leader without followers.
func (r *leaderRole) lowestMatch(upTo replog.LogIndex) replog.LogIndex {
	lowest := upTo
	for _, p := range r.followers {
		if p.matchIndex < lowest {
			lowest = p.matchIndex
		}
	}
	return lowest
}
