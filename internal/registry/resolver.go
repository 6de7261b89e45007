package registry

import "sort"

// ResolutionPolicy selects how ConflictResolver picks a winner among
// candidate instances sharing the same (type, id).
type ResolutionPolicy string

const (
	PolicyLastWriteWins ResolutionPolicy = "LAST_WRITE_WINS"
	PolicyVectorClock   ResolutionPolicy = "VECTOR_CLOCK"
	PolicyPeerPriority  ResolutionPolicy = "PEER_PRIORITY"
	PolicyHealthBased   ResolutionPolicy = "HEALTH_BASED"
	PolicyComposite     ResolutionPolicy = "COMPOSITE"
)

// ConflictResolver is a pure function over a non-empty list of
// ServiceInstances sharing identity, configured with one resolution policy.
type ConflictResolver struct {
	Policy         ResolutionPolicy
	PeerPriorities map[string]int // unknown origins map to 0
}

// NewConflictResolver builds a resolver. An empty priorities map is
// normalized to non-nil so peerPriority lookups never need a nil check.
func NewConflictResolver(policy ResolutionPolicy, peerPriorities map[string]int) *ConflictResolver {
	if peerPriorities == nil {
		peerPriorities = map[string]int{}
	}
	return &ConflictResolver{Policy: policy, PeerPriorities: peerPriorities}
}

func (r *ConflictResolver) peerPriority(peerID string) int {
	return r.PeerPriorities[peerID]
}

// Resolve picks the winner among candidates according to the configured
// policy. Panics if candidates is empty; callers must only invoke this on a
// non-empty set sharing (type, id).
func (r *ConflictResolver) Resolve(candidates []ServiceInstance) ServiceInstance {
	if len(candidates) == 0 {
		panic("registry: Resolve called with no candidates")
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch r.Policy {
	case PolicyVectorClock:
		return r.resolveVectorClock(candidates)
	case PolicyPeerPriority:
		return r.resolvePeerPriority(candidates)
	case PolicyHealthBased:
		return r.resolveHealthBased(candidates)
	case PolicyComposite:
		return r.resolveComposite(candidates)
	default:
		return r.resolveLastWriteWins(candidates)
	}
}

func (r *ConflictResolver) resolveLastWriteWins(candidates []ServiceInstance) ServiceInstance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if lastWriteWinsLess(best, c) {
			best = c
		}
	}
	return best
}

// lastWriteWinsLess reports whether b should replace a under LastWriteWins:
// highest version, ties by highest lastUpdated, ties by lexicographically
// greater originPeerId.
func lastWriteWinsLess(a, b ServiceInstance) bool {
	if a.Version != b.Version {
		return b.Version > a.Version
	}
	if a.LastUpdated != b.LastUpdated {
		return b.LastUpdated > a.LastUpdated
	}
	return b.OriginPeer > a.OriginPeer
}

func (r *ConflictResolver) resolveVectorClock(candidates []ServiceInstance) ServiceInstance {
	for i, candidate := range candidates {
		others := make([]ServiceInstance, 0, len(candidates)-1)
		for j, other := range candidates {
			if i != j {
				others = append(others, other)
			}
		}
		if dominatesAll(candidate, others) {
			return candidate
		}
	}
	// No candidate strictly follows all others (concurrent/incomparable):
	// fall back to LastWriteWins.
	return r.resolveLastWriteWins(candidates)
}

func dominatesAll(candidate ServiceInstance, others []ServiceInstance) bool {
	for _, other := range others {
		if !candidate.Clock.IsAfter(other.Clock) {
			return false
		}
	}
	return true
}

func (r *ConflictResolver) resolvePeerPriority(candidates []ServiceInstance) ServiceInstance {
	maxPriority := r.peerPriority(candidates[0].OriginPeer)
	for _, c := range candidates[1:] {
		if p := r.peerPriority(c.OriginPeer); p > maxPriority {
			maxPriority = p
		}
	}
	var top []ServiceInstance
	for _, c := range candidates {
		if r.peerPriority(c.OriginPeer) == maxPriority {
			top = append(top, c)
		}
	}
	return r.resolveLastWriteWins(top)
}

func (r *ConflictResolver) resolveHealthBased(candidates []ServiceInstance) ServiceInstance {
	healthy := filterHealthy(candidates)
	if len(healthy) > 0 {
		return r.resolveLastWriteWins(healthy)
	}
	return r.resolveLastWriteWins(candidates)
}

func filterHealthy(candidates []ServiceInstance) []ServiceInstance {
	var healthy []ServiceInstance
	for _, c := range candidates {
		if c.Healthy {
			healthy = append(healthy, c)
		}
	}
	return healthy
}

func (r *ConflictResolver) resolveComposite(candidates []ServiceInstance) ServiceInstance {
	pool := candidates
	if healthy := filterHealthy(candidates); len(healthy) > 0 {
		pool = healthy
	}

	maxPriority := r.peerPriority(pool[0].OriginPeer)
	for _, c := range pool[1:] {
		if p := r.peerPriority(c.OriginPeer); p > maxPriority {
			maxPriority = p
		}
	}
	var top []ServiceInstance
	for _, c := range pool {
		if r.peerPriority(c.OriginPeer) == maxPriority {
			top = append(top, c)
		}
	}
	return r.resolveLastWriteWins(top)
}

// IsConflict reports whether a and b share identity (type, id) and differ
// in any of {version, host, port, healthy}.
func IsConflict(a, b ServiceInstance) bool {
	if a.ServiceType != b.ServiceType || a.ServiceID != b.ServiceID {
		return false
	}
	return a.Version != b.Version || a.Host != b.Host || a.Port != b.Port || a.Healthy != b.Healthy
}

// MergeRegistries collects every (type, id) present in any input snapshot,
// resolves the candidate set for each, and emits the merged snapshot.
func (r *ConflictResolver) MergeRegistries(snapshots []Snapshot) Snapshot {
	candidatesByKey := map[Key][]ServiceInstance{}
	var order []Key

	for _, snap := range snapshots {
		for svcType, byID := range snap {
			for svcID, inst := range byID {
				key := Key{ServiceType: svcType, ServiceID: svcID}
				if _, seen := candidatesByKey[key]; !seen {
					order = append(order, key)
				}
				candidatesByKey[key] = append(candidatesByKey[key], inst)
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].ServiceType != order[j].ServiceType {
			return order[i].ServiceType < order[j].ServiceType
		}
		return order[i].ServiceID < order[j].ServiceID
	})

	merged := Snapshot{}
	for _, key := range order {
		winner := r.Resolve(candidatesByKey[key])
		if merged[key.ServiceType] == nil {
			merged[key.ServiceType] = map[string]ServiceInstance{}
		}
		merged[key.ServiceType][key.ServiceID] = winner
	}
	return merged
}
