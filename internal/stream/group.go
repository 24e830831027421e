package stream

import (
	"sort"
	"sync"
	"time"
)

// member is a consumer-group participant (spec §4.3).
type member struct {
	id            string
	lastHeartbeat time.Time
}

// group tracks membership and partition assignment for one (topic, group)
// pair. Committed offsets are not stored here: they live in the KV store
// under a reserved namespace so they survive restart (spec §4.3), see
// offsetKey in manager.go.
type group struct {
	mu       sync.Mutex
	topic    string
	name     string
	strategy string // domain.RebalanceStrategy value

	members     map[string]*member
	assignments map[string][]uint32 // member id -> assigned partitions
	heartbeatMs int64
}

func newGroup(topic, name, strategy string, heartbeatMs int64) *group {
	if heartbeatMs <= 0 {
		heartbeatMs = 10_000
	}
	return &group{
		topic:       topic,
		name:        name,
		strategy:    strategy,
		members:     make(map[string]*member),
		assignments: make(map[string][]uint32),
		heartbeatMs: heartbeatMs,
	}
}

// join adds or refreshes a member and triggers a rebalance.
func (g *group) join(memberID string, partitionCount uint32, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[memberID] = &member{id: memberID, lastHeartbeat: now}
	g.rebalanceLocked(partitionCount)
}

// leave removes a member and triggers a rebalance.
func (g *group) leave(memberID string, partitionCount uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, memberID)
	g.rebalanceLocked(partitionCount)
}

// heartbeat refreshes a member's liveness timestamp.
func (g *group) heartbeat(memberID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.members[memberID]; ok {
		m.lastHeartbeat = now
	}
}

// expireStale removes members that have not heartbeat within the group's
// window and rebalances if anything changed.
func (g *group) expireStale(partitionCount uint32, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := false
	for id, m := range g.members {
		if now.Sub(m.lastHeartbeat) > time.Duration(g.heartbeatMs)*time.Millisecond {
			delete(g.members, id)
			changed = true
		}
	}
	if changed {
		g.rebalanceLocked(partitionCount)
	}
}

func (g *group) assignmentFor(memberID string) []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]uint32(nil), g.assignments[memberID]...)
	return out
}

// rebalanceLocked recomputes partition assignment under one of the three
// spec §4.3 strategies. Caller must hold g.mu.
func (g *group) rebalanceLocked(partitionCount uint32) {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	partitions := make([]uint32, partitionCount)
	for i := range partitions {
		partitions[i] = uint32(i)
	}

	if len(ids) == 0 {
		g.assignments = make(map[string][]uint32)
		return
	}

	switch g.strategy {
	case "sticky":
		g.rebalanceStickyLocked(ids, partitions)
	case "round_robin":
		g.rebalanceRoundRobinLocked(ids, partitions)
	default: // "range"
		g.rebalanceRangeLocked(ids, partitions)
	}
}

// rebalanceRangeLocked splits the sorted partition list contiguously by
// member count.
func (g *group) rebalanceRangeLocked(ids []string, partitions []uint32) {
	assignments := make(map[string][]uint32, len(ids))
	n := len(partitions)
	m := len(ids)
	base := n / m
	extra := n % m
	idx := 0
	for i, id := range ids {
		count := base
		if i < extra {
			count++
		}
		assignments[id] = append([]uint32(nil), partitions[idx:idx+count]...)
		idx += count
	}
	g.assignments = assignments
}

// rebalanceRoundRobinLocked stripes partitions across sorted members.
func (g *group) rebalanceRoundRobinLocked(ids []string, partitions []uint32) {
	assignments := make(map[string][]uint32, len(ids))
	for _, id := range ids {
		assignments[id] = nil
	}
	for i, p := range partitions {
		id := ids[i%len(ids)]
		assignments[id] = append(assignments[id], p)
	}
	g.assignments = assignments
}

// rebalanceStickyLocked keeps previous assignments where the owning member
// is still present, then distributes unassigned/orphaned partitions to
// under-loaded members, moving the minimum number of partitions.
func (g *group) rebalanceStickyLocked(ids []string, partitions []uint32) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	kept := make(map[string][]uint32, len(ids))
	assigned := make(map[uint32]bool, len(partitions))
	for id, ps := range g.assignments {
		if !idSet[id] {
			continue
		}
		for _, p := range ps {
			kept[id] = append(kept[id], p)
			assigned[p] = true
		}
	}

	var orphans []uint32
	for _, p := range partitions {
		if !assigned[p] {
			orphans = append(orphans, p)
		}
	}

	sort.Strings(ids)
	for _, id := range ids {
		sort.Slice(kept[id], func(i, j int) bool { return kept[id][i] < kept[id][j] })
	}

	floor := len(partitions) / len(ids)
	extra := len(partitions) % len(ids)

	// Only `extra` members are entitled to floor+1 partitions; every other
	// member must be trimmed down to floor. A plain "trim anything over
	// ceil" check is wrong whenever extra>0: e.g. 4 partitions across 2
	// members growing to 3 gives floor=1, ceil=2, and both existing members
	// sit at exactly ceil, so nothing would ever trim and the new member
	// would get zero partitions. Granting the extra slot to whichever
	// members already hold the most partitions keeps this to the minimum
	// possible number of moves.
	byLoad := append([]string(nil), ids...)
	sort.SliceStable(byLoad, func(i, j int) bool { return len(kept[byLoad[i]]) > len(kept[byLoad[j]]) })

	entitlement := make(map[string]int, len(ids))
	for i, id := range byLoad {
		if i < extra {
			entitlement[id] = floor + 1
		} else {
			entitlement[id] = floor
		}
	}

	for _, id := range ids {
		for len(kept[id]) > entitlement[id] {
			n := len(kept[id])
			orphans = append(orphans, kept[id][n-1])
			kept[id] = kept[id][:n-1]
		}
	}

	oi := 0
	for _, id := range ids {
		for len(kept[id]) < entitlement[id] && oi < len(orphans) {
			kept[id] = append(kept[id], orphans[oi])
			oi++
		}
	}
	for oi < len(orphans) {
		id := ids[oi%len(ids)]
		kept[id] = append(kept[id], orphans[oi])
		oi++
	}

	for _, id := range ids {
		sort.Slice(kept[id], func(i, j int) bool { return kept[id][i] < kept[id][j] })
	}
	g.assignments = kept
}
