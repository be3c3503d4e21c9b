package service

import (
	"fmt"
	"sort"
	"sync"

	"cascade/internal/config"
	"cascade/internal/domain"
)

// Selector partitions a task's unallocated feeds across eligible nodes.
//
// load holds the active allocation count per node id and is updated in place
// for every node that receives a batch, so consecutive calls within one
// dispatch cycle see each other's plans. Feeds that no node can take are
// returned as skipped.
type Selector interface {
	Plan(nodes []domain.Node, load map[string]int, feedIDs []string) (plan map[string][]string, skipped []string)
}

func NewSelector(policy string) (Selector, error) {
	switch policy {
	case config.PolicyRoundRobin:
		return &RoundRobin{}, nil
	case config.PolicyLeastLoaded, "":
		return LeastLoaded{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown selection policy %q", domain.ErrInvalidArgument, policy)
	}
}

// RoundRobin hands feeds out in turn. The cursor survives across cycles so
// the first feed of the next task goes to the node after the last one used.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (r *RoundRobin) Plan(nodes []domain.Node, load map[string]int, feedIDs []string) (map[string][]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan := make(map[string][]string)
	var skipped []string
	if len(nodes) == 0 {
		return plan, append(skipped, feedIDs...)
	}

	for _, feedID := range feedIDs {
		assigned := false
		for range nodes {
			n := &nodes[r.cursor%len(nodes)]
			r.cursor = (r.cursor + 1) % len(nodes)
			if !hasRoom(n, load, plan) {
				continue
			}
			assign(n.ID, feedID, load, plan)
			assigned = true
			break
		}
		if !assigned {
			skipped = append(skipped, feedID)
		}
	}
	return plan, skipped
}

// LeastLoaded gives each feed to the node with the fewest active
// allocations, breaking ties by feeds already planned and then by node id.
type LeastLoaded struct{}

func (LeastLoaded) Plan(nodes []domain.Node, load map[string]int, feedIDs []string) (map[string][]string, []string) {
	plan := make(map[string][]string)
	var skipped []string

	for _, feedID := range feedIDs {
		var best *domain.Node
		for i := range nodes {
			n := &nodes[i]
			if !hasRoom(n, load, plan) {
				continue
			}
			if best == nil || lessLoaded(n, best, load, plan) {
				best = n
			}
		}
		if best == nil {
			skipped = append(skipped, feedID)
			continue
		}
		assign(best.ID, feedID, load, plan)
	}
	return plan, skipped
}

func lessLoaded(a, b *domain.Node, load map[string]int, plan map[string][]string) bool {
	if load[a.ID] != load[b.ID] {
		return load[a.ID] < load[b.ID]
	}
	if len(plan[a.ID]) != len(plan[b.ID]) {
		return len(plan[a.ID]) < len(plan[b.ID])
	}
	return a.ID < b.ID
}

// hasRoom reports whether n may take another feed of the task being
// planned. A node already holding a batch of this task only grows that
// batch, so capacity is charged once per allocation.
func hasRoom(n *domain.Node, load map[string]int, plan map[string][]string) bool {
	if len(plan[n.ID]) > 0 {
		return true
	}
	limit := n.MaxCapacity()
	return limit == 0 || load[n.ID] < limit
}

func assign(nodeID, feedID string, load map[string]int, plan map[string][]string) {
	if len(plan[nodeID]) == 0 {
		load[nodeID]++
	}
	plan[nodeID] = append(plan[nodeID], feedID)
}

func sortNodes(nodes []domain.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
