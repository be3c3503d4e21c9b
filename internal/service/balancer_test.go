package service

import (
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/config"
	"cascade/internal/domain"
)

func workers(ids ...string) []domain.Node {
	nodes := make([]domain.Node, len(ids))
	for i, id := range ids {
		nodes[i] = domain.Node{ID: id, Type: domain.NodeTypeWorker, Active: true}
	}
	return nodes
}

func TestNewSelector(t *testing.T) {
	s, err := NewSelector(config.PolicyRoundRobin)
	require.NoError(t, err)
	assert.IsType(t, &RoundRobin{}, s)

	s, err = NewSelector("")
	require.NoError(t, err)
	assert.IsType(t, LeastLoaded{}, s)

	_, err = NewSelector("random")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLeastLoaded_PrefersIdleNodes(t *testing.T) {
	load := map[string]int{"a": 3, "b": 0, "c": 1}

	plan, skipped := LeastLoaded{}.Plan(workers("a", "b", "c"), load, []string{"f1", "f2", "f3"})

	assert.Empty(t, skipped)
	assert.Equal(t, []string{"f1", "f3"}, plan["b"])
	assert.Equal(t, []string{"f2"}, plan["c"])
	assert.Empty(t, plan["a"])
	assert.Equal(t, map[string]int{"a": 3, "b": 1, "c": 2}, load)
}

func TestLeastLoaded_SpreadsEvenlyOnTies(t *testing.T) {
	load := map[string]int{}

	plan, _ := LeastLoaded{}.Plan(workers("b", "a"), load, []string{"f1", "f2", "f3", "f4"})

	assert.Equal(t, []string{"f1", "f3"}, plan["a"])
	assert.Equal(t, []string{"f2", "f4"}, plan["b"])
}

func TestRoundRobin_CursorSurvivesCalls(t *testing.T) {
	rr := &RoundRobin{}
	nodes := workers("a", "b", "c")

	plan, _ := rr.Plan(nodes, map[string]int{}, []string{"f1", "f2"})
	assert.Equal(t, []string{"f1"}, plan["a"])
	assert.Equal(t, []string{"f2"}, plan["b"])

	plan, _ = rr.Plan(nodes, map[string]int{}, []string{"g1"})
	assert.Equal(t, []string{"g1"}, plan["c"])
}

func TestPlan_HonorsMaxCapacity(t *testing.T) {
	nodes := workers("a", "b")
	nodes[0].SyncConfig = types.JSONText(`{"max_capacity":1}`)
	nodes[1].SyncConfig = types.JSONText(`{"max_capacity":1}`)

	for name, selector := range map[string]Selector{"least_loaded": LeastLoaded{}, "round_robin": &RoundRobin{}} {
		t.Run(name, func(t *testing.T) {
			load := map[string]int{"a": 1}

			plan, skipped := selector.Plan(nodes, load, []string{"f1", "f2"})

			assert.Empty(t, skipped)
			assert.Empty(t, plan["a"])
			assert.Equal(t, []string{"f1", "f2"}, plan["b"])
			assert.Equal(t, 1, load["b"])
		})
	}
}

func TestPlan_SkipsWhenEveryNodeIsFull(t *testing.T) {
	nodes := workers("a")
	nodes[0].SyncConfig = types.JSONText(`{"max_capacity":2}`)

	plan, skipped := LeastLoaded{}.Plan(nodes, map[string]int{"a": 2}, []string{"f1", "f2"})

	assert.Empty(t, plan)
	assert.Equal(t, []string{"f1", "f2"}, skipped)
}

func TestPlan_NoNodes(t *testing.T) {
	plan, skipped := (&RoundRobin{}).Plan(nil, map[string]int{}, []string{"f1"})

	assert.Empty(t, plan)
	assert.Equal(t, []string{"f1"}, skipped)
}
