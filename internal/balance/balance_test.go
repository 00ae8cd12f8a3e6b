package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pool() []Candidate {
	return []Candidate{
		{ID: "carol", Workload: 2, Capacity: 5, Available: true},
		{ID: "alice", Workload: 2, Capacity: 5, Available: true},
		{ID: "bob", Workload: 2, Capacity: 5, Available: true},
	}
}

func TestSelect_RoundRobinOnTies(t *testing.T) {
	b := New()
	seen := map[string]bool{}
	var order []string
	for i := 0; i < 3; i++ {
		c := b.Select("sales", pool(), Options{})
		require.NotNil(t, c)
		seen[c.ID] = true
		order = append(order, c.ID)
	}
	assert.Len(t, seen, 3, "three calls must return three distinct candidates: %v", order)

	c := b.Select("sales", pool(), Options{})
	require.NotNil(t, c)
	assert.Equal(t, order[0], c.ID, "rotation repeats after a full cycle")
}

func TestSelect_PoolsRotateIndependently(t *testing.T) {
	b := New()
	first := b.Select("sales", pool(), Options{})
	other := b.Select("support", pool(), Options{})
	assert.Equal(t, first.ID, other.ID)
}

func TestSelect_LowestWorkload(t *testing.T) {
	b := New()
	candidates := []Candidate{
		{ID: "a", Workload: 4, Capacity: 5, Available: true},
		{ID: "b", Workload: 1, Capacity: 5, Available: true},
		{ID: "c", Workload: 3, Capacity: 5, Available: true},
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, "b", b.Select("p", candidates, Options{}).ID)
	}
}

func TestSelect_Preferred(t *testing.T) {
	b := New()
	candidates := []Candidate{
		{ID: "a", Workload: 0, Capacity: 5, Available: true},
		{ID: "vip", Workload: 4, Capacity: 5, Available: true},
	}
	assert.Equal(t, "vip", b.Select("p", candidates, Options{PreferredID: "vip"}).ID)

	candidates[1].Workload = 5
	assert.Equal(t, "a", b.Select("p", candidates, Options{PreferredID: "vip"}).ID, "preferred at capacity falls back")
}

func TestSelect_NoneAvailable(t *testing.T) {
	b := New()
	candidates := []Candidate{
		{ID: "a", Workload: 5, Capacity: 5, Available: true},
		{ID: "b", Workload: 0, Capacity: 5, Available: false},
	}
	assert.Nil(t, b.Select("p", candidates, Options{}))
	assert.Nil(t, b.Select("p", nil, Options{}))
}

func TestSelect_UnboundedCapacity(t *testing.T) {
	b := New()
	c := b.Select("p", []Candidate{{ID: "x", Workload: 100, Available: true}}, Options{})
	require.NotNil(t, c)
	assert.Equal(t, "x", c.ID)
}
