// Package balance picks an assignee from a pool by workload.
package balance

import (
	"sort"
	"sync"
)

// Candidate is one possible assignee. Capacity <= 0 means unbounded.
type Candidate struct {
	ID        string `json:"id"`
	Workload  int    `json:"workload"`
	Capacity  int    `json:"capacity"`
	Available bool   `json:"available"`
}

func (c Candidate) hasRoom() bool {
	return c.Available && (c.Capacity <= 0 || c.Workload < c.Capacity)
}

type Options struct {
	PreferredID string
}

// Balancer remembers the last pick per pool so that ties rotate.
type Balancer struct {
	mu   sync.Mutex
	last map[string]string
}

func New() *Balancer {
	return &Balancer{last: make(map[string]string)}
}

// Select returns the preferred candidate when it has room, otherwise the
// least-loaded one, rotating through equally loaded candidates per pool.
// It returns nil when nobody is available with spare capacity; callers
// treat that as "leave unassigned", not as an error.
func (b *Balancer) Select(poolID string, candidates []Candidate, opts Options) *Candidate {
	var eligible []Candidate
	for _, c := range candidates {
		if c.hasRoom() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.PreferredID != "" {
		for i := range eligible {
			if eligible[i].ID == opts.PreferredID {
				b.last[poolID] = eligible[i].ID
				return &eligible[i]
			}
		}
	}

	min := eligible[0].Workload
	for _, c := range eligible[1:] {
		if c.Workload < min {
			min = c.Workload
		}
	}
	var tied []Candidate
	for _, c := range eligible {
		if c.Workload == min {
			tied = append(tied, c)
		}
	}
	// Stable order so rotation does not depend on caller ordering.
	sort.Slice(tied, func(i, j int) bool { return tied[i].ID < tied[j].ID })

	pick := 0
	if prev, ok := b.last[poolID]; ok {
		idx := sort.Search(len(tied), func(i int) bool { return tied[i].ID > prev })
		if idx < len(tied) {
			pick = idx
		}
	}
	b.last[poolID] = tied[pick].ID
	return &tied[pick]
}
