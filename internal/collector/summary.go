package collector

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/safe"
)

// Stat aggregates the completed runs of one scope.
type Stat struct {
	Name  string
	Count uint64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration.
func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summary aggregates scope exit packets. It is safe for concurrent use.
type Summary struct {
	mu      sync.Mutex
	stats   map[uint64]*Stat
	packets map[protocol.Kind]uint64
	last    float64
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		stats:   make(map[uint64]*Stat),
		packets: make(map[protocol.Kind]uint64),
	}
}

// Add records p. Only ScopeExit packets contribute timings.
func (s *Summary) Add(p protocol.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets[p.Kind]++
	if p.Time > s.last {
		s.last = p.Time
	}
	if p.Kind != protocol.KindScopeExit {
		return
	}

	elapsed, _ := safe.SecondsToDuration(p.Elapsed)
	st := s.lookup(p.Name)
	st.Count++
	if st.Total > math.MaxInt64-elapsed {
		st.Total = math.MaxInt64
	} else {
		st.Total += elapsed
	}
	if st.Count == 1 || elapsed < st.Min {
		st.Min = elapsed
	}
	if elapsed > st.Max {
		st.Max = elapsed
	}
}

// lookup finds or creates the Stat for name. Hash collisions probe the next
// key.
func (s *Summary) lookup(name string) *Stat {
	key := xxh3.HashString(name)
	for {
		st, ok := s.stats[key]
		if !ok {
			st = &Stat{Name: name}
			s.stats[key] = st
			return st
		}
		if st.Name == name {
			return st
		}
		key++
	}
}

// Rows returns a copy of the per-scope stats sorted by total time,
// descending, then by name.
func (s *Summary) Rows() []Stat {
	s.mu.Lock()
	rows := make([]Stat, 0, len(s.stats))
	for _, st := range s.stats {
		rows = append(rows, *st)
	}
	s.mu.Unlock()

	slices.SortFunc(rows, func(a, b Stat) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return rows
}

// Packets returns how many packets of kind k were added.
func (s *Summary) Packets(k protocol.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[k]
}

// LastTime returns the largest profiler timestamp seen, in seconds.
func (s *Summary) LastTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
