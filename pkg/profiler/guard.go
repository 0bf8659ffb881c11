package profiler

import "sync"

// Guard ends a scope exactly once. A nil Guard is valid and does nothing.
type Guard struct {
	p    *Profiler
	h    Handle
	once sync.Once
}

// Handle returns the scope handle held by g.
func (g *Guard) Handle() Handle {
	if g == nil {
		return 0
	}
	return g.h
}

// End ends the scope. Calls after the first are ignored.
func (g *Guard) End() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.p.EndScope(g.h)
	})
}
