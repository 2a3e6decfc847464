package pipeline

import "sync"

// runGate serializes extraction and clustering runs within this process.
// Overlapping runs would race on the cluster directory and mint duplicate
// near-identical clusters, so a second run is rejected rather than queued.
type runGate struct {
	mu sync.Mutex
}

func (g *runGate) acquire() error {
	if !g.mu.TryLock() {
		return ErrRunActive
	}
	return nil
}

func (g *runGate) release() {
	g.mu.Unlock()
}
