// Package status holds the two pieces of mutable state every flow in
// a run shares: the per-step active-work counters the progress monitor
// reads, and the one-shot cancellation latch the failure budget trips.
package status

import "sync"

// Board tracks, for each step position in the base configuration, how
// many branches (across all in-flight flows) currently have that step
// active, plus how many flows have finished. One mutex guards both,
// matching the teacher's single-lock step_counts/finished pattern.
type Board struct {
	mu       sync.Mutex
	names    []string
	counts   []int64
	finished int
	total    int
}

// NewBoard creates a board sized to the base configuration's step
// count, with the given display names (step.StepRefLabel per index).
func NewBoard(names []string, total int) *Board {
	return &Board{
		names:  names,
		counts: make([]int64, len(names)),
		total:  total,
	}
}

// Inc increments the active counter for step idx. Call once per step
// invocation, before doing any work.
func (b *Board) Inc(idx int) {
	b.mu.Lock()
	b.counts[idx]++
	b.mu.Unlock()
}

// Dec decrements the active counter for step idx. Call on every exit
// path of the step's execution: success, failure, or cancellation.
func (b *Board) Dec(idx int) {
	b.mu.Lock()
	b.counts[idx]--
	b.mu.Unlock()
}

// MarkFinished increments the finished-flow counter. Call exactly
// once per flow, regardless of outcome.
func (b *Board) MarkFinished() {
	b.mu.Lock()
	b.finished++
	b.mu.Unlock()
}

// Snapshot returns a consistent read of (per-step counts, names,
// finished, total) under the single lock.
func (b *Board) Snapshot() (names []string, counts []int64, finished, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names = append([]string(nil), b.names...)
	counts = append([]int64(nil), b.counts...)
	return names, counts, b.finished, b.total
}

// Latch is a one-shot, concurrency-safe cancellation flag. Trip is
// idempotent; IsTripped never blocks.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns an untripped latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trip closes the latch. Safe to call more than once or concurrently.
func (l *Latch) Trip() {
	l.once.Do(func() { close(l.ch) })
}

// IsTripped reports whether Trip has been called.
func (l *Latch) IsTripped() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Done returns the channel that closes when the latch trips, for use
// in a select alongside other blocking operations.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}
