// Package timer implements the per-core deadline-ordered timer list the
// core uses for guest timer emulation (x86 LAPIC timer, AArch64
// generic timer, RISC-V sstc/SBI timer), with cross-core forwarding
// through pkg/ipi exactly as the reference implementation's
// vmm::timer(s) modules describe. Deadlines are absolute nanosecond
// timestamps; there is no cancellation primitive, matching spec.md
// §5's "cancellation=none" rule (an event whose owner no longer cares
// is simply left to fire and ignored).
package timer

import (
	"container/heap"
	"sync"

	"github.com/rvm-project/rvm/pkg/ipi"
)

// Event is a single scheduled callback.
type Event struct {
	Deadline int64 // absolute nanoseconds
	VCpuID   int
}

type eventHeap []Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Deadline < h[j].Deadline }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(Event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]

	return e
}

// List is one physical core's deadline-ordered timer list.
type List struct {
	mu    sync.Mutex
	heap  eventHeap
	queue *ipi.Queue
}

// NewList returns an empty timer list. queue is the local core's IPI
// queue (may be nil); the list keeps it but none of its methods send
// through it. Cross-core forwarding goes through ForwardToCore, which
// takes its target queue explicitly.
func NewList(queue *ipi.Queue) *List {
	return &List{queue: queue}
}

// Register schedules ev, keeping the list ordered by deadline.
func (l *List) Register(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	heap.Push(&l.heap, ev)
}

// ExpireOne pops and returns the earliest event whose deadline is <=
// now, or ok=false if the earliest remaining deadline is still in the
// future (or the list is empty).
func (l *List) ExpireOne(now int64) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.heap.Len() == 0 || l.heap[0].Deadline > now {
		return Event{}, false
	}

	return heap.Pop(&l.heap).(Event), true
}

// Len reports how many events remain scheduled.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.heap.Len()
}

// ForwardToCore sends a TimerExpired IPI to another core's queue,
// the cross-core ownership path spec.md §9 describes: a vCPU's
// timer always fires on the core that currently owns it, even if that
// core differs from the one that registered it.
func ForwardToCore(target *ipi.Queue, vcpuID int) error {
	return target.Send(ipi.Message{Kind: ipi.TimerExpired, VCpuID: vcpuID})
}
