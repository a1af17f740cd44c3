package node

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// maxCatchUp bounds how many missed periods of one job are fired in a single
// step. A job that is further behind is moved forward to its next period
// after now, keeping its phase.
const maxCatchUp = 16

type job struct {
	seq       uint64
	period    time.Duration
	next      time.Time
	index     int
	cancelled atomic.Bool
	run       func(ctx context.Context, at time.Time)
}

// jobHeap orders jobs by next fire time, then by registration order.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].seq < h[j].seq
	}
	return h[i].next.Before(h[j].next)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

type firing struct {
	job *job
	at  time.Time
}

type scheduler struct {
	mu   sync.Mutex
	jobs jobHeap
	seq  uint64
}

func (s *scheduler) add(first time.Time, period time.Duration, run func(context.Context, time.Time)) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := &job{seq: s.seq, period: period, next: first, run: run}
	heap.Push(&s.jobs, j)
	return j
}

func (s *scheduler) cancel(j *job) {
	if j == nil || j.cancelled.Swap(true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.index >= 0 && j.index < len(s.jobs) && s.jobs[j.index] == j {
		heap.Remove(&s.jobs, j.index)
	}
}

func (s *scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.cancelled.Store(true)
		j.index = -1
	}
	s.jobs = nil
}

func (s *scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return time.Time{}, false
	}
	return s.jobs[0].next, true
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// due removes every firing scheduled at or before now, in firing order, and
// reschedules the jobs involved.
func (s *scheduler) due(now time.Time) []firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []firing
	fired := make(map[*job]int)
	for len(s.jobs) > 0 {
		j := s.jobs[0]
		if j.next.After(now) {
			break
		}
		if fired[j] == maxCatchUp {
			missed := now.Sub(j.next)/j.period + 1
			j.next = j.next.Add(missed * j.period)
			heap.Fix(&s.jobs, 0)
			continue
		}
		out = append(out, firing{job: j, at: j.next})
		fired[j]++
		j.next = j.next.Add(j.period)
		heap.Fix(&s.jobs, 0)
	}
	return out
}
