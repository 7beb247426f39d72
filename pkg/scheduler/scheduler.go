package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Entry is a worker's timeout-scheduler registration (spec §4.2). The
// worker implements it directly: ReadyForWake reflects the worker's
// own RUNNING/processing state under the shared global mutex, and
// Wake delivers the directed interrupt signal to the worker's thread.
type Entry interface {
	ReadyForWake() bool
	Wake() error
}

type item struct {
	id       string
	entry    Entry
	deadline time.Time
	timeout  time.Duration
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is the B component. It runs at most one goroutine at a
// time, lazily spawned on first Register and exiting once its pending
// list drains (spec §4.2).
type Scheduler struct {
	mu      sync.Mutex
	items   itemHeap
	byID    map[string]*item
	wake    chan struct{}
	running bool
	logger  zerolog.Logger
}

// New creates an empty, not-yet-running scheduler.
func New() *Scheduler {
	return &Scheduler{
		byID:   make(map[string]*item),
		wake:   make(chan struct{}, 1),
		logger: log.WithComponent("scheduler"),
	}
}

// Register inserts or updates id's deadline to now+timeout and nudges
// the scheduler goroutine, spawning it if it is not already running
// (spec §4.2 Registration).
func (s *Scheduler) Register(id string, entry Entry, timeout time.Duration) {
	s.mu.Lock()
	now := time.Now()
	if it, ok := s.byID[id]; ok {
		it.entry = entry
		it.timeout = timeout
		it.deadline = now.Add(timeout)
		heap.Fix(&s.items, it.index)
	} else {
		it := &item{id: id, entry: entry, timeout: timeout, deadline: now.Add(timeout)}
		s.byID[id] = it
		heap.Push(&s.items, it)
	}
	needSpawn := !s.running
	if needSpawn {
		s.running = true
	}
	s.mu.Unlock()

	s.nudge()
	if needSpawn {
		go s.run()
	}
}

// Cancel removes id from the pending list, if present.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	it, ok := s.byID[id]
	if ok {
		heap.Remove(&s.items, it.index)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.nudge()
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if len(s.items) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.items[0].deadline
		s.mu.Unlock()

		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			s.tick()
		case <-s.wake:
			timer.Stop()
		}
	}
}

// tick pops every due entry, advances its deadline, and delivers the
// wake signal unless the worker is processing or in grace (spec §4.2
// step 2).
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	now := time.Now()
	var due []*item

	s.mu.Lock()
	for len(s.items) > 0 && !s.items[0].deadline.After(now) {
		it := heap.Pop(&s.items).(*item)
		it.deadline = now.Add(it.timeout)
		heap.Push(&s.items, it)
		due = append(due, it)
	}
	s.mu.Unlock()

	for _, it := range due {
		if !it.entry.ReadyForWake() {
			metrics.SchedulerTicksSkipped.Inc()
			continue
		}
		if err := it.entry.Wake(); err != nil {
			s.logger.Warn().Err(err).Str("device_uuid", it.id).Msg("failed to deliver timeout wake signal")
		}
	}
}

// SetTimeout updates id's timeout value and nudges the scheduler so
// the new value takes effect immediately (spec §4.4 Set-timeout).
func (s *Scheduler) SetTimeout(id string, timeout time.Duration) {
	s.mu.Lock()
	it, ok := s.byID[id]
	if ok {
		it.timeout = timeout
		it.deadline = time.Now()
		heap.Fix(&s.items, it.index)
	}
	s.mu.Unlock()
	if ok {
		s.nudge()
	}
}

// Len reports the number of pending registrations, for tests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
