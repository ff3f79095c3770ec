package automation

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Scheduler runs delayed jobs on a periodic sweep. Every job belongs to a
// group; due jobs of one group run in order (priority descending, then
// position ascending, then enqueue order) on their own goroutine, so a slow
// or hung job holds up only its group, never the sweep or other groups. Each
// job runs at most once; a panicking job is logged and does not stop the rest
// of its group.
type Scheduler struct {
	Tick   time.Duration
	Logger *log.Logger
	Now    func() time.Time

	mu      sync.Mutex
	queue   []*schedJob
	seq     int64
	running map[string]bool
}

type schedJob struct {
	group    string
	runAt    time.Time
	priority int
	position int
	seq      int64
	fn       func()
}

func NewScheduler(tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &Scheduler{Tick: tick, Logger: logger, Now: time.Now}
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Schedule enqueues fn into group to run once delay has elapsed.
func (s *Scheduler) Schedule(group string, delay time.Duration, priority, position int, fn func()) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.queue = append(s.queue, &schedJob{
		group:    group,
		runAt:    s.now().Add(delay),
		priority: priority,
		position: position,
		seq:      s.seq,
		fn:       fn,
	})
}

// Run sweeps until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep dispatches every due job, one goroutine per group. Due jobs of a
// group that is still working stay queued for the next sweep so the group
// stays strictly ordered.
func (s *Scheduler) Sweep() {
	now := s.now()
	s.mu.Lock()
	if s.running == nil {
		s.running = map[string]bool{}
	}
	due := map[string][]*schedJob{}
	var rest []*schedJob
	for _, j := range s.queue {
		if j.runAt.After(now) || s.running[j.group] {
			rest = append(rest, j)
			continue
		}
		due[j.group] = append(due[j.group], j)
	}
	s.queue = rest
	for group := range due {
		s.running[group] = true
	}
	s.mu.Unlock()

	for group, jobs := range due {
		sort.SliceStable(jobs, func(i, k int) bool {
			if jobs[i].priority != jobs[k].priority {
				return jobs[i].priority > jobs[k].priority
			}
			if jobs[i].position != jobs[k].position {
				return jobs[i].position < jobs[k].position
			}
			return jobs[i].seq < jobs[k].seq
		})
		go s.runGroup(group, jobs)
	}
}

func (s *Scheduler) runGroup(group string, jobs []*schedJob) {
	defer func() {
		s.mu.Lock()
		delete(s.running, group)
		s.mu.Unlock()
	}()
	for _, j := range jobs {
		s.runOne(j)
	}
}

func (s *Scheduler) runOne(j *schedJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Printf("scheduler: job panicked: %v", r)
		}
	}()
	j.fn()
}

// Pending reports the number of queued jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
