package automation

import (
	"sync"
	"testing"
	"time"
)

// runLog records job executions across scheduler goroutines.
type runLog struct {
	mu    sync.Mutex
	names []string
}

func (l *runLog) add(name string) func() {
	return func() {
		l.mu.Lock()
		l.names = append(l.names, name)
		l.mu.Unlock()
	}
}

func (l *runLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *runLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

func TestSchedulerOrdering(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(50*time.Millisecond, nil)
	s.Now = clock.Now

	var log runLog
	// All due immediately in one group; order must be priority desc,
	// position asc, then enqueue order.
	s.Schedule("g", 0, 0, 2, log.add("p0-pos2"))
	s.Schedule("g", 0, 5, 9, log.add("p5-pos9"))
	s.Schedule("g", 0, 0, 1, log.add("p0-pos1"))
	s.Schedule("g", 0, 5, 1, log.add("p5-pos1"))
	s.Schedule("g", 0, 0, 1, log.add("p0-pos1-second"))

	s.Sweep()
	want := []string{"p5-pos1", "p5-pos9", "p0-pos1", "p0-pos1-second", "p0-pos2"}
	waitFor(t, "group to drain", func() bool { return log.count() == len(want) })
	order := log.snapshot()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSchedulerDelay(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(50*time.Millisecond, nil)
	s.Now = clock.Now

	var log runLog
	s.Schedule("g", time.Second, 0, 0, log.add("late"))
	s.Sweep()
	if log.count() != 0 {
		t.Fatal("job ran before its delay elapsed")
	}
	clock.Advance(time.Second)
	s.Sweep()
	waitFor(t, "delayed job to run", func() bool { return log.count() == 1 })
	if s.Pending() != 0 {
		t.Fatalf("queue not drained: %d pending", s.Pending())
	}
}

func TestSchedulerRunsJobsOnce(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(50*time.Millisecond, nil)
	s.Now = clock.Now

	var log runLog
	s.Schedule("g", 0, 0, 0, log.add("once"))
	s.Sweep()
	waitFor(t, "job to run", func() bool { return log.count() == 1 })
	s.Sweep()
	time.Sleep(20 * time.Millisecond)
	if log.count() != 1 {
		t.Fatalf("job ran %d times", log.count())
	}
}

func TestSchedulerPanicIsolation(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(50*time.Millisecond, nil)
	s.Now = clock.Now

	var log runLog
	s.Schedule("g", 0, 10, 0, func() { panic("boom") })
	s.Schedule("g", 0, 0, 0, log.add("survivor"))
	s.Sweep()
	waitFor(t, "job after panicking job", func() bool { return log.count() == 1 })
}

func TestSchedulerGroupIsolation(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(50*time.Millisecond, nil)
	s.Now = clock.Now

	var log runLog
	release := make(chan struct{})
	started := make(chan struct{})
	s.Schedule("deploys", 0, 0, 0, func() {
		close(started)
		<-release
		log.add("deploy-1")()
	})
	s.Schedule("alerts", 0, 0, 0, log.add("alert-1"))
	s.Sweep()
	<-started

	// the stuck deploys group must not hold up other groups
	waitFor(t, "alerts group to run", func() bool { return log.count() == 1 })

	// more work for the stuck group stays queued across sweeps
	s.Schedule("deploys", 0, 0, 0, log.add("deploy-2"))
	s.Sweep()
	time.Sleep(20 * time.Millisecond)
	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("stuck group ran concurrently: %v", got)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}

	close(release)
	waitFor(t, "released job to finish", func() bool { return log.count() == 2 })
	// once the group is free the queued job runs on the next sweep
	waitFor(t, "queued job to run", func() bool {
		s.Sweep()
		return log.count() == 3
	})
	got := log.snapshot()
	if got[1] != "deploy-1" || got[2] != "deploy-2" {
		t.Fatalf("order %v", got)
	}
}
