package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"VaultBridge/internal/request"
	"VaultBridge/internal/scheduler"
	"VaultBridge/internal/worker"
)

// ============================================================================
// Test: threshold table
// ============================================================================

func TestDefaultTable_Delays(t *testing.T) {
	table := scheduler.DefaultTable()

	cases := []struct {
		pending int64
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{4, 60 * time.Second},
		{5, 45 * time.Second},
		{9, 45 * time.Second},
		{10, 30 * time.Second},
		{19, 30 * time.Second},
		{20, 15 * time.Second},
		{49, 15 * time.Second},
		{50, 5 * time.Second},
		{1000, 5 * time.Second},
	}
	for _, c := range cases {
		if got := table.DelayFor(c.pending); got != c.want {
			t.Errorf("DelayFor(%d) = %v, want %v", c.pending, got, c.want)
		}
	}
}

func TestDelayFor_MonotoneInBacklog(t *testing.T) {
	table := scheduler.DefaultTable()

	prev := table.DelayFor(0)
	for pending := int64(1); pending <= 200; pending++ {
		d := table.DelayFor(pending)
		if d > prev {
			t.Fatalf("delay grew with backlog: DelayFor(%d)=%v > DelayFor(%d)=%v",
				pending, d, pending-1, prev)
		}
		prev = d
	}
}

func TestNewThresholdTable_RejectsInvertedDelays(t *testing.T) {
	// A deeper backlog must not wait longer than a shallower one.
	_, err := scheduler.NewThresholdTable([]scheduler.Entry{
		{Threshold: 50, Delay: 30 * time.Second},
		{Threshold: 10, Delay: 5 * time.Second},
	}, 60*time.Second)
	if err == nil {
		t.Fatal("inverted delays should be rejected")
	}

	_, err = scheduler.NewThresholdTable([]scheduler.Entry{
		{Threshold: 10, Delay: 5 * time.Second},
	}, time.Second)
	if err == nil {
		t.Fatal("default delay shorter than table delays should be rejected")
	}
}

func TestNewThresholdTable_SortsInput(t *testing.T) {
	table, err := scheduler.NewThresholdTable([]scheduler.Entry{
		{Threshold: 5, Delay: 45 * time.Second},
		{Threshold: 50, Delay: 5 * time.Second},
		{Threshold: 10, Delay: 30 * time.Second},
	}, 60*time.Second)
	if err != nil {
		t.Fatalf("NewThresholdTable: %v", err)
	}
	if got := table.DelayFor(50); got != 5*time.Second {
		t.Errorf("DelayFor(50) = %v, want 5s", got)
	}
}

// ============================================================================
// Test: prepaid fees
// ============================================================================

func TestPrepaidFees_Exhaustion(t *testing.T) {
	fees := scheduler.NewPrepaidFees(2)

	if err := fees.Debit(); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if err := fees.Debit(); err != nil {
		t.Fatalf("second debit: %v", err)
	}

	err := fees.Debit()
	var serr *request.SchedulingError
	if !errors.As(err, &serr) {
		t.Fatalf("exhausted debit: got %v, want SchedulingError", err)
	}

	fees.TopUp(1)
	if err := fees.Debit(); err != nil {
		t.Fatalf("debit after topup: %v", err)
	}
}

func TestPrepaidFees_Unlimited(t *testing.T) {
	fees := scheduler.NewPrepaidFees(-1)
	for i := 0; i < 100; i++ {
		if err := fees.Debit(); err != nil {
			t.Fatalf("unlimited debit %d: %v", i, err)
		}
	}
	if fees.Remaining() != -1 {
		t.Errorf("Remaining = %d, want -1", fees.Remaining())
	}
}

// ============================================================================
// Test: fan-out
// ============================================================================

type fakeCounter struct {
	mu      sync.Mutex
	pending int64
	calls   int
}

func (c *fakeCounter) GetPendingRequestCount(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.pending, nil
}

type fakeBatcher struct {
	mu      sync.Mutex
	windows [][2]int64
}

func (b *fakeBatcher) ProcessRequests(_ context.Context, start, count int64) (worker.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = append(b.windows, [2]int64{start, count})
	return worker.BatchResult{Processed: int(count)}, nil
}

func (b *fakeBatcher) invocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}

func TestRunOnce_FanOutCappedBySlots(t *testing.T) {
	counter := &fakeCounter{pending: 120}
	batcher := &fakeBatcher{}
	s := scheduler.New(counter, batcher, scheduler.NewPrepaidFees(-1),
		scheduler.DefaultTable(), 1, 3, nil)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// 120 pending / cap 1 wants 120 slots; the ceiling is 3.
	if got := batcher.invocations(); got != 3 {
		t.Fatalf("invocations = %d, want 3", got)
	}

	// Windows are disjoint: starts 0, 1, 2 with count 1.
	starts := map[int64]bool{}
	for _, w := range batcher.windows {
		if w[1] != 1 {
			t.Errorf("window count = %d, want 1", w[1])
		}
		if starts[w[0]] {
			t.Errorf("window start %d assigned twice", w[0])
		}
		starts[w[0]] = true
	}
	for want := int64(0); want < 3; want++ {
		if !starts[want] {
			t.Errorf("missing window start %d", want)
		}
	}
}

func TestRunOnce_PartialBacklogUsesFewerSlots(t *testing.T) {
	counter := &fakeCounter{pending: 120}
	batcher := &fakeBatcher{}
	s := scheduler.New(counter, batcher, scheduler.NewPrepaidFees(-1),
		scheduler.DefaultTable(), 50, 10, nil)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// ceil(120/50) = 3 of the 10 available slots.
	if got := batcher.invocations(); got != 3 {
		t.Fatalf("invocations = %d, want 3", got)
	}
}

func TestRunOnce_EmptyQueueSkipsWorkers(t *testing.T) {
	counter := &fakeCounter{pending: 0}
	batcher := &fakeBatcher{}
	s := scheduler.New(counter, batcher, scheduler.NewPrepaidFees(-1),
		scheduler.DefaultTable(), 50, 4, nil)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := batcher.invocations(); got != 0 {
		t.Fatalf("invocations = %d, want 0 for empty queue", got)
	}
}

// ============================================================================
// Test: loop pause / resume / fees
// ============================================================================

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRun_PausedLoopIgnoresPokes(t *testing.T) {
	counter := &fakeCounter{pending: 10}
	batcher := &fakeBatcher{}
	s := scheduler.New(counter, batcher, scheduler.NewPrepaidFees(-1),
		scheduler.DefaultTable(), 50, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Pause()
	go s.Run(ctx)

	s.Poke()
	time.Sleep(50 * time.Millisecond)
	if got := batcher.invocations(); got != 0 {
		t.Fatalf("paused loop ran %d batches, want 0", got)
	}

	// Resume re-arms explicitly.
	s.Resume()
	waitFor(t, func() bool { return batcher.invocations() > 0 }, "resume should trigger a run")
}

func TestRun_FeeExhaustionIdlesLoop(t *testing.T) {
	counter := &fakeCounter{pending: 10}
	batcher := &fakeBatcher{}
	fees := scheduler.NewPrepaidFees(1)
	s := scheduler.New(counter, batcher, fees,
		scheduler.DefaultTable(), 50, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	// First run consumes the only prepaid fee.
	waitFor(t, func() bool { return batcher.invocations() == 1 }, "first run should fire")

	// Next poke finds the source empty and the loop idles.
	s.Poke()
	waitFor(t, func() bool { return s.Paused() }, "exhausted fees should idle the loop")

	before := batcher.invocations()
	s.Poke()
	time.Sleep(50 * time.Millisecond)
	if got := batcher.invocations(); got != before {
		t.Fatalf("idled loop ran %d more batches", got-before)
	}

	// Top up and resume.
	fees.TopUp(1)
	s.Resume()
	waitFor(t, func() bool { return batcher.invocations() > before }, "topup + resume should run again")
}

func TestRun_PokeTriggersImmediateRun(t *testing.T) {
	counter := &fakeCounter{pending: 0}
	batcher := &fakeBatcher{}
	s := scheduler.New(counter, batcher, scheduler.NewPrepaidFees(-1),
		scheduler.DefaultTable(), 50, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	waitFor(t, func() bool {
		counter.mu.Lock()
		defer counter.mu.Unlock()
		return counter.calls >= 1
	}, "initial run should count the queue")

	counter.mu.Lock()
	counter.pending = 5
	counter.mu.Unlock()

	s.Poke()
	waitFor(t, func() bool { return batcher.invocations() >= 1 }, "poke should trigger a run")
}
