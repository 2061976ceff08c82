package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"VaultBridge/internal/observability"
	"VaultBridge/internal/worker"

	"github.com/rs/zerolog"
)

// Batcher settles one page of the pending queue. *worker.Worker satisfies
// it.
type Batcher interface {
	ProcessRequests(ctx context.Context, start, count int64) (worker.BatchResult, error)
}

// PendingCounter reports the pending queue depth.
type PendingCounter interface {
	GetPendingRequestCount(ctx context.Context) (int64, error)
}

// Scheduler drives settlement with a single long-lived timer loop. After
// each run it re-arms with a delay from the threshold table, so a deep
// backlog is drained on short intervals and an idle queue is polled slowly.
// Each run fans out to parallel worker slots over disjoint queue windows.
//
// Pausing stops the loop without tearing it down; resuming re-arms it
// explicitly. An exhausted fee source behaves like a pause.
type Scheduler struct {
	counter PendingCounter
	batcher Batcher
	fees    FeeSource

	mu       sync.Mutex
	table    ThresholdTable
	batchCap int64
	maxSlots int

	paused  bool
	pokeCh  chan struct{}
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(
	counter PendingCounter,
	batcher Batcher,
	fees FeeSource,
	table ThresholdTable,
	batchCap int64,
	maxSlots int,
	metrics *observability.Metrics,
) *Scheduler {
	if batchCap < 1 {
		batchCap = 1
	}
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &Scheduler{
		counter:  counter,
		batcher:  batcher,
		fees:     fees,
		table:    table,
		batchCap: batchCap,
		maxSlots: maxSlots,
		pokeCh:   make(chan struct{}, 1),
		logger:   observability.NewLogger("scheduler"),
		metrics:  metrics,
	}
}

// Run executes the timer loop until ctx is cancelled. The first run fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	s.logger.Info().Msg("scheduler loop armed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			if delay, ok := s.tick(ctx); ok {
				timer.Reset(delay)
			}
			// Not ok: paused or out of fees. The loop idles until a
			// poke re-arms it.

		case <-s.pokeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if delay, ok := s.tick(ctx); ok {
				timer.Reset(delay)
			}
		}
	}
}

// tick performs one scheduled run. Returns the next delay and whether the
// loop should re-arm.
func (s *Scheduler) tick(ctx context.Context) (time.Duration, bool) {
	s.mu.Lock()
	paused := s.paused
	table := s.table
	s.mu.Unlock()

	if paused {
		return 0, false
	}

	if err := s.fees.Debit(); err != nil {
		s.logger.Warn().Err(err).Msg("run fee rejected, loop idling")
		if s.metrics != nil {
			s.metrics.SchedulingFailures.Inc()
		}
		s.setPaused(true)
		return 0, false
	}

	pending, err := s.counter.GetPendingRequestCount(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending count failed")
		return table.DelayFor(0), true
	}
	if s.metrics != nil {
		s.metrics.PendingRequests.Set(float64(pending))
		s.metrics.BatchRuns.Inc()
	}

	if pending > 0 {
		s.fanOut(ctx, pending)
		// Re-count so the next delay reflects what the run left behind.
		if after, err := s.counter.GetPendingRequestCount(ctx); err == nil {
			pending = after
			if s.metrics != nil {
				s.metrics.PendingRequests.Set(float64(pending))
			}
		}
	}

	delay := table.DelayFor(pending)
	if s.metrics != nil {
		s.metrics.ScheduleDelay.Set(delay.Seconds())
	}
	s.logger.Debug().Int64("pending", pending).Dur("next_delay", delay).Msg("run complete")
	return delay, true
}

// fanOut splits the backlog into disjoint windows of batchCap requests and
// settles up to maxSlots of them in parallel. Windows never overlap, so two
// slots cannot race on the same request.
func (s *Scheduler) fanOut(ctx context.Context, pending int64) {
	s.mu.Lock()
	batchCap := s.batchCap
	maxSlots := s.maxSlots
	s.mu.Unlock()

	slots := int(math.Ceil(float64(pending) / float64(batchCap)))
	if slots > maxSlots {
		slots = maxSlots
	}
	if s.metrics != nil {
		s.metrics.BatchFanout.Observe(float64(slots))
	}

	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			start := int64(slot) * batchCap
			res, err := s.batcher.ProcessRequests(ctx, start, batchCap)
			if err != nil {
				s.logger.Error().Err(err).Int("slot", slot).Msg("batch failed")
				return
			}
			s.logger.Debug().
				Int("slot", slot).
				Int("processed", res.Processed).
				Int("succeeded", res.Succeeded).
				Int("failed", res.Failed).
				Msg("batch complete")
		}(i)
	}
	wg.Wait()
}

// Poke requests an immediate run, e.g. when a new request is submitted. A
// paused loop ignores pokes until resumed.
func (s *Scheduler) Poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

// Pause stops the loop after the current run. In-flight batches finish.
func (s *Scheduler) Pause() {
	s.setPaused(true)
	s.logger.Info().Msg("scheduler paused")
}

// Resume clears the pause and re-arms the loop with an immediate run.
func (s *Scheduler) Resume() {
	s.setPaused(false)
	s.logger.Info().Msg("scheduler resumed")
	s.Poke()
}

// Paused reports whether the loop is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	if s.metrics != nil {
		if paused {
			s.metrics.SchedulerPaused.Set(1)
		} else {
			s.metrics.SchedulerPaused.Set(0)
		}
	}
}

// SetMaxParallel adjusts the fan-out cap at runtime.
func (s *Scheduler) SetMaxParallel(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxSlots = n
	s.mu.Unlock()
}

// SetTable swaps the delay table at runtime.
func (s *Scheduler) SetTable(t ThresholdTable) {
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
}

// RunOnce performs a single unscheduled run, bypassing pause and fees.
// Administrative.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	pending, err := s.counter.GetPendingRequestCount(ctx)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		s.fanOut(ctx, pending)
	}
	return pending, nil
}
