package scheduler

import (
	"sync"

	"VaultBridge/internal/request"
)

// FeeSource pays for scheduler runs. Debit is called once per re-arm; a
// SchedulingError means the source is exhausted and the loop must stop
// re-arming until topped up.
type FeeSource interface {
	Debit() error
}

// PrepaidFees is a FeeSource backed by a prepaid run counter. A negative
// initial balance means unlimited runs.
type PrepaidFees struct {
	mu        sync.Mutex
	remaining int64
	unlimited bool
}

func NewPrepaidFees(runs int64) *PrepaidFees {
	return &PrepaidFees{remaining: runs, unlimited: runs < 0}
}

func (p *PrepaidFees) Debit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unlimited {
		return nil
	}
	if p.remaining <= 0 {
		return &request.SchedulingError{Reason: "prepaid run balance exhausted"}
	}
	p.remaining--
	return nil
}

// TopUp adds runs to the balance.
func (p *PrepaidFees) TopUp(runs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if runs > 0 {
		p.remaining += runs
	}
}

// Remaining returns the current balance. Negative means unlimited.
func (p *PrepaidFees) Remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlimited {
		return -1
	}
	return p.remaining
}
