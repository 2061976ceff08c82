package positionledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process position ledger used by tests and local
// development. It implements the full Ledger contract, including withdrawal
// capping at the position balance.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	positions  map[int64]*position
	strategies map[string]Strategy

	// FailNextCall, when set, makes the next mutating call fail once.
	// Used to inject cross-ledger failures in tests.
	FailNextCall error
}

type position struct {
	id       int64
	balance  int64
	asset    string
	strategy string
}

func NewMemory(strategies []Strategy) *Memory {
	m := &Memory{
		nextID:     1,
		positions:  make(map[int64]*position),
		strategies: make(map[string]Strategy),
	}
	for _, s := range strategies {
		m.strategies[s.Kind] = s
	}
	return m
}

func (m *Memory) takeInjectedFailure() error {
	err := m.FailNextCall
	m.FailNextCall = nil
	return err
}

func (m *Memory) CreatePosition(ctx context.Context, strategyKind string, funds Funds) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeInjectedFailure(); err != nil {
		return 0, err
	}

	strat, ok := m.strategies[strategyKind]
	if !ok {
		return 0, fmt.Errorf("unknown strategy kind: %s", strategyKind)
	}
	if strat.Asset != funds.Asset {
		return 0, fmt.Errorf("strategy %s expects asset %s, got %s", strategyKind, strat.Asset, funds.Asset)
	}

	id := m.nextID
	m.nextID++
	m.positions[id] = &position{
		id:       id,
		balance:  funds.Amount,
		asset:    funds.Asset,
		strategy: strategyKind,
	}
	return id, nil
}

func (m *Memory) DepositToPosition(ctx context.Context, positionID int64, funds Funds) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeInjectedFailure(); err != nil {
		return err
	}

	pos, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("position %d not found", positionID)
	}
	if pos.asset != funds.Asset {
		return fmt.Errorf("position %d holds %s, got %s", positionID, pos.asset, funds.Asset)
	}
	pos.balance += funds.Amount
	return nil
}

func (m *Memory) WithdrawFromPosition(ctx context.Context, positionID int64, amount int64) (Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeInjectedFailure(); err != nil {
		return Funds{}, err
	}

	pos, ok := m.positions[positionID]
	if !ok {
		return Funds{}, fmt.Errorf("position %d not found", positionID)
	}

	// Cap at the position balance
	actual := amount
	if actual > pos.balance {
		actual = pos.balance
	}
	pos.balance -= actual
	return Funds{Asset: pos.asset, Amount: actual}, nil
}

func (m *Memory) ClosePosition(ctx context.Context, positionID int64) (Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeInjectedFailure(); err != nil {
		return Funds{}, err
	}

	pos, ok := m.positions[positionID]
	if !ok {
		return Funds{}, fmt.Errorf("position %d not found", positionID)
	}
	delete(m.positions, positionID)
	return Funds{Asset: pos.asset, Amount: pos.balance}, nil
}

func (m *Memory) OwnedPositionIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) ResolveStrategy(strategyKind string) (Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	strat, ok := m.strategies[strategyKind]
	if !ok {
		return Strategy{}, fmt.Errorf("unknown strategy kind: %s", strategyKind)
	}
	return strat, nil
}

// Balance returns the current balance of a position (test helper).
func (m *Memory) Balance(positionID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return 0, false
	}
	return pos.balance, true
}
