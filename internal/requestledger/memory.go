package requestledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"

	"github.com/google/uuid"
)

type balanceKey struct {
	User  uuid.UUID
	Asset string
}

// Memory is a full-semantics in-memory request ledger. It enforces the same
// transitions, escrow accounting, and authorization as the Postgres Store,
// and backs the worker and scheduler tests.
type Memory struct {
	mu sync.Mutex

	authorized    uuid.UUID
	leaseDuration time.Duration
	nextID        int64

	requests map[int64]*request.Request
	pending  []int64 // queue order (insertion/id order)

	escrow   map[balanceKey]int64 // attached funds awaiting processing
	vault    map[int64]int64      // request id → custody deducted at start
	balances map[balanceKey]int64 // funds credited back to users

	ownership map[uuid.UUID]map[int64]bool // ledger-side boolean mirror
	assets    map[string]AssetConfig
	blocked   map[uuid.UUID]bool

	now func() time.Time
}

func NewMemory(authorized uuid.UUID, leaseDuration time.Duration) *Memory {
	return &Memory{
		authorized:    authorized,
		leaseDuration: leaseDuration,
		nextID:        1,
		requests:      make(map[int64]*request.Request),
		escrow:        make(map[balanceKey]int64),
		vault:         make(map[int64]int64),
		balances:      make(map[balanceKey]int64),
		ownership:     make(map[uuid.UUID]map[int64]bool),
		assets:        make(map[string]AssetConfig),
		blocked:       make(map[uuid.UUID]bool),
		now:           time.Now,
	}
}

// SetClock overrides the time source (lease expiry tests).
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) CreateRequest(ctx context.Context, p CreateParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocked[p.Requester] {
		return 0, &request.AuthorizationError{Op: "CreateRequest", Caller: p.Requester.String()}
	}
	if p.Kind == request.KindUnknown {
		return 0, &request.ValidationError{Reason: "unknown request kind"}
	}
	if p.Kind != request.KindClose && p.Amount <= 0 {
		return 0, &request.ValidationError{Reason: "amount must be positive"}
	}
	if p.Asset == request.AssetNative && escrowing(p.Kind) && p.AttachedValue != p.Amount {
		return 0, &request.ValidationError{
			Reason: fmt.Sprintf("attached value %d does not match amount %d", p.AttachedValue, p.Amount),
		}
	}

	id := m.nextID
	m.nextID++

	req := &request.Request{
		ID:           id,
		Requester:    p.Requester,
		Kind:         p.Kind,
		Status:       request.StatusPending,
		Asset:        p.Asset,
		Amount:       p.Amount,
		PositionID:   copyID(p.PositionID),
		PositionKind: p.PositionKind,
		StrategyKind: p.StrategyKind,
		CreatedAt:    m.now(),
	}
	m.requests[id] = req
	m.pending = append(m.pending, id)

	if escrowing(p.Kind) {
		m.escrow[balanceKey{p.Requester, p.Asset}] += p.Amount
	}
	return id, nil
}

func (m *Memory) CancelRequest(ctx context.Context, caller uuid.UUID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return request.ErrNotFound
	}
	if req.Requester != caller {
		return &request.AuthorizationError{Op: "CancelRequest", Caller: caller.String()}
	}
	if req.Status != request.StatusPending {
		return request.ErrNotPending
	}

	if escrowing(req.Kind) {
		key := balanceKey{req.Requester, req.Asset}
		m.escrow[key] -= req.Amount
		m.balances[key] += req.Amount
	}
	req.Status = request.StatusFailed
	req.StatusMessage = "cancelled by requester"
	m.removePending(id)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id int64) (request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return request.Request{}, request.ErrNotFound
	}
	return *req, nil
}

func (m *Memory) GetPendingRequests(ctx context.Context, start, count int64) ([]request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start < 0 || count <= 0 || start >= int64(len(m.pending)) {
		return nil, nil
	}
	end := start + count
	if end > int64(len(m.pending)) {
		end = int64(len(m.pending))
	}

	out := make([]request.Request, 0, end-start)
	for _, id := range m.pending[start:end] {
		out = append(out, *m.requests[id])
	}
	return out, nil
}

func (m *Memory) GetPendingRequestCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

func (m *Memory) StartProcessing(ctx context.Context, caller uuid.UUID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize("StartProcessing", caller); err != nil {
		return err
	}
	req, ok := m.requests[id]
	if !ok {
		return request.ErrNotFound
	}
	if req.Status != request.StatusPending {
		return fmt.Errorf("request %d: %w", id, request.ErrNotPending)
	}

	req.Status = request.StatusProcessing
	req.LeaseExpiresAt = m.now().Add(m.leaseDuration)

	if escrowing(req.Kind) {
		m.escrow[balanceKey{req.Requester, req.Asset}] -= req.Amount
		m.vault[id] = req.Amount
	}
	return nil
}

func (m *Memory) CompleteProcessing(ctx context.Context, caller uuid.UUID, id int64, success bool, positionID *int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize("CompleteProcessing", caller); err != nil {
		return err
	}
	req, ok := m.requests[id]
	if !ok {
		return request.ErrNotFound
	}
	if req.Status != request.StatusProcessing {
		return fmt.Errorf("request %d: %w", id, request.ErrNotProcessing)
	}

	m.finalizeLocked(req, success, positionID, message)
	return nil
}

// finalizeLocked applies the terminal transition. Caller holds m.mu.
func (m *Memory) finalizeLocked(req *request.Request, success bool, positionID *int64, message string) {
	if success {
		req.Status = request.StatusCompleted
		if positionID != nil {
			req.PositionID = copyID(positionID)
		}
		switch req.Kind {
		case request.KindCreate:
			if positionID != nil {
				m.registerLocked(req.Requester, *positionID)
			}
		case request.KindClose:
			if req.PositionID != nil {
				m.deregisterLocked(req.Requester, *req.PositionID)
			}
		}
		delete(m.vault, req.ID)
	} else {
		req.Status = request.StatusFailed
		// Refund whatever custody the bridge has not pulled. Funds the
		// handler already pulled were pushed back by the handler itself.
		if remaining := m.vault[req.ID]; remaining > 0 {
			m.balances[balanceKey{req.Requester, req.Asset}] += remaining
		}
		delete(m.vault, req.ID)
	}
	req.StatusMessage = message
	req.LeaseExpiresAt = time.Time{}
	m.removePending(req.ID)
}

func (m *Memory) GetPositionIDsForUser(ctx context.Context, user uuid.UUID) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.ownership[user]
	ids := make([]int64, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) DoesUserOwnPosition(ctx context.Context, user uuid.UUID, positionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownership[user][positionID], nil
}

func (m *Memory) ListOwnership(ctx context.Context) (map[uuid.UUID][]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uuid.UUID][]int64, len(m.ownership))
	for user, owned := range m.ownership {
		ids := make([]int64, 0, len(owned))
		for id := range owned {
			ids = append(ids, id)
		}
		out[user] = ids
	}
	return out, nil
}

func (m *Memory) GetUserPendingBalance(ctx context.Context, user uuid.UUID, asset string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrow[balanceKey{user, asset}], nil
}

// UserBalance returns funds credited back to a user (refunds, withdrawals).
func (m *Memory) UserBalance(user uuid.UUID, asset string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{user, asset}]
}

func (m *Memory) ExpiredProcessing(ctx context.Context, now time.Time) ([]request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []request.Request
	for _, req := range m.requests {
		if req.Status == request.StatusProcessing && req.LeaseExpiresAt.Before(now) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *Memory) ForceFail(ctx context.Context, caller uuid.UUID, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize("ForceFail", caller); err != nil {
		return err
	}
	req, ok := m.requests[id]
	if !ok {
		return request.ErrNotFound
	}
	if req.Status != request.StatusProcessing {
		return fmt.Errorf("request %d: %w", id, request.ErrNotProcessing)
	}

	m.finalizeLocked(req, false, nil, message)
	return nil
}

func (m *Memory) VaultWithdraw(ctx context.Context, caller uuid.UUID, requestID int64) (positionledger.Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize("VaultWithdraw", caller); err != nil {
		return positionledger.Funds{}, err
	}
	req, ok := m.requests[requestID]
	if !ok {
		return positionledger.Funds{}, request.ErrNotFound
	}
	amount := m.vault[requestID]
	if amount <= 0 {
		return positionledger.Funds{}, fmt.Errorf("request %d has no vault custody", requestID)
	}
	delete(m.vault, requestID)
	return positionledger.Funds{Asset: req.Asset, Amount: amount}, nil
}

func (m *Memory) CreditUser(ctx context.Context, caller uuid.UUID, user uuid.UUID, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize("CreditUser", caller); err != nil {
		return err
	}
	if amount < 0 {
		return &request.ValidationError{Reason: "credit amount must be non-negative"}
	}
	m.balances[balanceKey{user, asset}] += amount
	return nil
}

func (m *Memory) RegisterAsset(ctx context.Context, cfg AssetConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[cfg.Code] = cfg
	return nil
}

func (m *Memory) AssetConfig(ctx context.Context, asset string) (AssetConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.assets[asset]
	if !ok {
		return AssetConfig{}, fmt.Errorf("asset %s not configured", asset)
	}
	return cfg, nil
}

func (m *Memory) SetBlocked(ctx context.Context, user uuid.UUID, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blocked {
		m.blocked[user] = true
	} else {
		delete(m.blocked, user)
	}
	return nil
}

func (m *Memory) authorize(op string, caller uuid.UUID) error {
	if caller != m.authorized {
		return &request.AuthorizationError{Op: op, Caller: caller.String()}
	}
	return nil
}

func (m *Memory) registerLocked(user uuid.UUID, positionID int64) {
	owned := m.ownership[user]
	if owned == nil {
		owned = make(map[int64]bool)
		m.ownership[user] = owned
	}
	owned[positionID] = true
}

func (m *Memory) deregisterLocked(user uuid.UUID, positionID int64) {
	owned := m.ownership[user]
	delete(owned, positionID)
	if len(owned) == 0 {
		delete(m.ownership, user)
	}
}

func (m *Memory) removePending(id int64) {
	for i, pid := range m.pending {
		if pid == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
