package requestledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"

	"github.com/google/uuid"
)

// Store is the Postgres-backed request ledger: the durable request log of
// the settlement saga. Pending requests form the queue; terminal requests
// are never deleted so the ledger doubles as the audit trail.
type Store struct {
	db            *sql.DB
	authorized    uuid.UUID
	leaseDuration time.Duration
}

func NewStore(db *sql.DB, authorized uuid.UUID, leaseDuration time.Duration) *Store {
	return &Store{db: db, authorized: authorized, leaseDuration: leaseDuration}
}

const requestColumns = `id, requester, kind, status, asset, amount, position_id,
	position_kind, strategy_kind, created_at, status_message, lease_expires_at`

func (s *Store) CreateRequest(ctx context.Context, p CreateParams) (int64, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var isBlocked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM vault.blocked_users WHERE requester = $1)`,
		p.Requester,
	).Scan(&isBlocked); err != nil {
		return 0, err
	}
	if isBlocked {
		return 0, &request.AuthorizationError{Op: "CreateRequest", Caller: p.Requester.String()}
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO vault.requests
			(requester, kind, status, asset, amount, position_id, position_kind, strategy_kind, created_at, status_message)
		VALUES ($1, $2, 'Pending', $3, $4, $5, $6, $7, NOW(), '')
		RETURNING id`,
		p.Requester, p.Kind.String(), p.Asset, p.Amount,
		nullableID(p.PositionID), p.PositionKind, p.StrategyKind,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}

	if escrowing(p.Kind) {
		if err := adjustEscrow(ctx, tx, p.Requester, p.Asset, p.Amount); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CancelRequest(ctx context.Context, caller uuid.UUID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var requester uuid.UUID
	var kind, asset string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE vault.requests
		SET status = 'Failed', status_message = 'cancelled by requester'
		WHERE id = $1 AND status = 'Pending' AND requester = $2
		RETURNING requester, kind, asset, amount`,
		id, caller,
	).Scan(&requester, &kind, &asset, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyCancelFailure(ctx, caller, id)
	}
	if err != nil {
		return err
	}

	if escrowing(request.ParseKind(kind)) {
		if err := adjustEscrow(ctx, tx, requester, asset, -amount); err != nil {
			return err
		}
		if err := creditUser(ctx, tx, requester, asset, amount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// classifyCancelFailure distinguishes not-found, wrong-caller, and
// not-pending once the guarded update matched nothing.
func (s *Store) classifyCancelFailure(ctx context.Context, caller uuid.UUID, id int64) error {
	var requester uuid.UUID
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT requester, status FROM vault.requests WHERE id = $1`, id,
	).Scan(&requester, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return request.ErrNotFound
	}
	if err != nil {
		return err
	}
	if requester != caller {
		return &request.AuthorizationError{Op: "CancelRequest", Caller: caller.String()}
	}
	return request.ErrNotPending
}

func (s *Store) GetRequest(ctx context.Context, id int64) (request.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM vault.requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return request.Request{}, request.ErrNotFound
	}
	return req, err
}

func (s *Store) GetPendingRequests(ctx context.Context, start, count int64) ([]request.Request, error) {
	if start < 0 || count <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM vault.requests
		WHERE status = 'Pending'
		ORDER BY id
		OFFSET $1 LIMIT $2`,
		start, count,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) GetPendingRequestCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vault.requests WHERE status = 'Pending'`,
	).Scan(&count)
	return count, err
}

func (s *Store) StartProcessing(ctx context.Context, caller uuid.UUID, id int64) error {
	if err := s.authorize("StartProcessing", caller); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var requester uuid.UUID
	var kind, asset string
	var amount int64
	// Guarded transition: matches only while Pending, so a second call
	// cannot deduct escrow twice.
	err = tx.QueryRowContext(ctx, `
		UPDATE vault.requests
		SET status = 'Processing',
		    lease_expires_at = NOW() + make_interval(secs => $2),
		    vault_amount = CASE WHEN kind IN ('Create', 'Deposit') THEN amount ELSE 0 END
		WHERE id = $1 AND status = 'Pending'
		RETURNING requester, kind, asset, amount`,
		id, s.leaseDuration.Seconds(),
	).Scan(&requester, &kind, &asset, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		if !s.requestExists(ctx, id) {
			return request.ErrNotFound
		}
		return fmt.Errorf("request %d: %w", id, request.ErrNotPending)
	}
	if err != nil {
		return err
	}

	if escrowing(request.ParseKind(kind)) {
		if err := adjustEscrow(ctx, tx, requester, asset, -amount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CompleteProcessing(ctx context.Context, caller uuid.UUID, id int64, success bool, positionID *int64, message string) error {
	if err := s.authorize("CompleteProcessing", caller); err != nil {
		return err
	}
	return s.finalize(ctx, id, success, positionID, message)
}

func (s *Store) ForceFail(ctx context.Context, caller uuid.UUID, id int64, message string) error {
	if err := s.authorize("ForceFail", caller); err != nil {
		return err
	}
	return s.finalize(ctx, id, false, nil, message)
}

// finalize applies the Processing → terminal transition, refunds any custody
// still in the vault on failure, and maintains the ownership mirror.
func (s *Store) finalize(ctx context.Context, id int64, success bool, positionID *int64, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := "Failed"
	if success {
		status = "Completed"
	}

	// Lock and read the pre-update row first: RETURNING would yield the
	// post-update vault_amount, losing the refundable custody.
	var requester uuid.UUID
	var curStatus, kind, asset string
	var vaultAmount int64
	var prevPositionID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT requester, status, kind, asset, vault_amount, position_id
		FROM vault.requests WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&requester, &curStatus, &kind, &asset, &vaultAmount, &prevPositionID)
	if errors.Is(err, sql.ErrNoRows) {
		return request.ErrNotFound
	}
	if err != nil {
		return err
	}
	if curStatus != "Processing" {
		return fmt.Errorf("request %d: %w", id, request.ErrNotProcessing)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE vault.requests
		SET status = $2,
		    status_message = $3,
		    position_id = COALESCE($4, position_id),
		    lease_expires_at = NULL,
		    vault_amount = 0
		WHERE id = $1`,
		id, status, message, nullableID(positionID),
	); err != nil {
		return err
	}

	if success {
		switch request.ParseKind(kind) {
		case request.KindCreate:
			if positionID != nil {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO vault.ownership (requester, position_id)
					VALUES ($1, $2) ON CONFLICT DO NOTHING`,
					requester, *positionID,
				); err != nil {
					return err
				}
			}
		case request.KindClose:
			if prevPositionID.Valid {
				if _, err := tx.ExecContext(ctx, `
					DELETE FROM vault.ownership
					WHERE requester = $1 AND position_id = $2`,
					requester, prevPositionID.Int64,
				); err != nil {
					return err
				}
			}
		}
	} else if vaultAmount > 0 {
		if err := creditUser(ctx, tx, requester, asset, vaultAmount); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetPositionIDsForUser(ctx context.Context, user uuid.UUID) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position_id FROM vault.ownership WHERE requester = $1 ORDER BY position_id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DoesUserOwnPosition(ctx context.Context, user uuid.UUID, positionID int64) (bool, error) {
	var owns bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM vault.ownership WHERE requester = $1 AND position_id = $2)`,
		user, positionID,
	).Scan(&owns)
	return owns, err
}

func (s *Store) ListOwnership(ctx context.Context) (map[uuid.UUID][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT requester, position_id FROM vault.ownership ORDER BY requester, position_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]int64)
	for rows.Next() {
		var user uuid.UUID
		var id int64
		if err := rows.Scan(&user, &id); err != nil {
			return nil, err
		}
		out[user] = append(out[user], id)
	}
	return out, rows.Err()
}

func (s *Store) GetUserPendingBalance(ctx context.Context, user uuid.UUID, asset string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM vault.escrow WHERE requester = $1 AND asset = $2`,
		user, asset,
	).Scan(&amount)
	return amount, err
}

// GetUserBalance returns the withdrawable balance credited to user by
// settlements and refunds.
func (s *Store) GetUserBalance(ctx context.Context, user uuid.UUID, asset string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM vault.user_balances
		WHERE requester = $1 AND asset = $2`,
		user, asset,
	).Scan(&amount)
	return amount, err
}

func (s *Store) ExpiredProcessing(ctx context.Context, now time.Time) ([]request.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM vault.requests
		WHERE status = 'Processing' AND lease_expires_at < $1
		ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) VaultWithdraw(ctx context.Context, caller uuid.UUID, requestID int64) (positionledger.Funds, error) {
	if err := s.authorize("VaultWithdraw", caller); err != nil {
		return positionledger.Funds{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return positionledger.Funds{}, err
	}
	defer tx.Rollback()

	var asset string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		SELECT asset, vault_amount FROM vault.requests
		WHERE id = $1 FOR UPDATE`,
		requestID,
	).Scan(&asset, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return positionledger.Funds{}, request.ErrNotFound
	}
	if err != nil {
		return positionledger.Funds{}, err
	}
	if amount <= 0 {
		return positionledger.Funds{}, fmt.Errorf("request %d has no vault custody", requestID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vault.requests SET vault_amount = 0 WHERE id = $1`, requestID,
	); err != nil {
		return positionledger.Funds{}, err
	}
	if err := tx.Commit(); err != nil {
		return positionledger.Funds{}, err
	}
	return positionledger.Funds{Asset: asset, Amount: amount}, nil
}

func (s *Store) CreditUser(ctx context.Context, caller uuid.UUID, user uuid.UUID, asset string, amount int64) error {
	if err := s.authorize("CreditUser", caller); err != nil {
		return err
	}
	if amount < 0 {
		return &request.ValidationError{Reason: "credit amount must be non-negative"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := creditUser(ctx, tx, user, asset, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RegisterAsset(ctx context.Context, cfg AssetConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault.assets (code, position_kind) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET position_kind = EXCLUDED.position_kind`,
		cfg.Code, cfg.PositionKind,
	)
	return err
}

func (s *Store) AssetConfig(ctx context.Context, asset string) (AssetConfig, error) {
	var cfg AssetConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT code, position_kind FROM vault.assets WHERE code = $1`, asset,
	).Scan(&cfg.Code, &cfg.PositionKind)
	if errors.Is(err, sql.ErrNoRows) {
		return AssetConfig{}, fmt.Errorf("asset %s not configured", asset)
	}
	return cfg, err
}

func (s *Store) SetBlocked(ctx context.Context, user uuid.UUID, blocked bool) error {
	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO vault.blocked_users (requester) VALUES ($1) ON CONFLICT DO NOTHING`, user)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM vault.blocked_users WHERE requester = $1`, user)
	}
	return err
}

func (s *Store) authorize(op string, caller uuid.UUID) error {
	if caller != s.authorized {
		return &request.AuthorizationError{Op: op, Caller: caller.String()}
	}
	return nil
}

func (s *Store) requestExists(ctx context.Context, id int64) bool {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM vault.requests WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false
	}
	return exists
}

func adjustEscrow(ctx context.Context, tx *sql.Tx, user uuid.UUID, asset string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.escrow (requester, asset, amount) VALUES ($1, $2, $3)
		ON CONFLICT (requester, asset) DO UPDATE SET amount = vault.escrow.amount + $3`,
		user, asset, delta,
	)
	return err
}

func creditUser(ctx context.Context, tx *sql.Tx, user uuid.UUID, asset string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.user_balances (requester, asset, amount) VALUES ($1, $2, $3)
		ON CONFLICT (requester, asset) DO UPDATE SET amount = vault.user_balances.amount + $3`,
		user, asset, amount,
	)
	return err
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (request.Request, error) {
	var req request.Request
	var kind, status string
	var positionID sql.NullInt64
	var lease sql.NullTime

	err := row.Scan(
		&req.ID, &req.Requester, &kind, &status, &req.Asset, &req.Amount,
		&positionID, &req.PositionKind, &req.StrategyKind,
		&req.CreatedAt, &req.StatusMessage, &lease,
	)
	if err != nil {
		return request.Request{}, err
	}

	req.Kind = request.ParseKind(kind)
	req.Status = parseStatus(status)
	if positionID.Valid {
		v := positionID.Int64
		req.PositionID = &v
	}
	if lease.Valid {
		req.LeaseExpiresAt = lease.Time
	}
	return req, nil
}

func parseStatus(s string) request.Status {
	switch s {
	case "Pending":
		return request.StatusPending
	case "Processing":
		return request.StatusProcessing
	case "Completed":
		return request.StatusCompleted
	case "Failed":
		return request.StatusFailed
	default:
		return request.StatusUnknown
	}
}
