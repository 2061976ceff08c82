package bridge

import (
	"context"
	"fmt"

	"VaultBridge/internal/positionledger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Account is the dual-ledger capability held exclusively by the worker. It
// is the only identity authorized to move value out of the request ledger's
// escrow vault and to credit value back to requesters.
type Account interface {
	// ID is the identity used for privileged request-ledger transitions.
	ID() uuid.UUID

	// Pull moves a request's deducted escrow from the vault into worker
	// custody. The vault tracks custody per request id, so a later
	// failure-path refund cannot double-pay funds already pulled.
	Pull(ctx context.Context, requestID int64) (positionledger.Funds, error)

	// PushToUser credits funds to the requester in one atomic call. Used
	// for refunds and for delivering withdrawn/closed balances; there is
	// no intermediate custody window on the request-ledger side.
	PushToUser(ctx context.Context, user uuid.UUID, funds positionledger.Funds) error
}

// Vault is the custody surface the request ledger exposes to the bridge.
type Vault interface {
	VaultWithdraw(ctx context.Context, caller uuid.UUID, requestID int64) (positionledger.Funds, error)
	CreditUser(ctx context.Context, caller uuid.UUID, user uuid.UUID, asset string, amount int64) error
}

// LedgerBridge is the concrete bridge account. Cross-ledger calls are rate
// limited so a deep backlog cannot saturate either ledger's transport.
type LedgerBridge struct {
	id      uuid.UUID
	vault   Vault
	limiter *rate.Limiter
}

// NewLedgerBridge creates a bridge account. callsPerSec <= 0 disables
// rate limiting.
func NewLedgerBridge(id uuid.UUID, vault Vault, callsPerSec float64, burst int) *LedgerBridge {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if callsPerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(callsPerSec), burst)
	}
	return &LedgerBridge{id: id, vault: vault, limiter: limiter}
}

func (b *LedgerBridge) ID() uuid.UUID { return b.id }

func (b *LedgerBridge) Pull(ctx context.Context, requestID int64) (positionledger.Funds, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return positionledger.Funds{}, err
	}
	funds, err := b.vault.VaultWithdraw(ctx, b.id, requestID)
	if err != nil {
		return positionledger.Funds{}, fmt.Errorf("vault withdraw for request %d: %w", requestID, err)
	}
	return funds, nil
}

func (b *LedgerBridge) PushToUser(ctx context.Context, user uuid.UUID, funds positionledger.Funds) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.vault.CreditUser(ctx, b.id, user, funds.Asset, funds.Amount); err != nil {
		return fmt.Errorf("credit user %s: %w", user, err)
	}
	return nil
}
