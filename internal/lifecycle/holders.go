// Package lifecycle maintains the cached, derived fields of tokens after
// creation: holder counts and the trailing 24h volume and price change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// ErrTokenNotFound is returned for an unknown token address.
var ErrTokenNotFound = errors.New("token not found")

// HolderCounter recomputes Token.HolderCount from positions.
type HolderCounter struct {
	ledger storage.Ledger
	logger *zap.Logger
}

// NewHolderCounter creates a new HolderCounter.
func NewHolderCounter(ledger storage.Ledger, logger *zap.Logger) *HolderCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HolderCounter{ledger: ledger, logger: logger}
}

// Recompute sets the token's holder count to the number of distinct agents
// with a positive amount and returns it. The creator is counted only once
// they hold units.
func (h *HolderCounter) Recompute(ctx context.Context, address string) (int64, error) {
	var holders int64
	err := h.ledger.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.LockToken(ctx, address)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTokenNotFound, address)
		}
		if err != nil {
			return fmt.Errorf("lock token: %w", err)
		}

		changed, err := h.reconcile(ctx, tx, tok)
		if err != nil {
			return err
		}
		holders = tok.HolderCount
		if !changed {
			return nil
		}
		return tx.UpdateToken(ctx, tok)
	})
	if err != nil {
		return 0, err
	}
	return holders, nil
}

// reconcile sets tok.HolderCount from the positions visible to tx and
// reports whether it changed. tok must be locked in tx.
func (h *HolderCounter) reconcile(ctx context.Context, tx storage.Tx, tok *domain.Token) (bool, error) {
	holders, err := tx.CountHolders(ctx, tok.Address)
	if err != nil {
		return false, fmt.Errorf("count holders: %w", err)
	}
	if tok.HolderCount == holders {
		return false, nil
	}

	h.logger.Warn("Holder count drift corrected",
		zap.String("token", tok.Address),
		zap.Int64("cached", tok.HolderCount),
		zap.Int64("actual", holders))
	tok.HolderCount = holders
	return true, nil
}
