package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// Roller defaults.
const (
	DefaultInterval = time.Minute
	DefaultWindow   = 24 * time.Hour
)

// bpsScale is the number of basis points in 100%.
const bpsScale = 10_000

// RollerOptions contains configuration for creating a Roller.
type RollerOptions struct {
	Ledger    storage.Ledger
	Window    storage.TradeWindowReader // Default: Ledger
	Publisher events.Publisher
	Logger    *zap.Logger
	Clock     func() int64  // ms, default domain.NowMs
	Interval  time.Duration // Default: 1m
	Period    time.Duration // trailing window, default 24h
}

// Roller periodically recomputes Volume24h, PriceChange24hBps and
// HolderCount of every token from the trade ledger. Trades keep these
// fields current incrementally; the roller ages trades out of the window
// and repairs drift.
type Roller struct {
	ledger    storage.Ledger
	window    storage.TradeWindowReader
	publisher events.Publisher
	holders   *HolderCounter
	logger    *zap.Logger
	now       func() int64
	interval  time.Duration
	period    time.Duration
}

// RollupStats summarizes one pass.
type RollupStats struct {
	Tokens  int
	Updated int
	Skipped int // tokens traded during the pass, left for the next one
	Lagging int // tokens whose window source is behind the ledger
}

// NewRoller creates a new Roller.
func NewRoller(opts RollerOptions) *Roller {
	r := &Roller{
		ledger:    opts.Ledger,
		window:    opts.Window,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Clock,
		interval:  opts.Interval,
		period:    opts.Period,
	}
	if r.window == nil {
		r.window = opts.Ledger
	}
	if r.publisher == nil {
		r.publisher = events.Nop{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("roller")
	r.holders = NewHolderCounter(opts.Ledger, r.logger)
	if r.now == nil {
		r.now = domain.NowMs
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.period <= 0 {
		r.period = DefaultWindow
	}
	return r
}

// Run rolls up on every interval until ctx is cancelled.
func (r *Roller) Run(ctx context.Context) error {
	r.logger.Info("Roller started",
		zap.Duration("interval", r.interval),
		zap.Duration("window", r.period))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Roller stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Rollup failed", zap.Error(err))
			}
		}
	}
}

// RollOnce runs a single pass over all tokens.
func (r *Roller) RollOnce(ctx context.Context) (RollupStats, error) {
	start := time.Now()
	var stats RollupStats

	tokens, err := r.ledger.ListTokens(ctx, storage.ListTokensOptions{})
	if err != nil {
		observability.RecordRollup("error", time.Since(start).Seconds(), 0)
		return stats, fmt.Errorf("list tokens: %w", err)
	}

	var errs []error
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Tokens++

		res, err := r.rollToken(ctx, tok)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tok.Address, err))
			continue
		}
		if res.lagging {
			stats.Lagging++
		}
		switch {
		case res.skipped:
			stats.Skipped++
		case res.updated:
			stats.Updated++
		}
	}

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	observability.RecordRollup(status, time.Since(start).Seconds(), time.Now().Unix())

	r.logger.Debug("Rollup complete",
		zap.Int("tokens", stats.Tokens),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("lagging", stats.Lagging),
		zap.Duration("took", time.Since(start)))

	return stats, errors.Join(errs...)
}

type rollResult struct {
	updated bool
	skipped bool
	lagging bool
}

// rollToken corrects one token. The window aggregate is read outside the
// transaction, so the write is skipped when a trade landed in between.
// A window source holding fewer trades than the ledger (a mirror behind
// its flush interval or missing a batch) leaves the window fields as they
// are; holder drift is still repaired.
func (r *Roller) rollToken(ctx context.Context, seen *domain.Token) (res rollResult, err error) {
	if counter, ok := r.window.(storage.TradeCounter); ok {
		mirrored, err := counter.CountTrades(ctx, seen.Address)
		if err != nil {
			return res, fmt.Errorf("count window trades: %w", err)
		}
		if mirrored < seen.TradeCount {
			res.lagging = true
			r.logger.Debug("Window source behind ledger",
				zap.String("token", seen.Address),
				zap.Int64("ledger", seen.TradeCount),
				zap.Int64("window", mirrored))
		}
	}

	now := r.now()
	var ws *domain.WindowStats
	if !res.lagging {
		ws, err = r.window.WindowStats(ctx, seen.Address, now-r.period.Milliseconds(), now)
		if err != nil {
			return res, fmt.Errorf("window stats: %w", err)
		}
	}

	var after *domain.Token
	var prevChange int64
	err = r.ledger.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.LockToken(ctx, seen.Address)
		if err != nil {
			return fmt.Errorf("lock token: %w", err)
		}
		if tok.TradeCount != seen.TradeCount {
			res.skipped = true
			return nil
		}

		holdersChanged, err := r.holders.reconcile(ctx, tx, tok)
		if err != nil {
			return err
		}

		volume, change := tok.Volume24h, tok.PriceChange24hBps
		if ws != nil {
			reference := tok.Curve.BasePrice
			if ws.HasReference {
				reference = ws.ReferencePrice
			}
			volume = ws.Volume
			change = ChangeBps(reference, tok.CurrentPrice)
		}

		if !holdersChanged && tok.Volume24h == volume && tok.PriceChange24hBps == change {
			return nil
		}

		prevChange = tok.PriceChange24hBps
		tok.Volume24h = volume
		tok.PriceChange24hBps = change
		if err := tx.UpdateToken(ctx, tok); err != nil {
			return fmt.Errorf("update token: %w", err)
		}
		after = tok
		return nil
	})
	if err != nil || after == nil {
		return res, err
	}
	res.updated = true

	if after.PriceChange24hBps != prevChange {
		ev := events.NewPriceUpdated(after, after.CurrentPrice, "", fmt.Sprintf("rollup:%s:%d", after.Address, now))
		ev.Timestamp = now
		if err := events.PublishAll(ctx, r.publisher, ev); err != nil {
			r.logger.Warn("Event publish failed", zap.Error(err))
		}
	}
	return res, nil
}

// ChangeBps returns the change from reference to current in basis points,
// truncated toward zero. A non-positive reference yields 0.
func ChangeBps(reference, current int64) int64 {
	if reference <= 0 {
		return 0
	}
	v := new(big.Int).Sub(big.NewInt(current), big.NewInt(reference))
	v.Mul(v, big.NewInt(bpsScale))
	v.Quo(v, big.NewInt(reference))
	if !v.IsInt64() {
		if v.Sign() > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return v.Int64()
}
