// Package settlement owns every transition of token curve state, positions
// and agent balances: token creation, buys and sells.
//
// Each operation runs under an in-process lock per token and per agent
// (always acquired token first) and inside one storage transaction that
// row-locks the token and balance, so trades on one token are serialized
// while trades on different tokens proceed in parallel. Storage conflicts
// are retried with exponential backoff; every other failure is terminal and
// leaves no state behind. Events are published after commit and never fail
// the operation.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/idhash"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// Default retry settings for storage conflicts.
const (
	DefaultMaxAttempts  = 3
	DefaultRetryInitial = 10 * time.Millisecond
	DefaultRetryMax     = 200 * time.Millisecond
)

// DefaultCurve is used for tokens created without explicit parameters.
var DefaultCurve = domain.CurveParams{BasePrice: 1_000, Slope: 1}

// Options configures an Engine.
type Options struct {
	Ledger    storage.Ledger
	Publisher events.Publisher
	Logger    *zap.Logger

	// Clock returns the current time in ms. Defaults to domain.NowMs.
	Clock func() int64
	// IDGen returns new trade ids. Defaults to uuid.NewString.
	IDGen func() string

	// ProgramID is the base58 program id token addresses derive from.
	ProgramID    string
	DefaultCurve domain.CurveParams

	MaxAttempts  uint
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Engine settles trades against the ledger.
type Engine struct {
	ledger    storage.Ledger
	publisher events.Publisher
	logger    *zap.Logger
	now       func() int64
	newID     func() string

	programID    string
	defaultCurve domain.CurveParams

	maxAttempts  uint
	retryInitial time.Duration
	retryMax     time.Duration

	locks *keyedMutex
}

// NewEngine creates a new Engine. Ledger is required.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		ledger:       opts.Ledger,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		now:          opts.Clock,
		newID:        opts.IDGen,
		programID:    opts.ProgramID,
		defaultCurve: opts.DefaultCurve,
		maxAttempts:  opts.MaxAttempts,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
		locks:        newKeyedMutex(),
	}

	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("settlement")
	if e.now == nil {
		e.now = domain.NowMs
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.programID == "" {
		e.programID = idhash.DefaultProgramID
	}
	if e.defaultCurve == (domain.CurveParams{}) {
		e.defaultCurve = DefaultCurve
	}
	if e.maxAttempts == 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.retryInitial <= 0 {
		e.retryInitial = DefaultRetryInitial
	}
	if e.retryMax <= 0 {
		e.retryMax = DefaultRetryMax
	}

	return e
}

// runTx runs fn in a ledger transaction, retrying the whole transaction
// while the store reports a conflict. fn must be safe to re-run.
func (e *Engine) runTx(ctx context.Context, op string, fn storage.TxFunc) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxInterval = e.retryMax

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		start := time.Now()
		err := e.ledger.RunInTx(ctx, fn)
		observability.RecordDBQuery("ledger", op, time.Since(start).Seconds(), ignoreDomain(err))

		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, storage.ErrConflict):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}
	notify := func(err error, d time.Duration) {
		observability.RecordRetry()
		e.logger.Warn("Storage conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", d),
			zap.Error(err))
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(notify))
	if err != nil && errors.Is(err, storage.ErrConflict) {
		observability.RecordConflict()
		return &ConflictError{Attempts: attempts, Err: err}
	}
	return err
}

// ignoreDomain hides expected settlement rejections from the DB error metric.
func ignoreDomain(err error) error {
	if err == nil || KindOf(err) != KindInternal {
		return nil
	}
	return err
}

// publish delivers events after commit. Failures are logged and never
// reach the caller.
func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	if err := events.PublishAll(ctx, e.publisher, evs...); err != nil {
		e.logger.Warn("Event publish failed", zap.Error(err))
	}
}

// record logs and counts the outcome of a trade request.
func (e *Engine) record(side domain.Side, start time.Time, err error, fields ...zap.Field) {
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	observability.RecordTrade(string(side), result, time.Since(start).Seconds())

	fields = append(fields, zap.String("side", string(side)))
	switch KindOf(err) {
	case "":
	case KindInternal:
		e.logger.Error("Trade failed", append(fields, zap.Error(err))...)
	case KindConcurrencyConflict:
		e.logger.Warn("Trade rejected", append(fields, zap.String("kind", result), zap.Error(err))...)
	default:
		e.logger.Info("Trade rejected", append(fields, zap.String("kind", result), zap.Error(err))...)
	}
}
