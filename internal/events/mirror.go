package events

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"curve-market/internal/domain"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// TradeMirror copies TradeExecuted events into an append-only store such
// as the ClickHouse trade table. Events are buffered and flushed in
// batches; a full buffer drops the event, the transactional ledger stays
// the source of truth.
type TradeMirror struct {
	appender      storage.TradeAppender
	logger        *zap.Logger
	in            chan *domain.Trade
	batchSize     int
	flushInterval time.Duration
	maxTries      uint
}

// TradeMirrorOptions configures a TradeMirror.
type TradeMirrorOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxTries      uint
}

// NewTradeMirror creates a mirror writing to appender.
func NewTradeMirror(appender storage.TradeAppender, logger *zap.Logger, opts TradeMirrorOptions) *TradeMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	return &TradeMirror{
		appender:      appender,
		logger:        logger.Named("trade_mirror"),
		in:            make(chan *domain.Trade, opts.BufferSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		maxTries:      opts.MaxTries,
	}
}

// Handle implements Handler. Non-trade events are ignored.
func (m *TradeMirror) Handle(_ context.Context, _ string, ev Event) error {
	te, ok := ev.(TradeExecuted)
	if !ok {
		return nil
	}

	select {
	case m.in <- te.ToTrade():
		return nil
	default:
		observability.RecordEventDropped("trade_mirror")
		m.logger.Warn("Mirror buffer full, dropping trade", zap.String("trade_id", te.TradeID))
		return nil
	}
}

// Run flushes buffered trades until ctx is cancelled, then flushes what is left.
func (m *TradeMirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.Trade, 0, m.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		m.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case t := <-m.in:
					batch = append(batch, t)
				default:
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(shutdownCtx)
					cancel()
					return nil
				}
			}
		case t := <-m.in:
			batch = append(batch, t)
			if len(batch) >= m.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (m *TradeMirror) flush(ctx context.Context, batch []*domain.Trade) {
	operation := func() (struct{}, error) {
		return struct{}{}, m.appender.InsertBulk(ctx, batch)
	}
	notify := func(err error, d time.Duration) {
		m.logger.Warn("Mirror flush failed, retrying", zap.Error(err), zap.Duration("backoff", d))
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(m.maxTries),
		backoff.WithNotify(notify))
	if err != nil {
		observability.RecordPublishError("trade_mirror")
		m.logger.Error("Dropping mirror batch", zap.Int("trades", len(batch)), zap.Error(err))
		return
	}
	observability.RecordTradesMirrored(len(batch))
}
