// Package audit checks the ledger invariants that settlement maintains.
// Violations are reported and counted; nothing is repaired.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"curve-market/internal/curve"
	"curve-market/internal/domain"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// Invariant names.
const (
	InvariantSupply       = "supply_matches_positions"
	InvariantReserve      = "reserve_matches_curve"
	InvariantHolders      = "holder_count"
	InvariantBalance      = "non_negative_balance"
	InvariantPosition     = "non_negative_position"
	InvariantTradeReplay  = "trade_replay"
	InvariantCurrentPrice = "current_price"
)

// DefaultConcurrency is the number of tokens checked in parallel.
const DefaultConcurrency = 8

// ErrTokenNotFound is returned by CheckToken for an unknown address.
var ErrTokenNotFound = errors.New("token not found")

// Violation is one broken invariant.
type Violation struct {
	Invariant    string
	TokenAddress string
	AgentID      string
	Expected     interface{}
	Actual       interface{}
	Detail       string
}

func (v Violation) String() string {
	subject := v.TokenAddress
	if v.AgentID != "" {
		subject = v.AgentID
	}
	s := fmt.Sprintf("%s %s: expected %v, got %v", v.Invariant, subject, v.Expected, v.Actual)
	if v.Detail != "" {
		s += " (" + v.Detail + ")"
	}
	return s
}

// Report is the result of a full audit.
type Report struct {
	Tokens     int
	Agents     int
	Violations []Violation
	Duration   time.Duration
}

// OK reports whether no invariant was violated.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// Options contains configuration for creating an Auditor.
type Options struct {
	Ledger       storage.Ledger
	Logger       *zap.Logger
	Concurrency  int  // Default: 8
	ReplayTrades bool // also replay every token's trade history through the curve
}

// Auditor checks ledger invariants.
type Auditor struct {
	ledger      storage.Ledger
	logger      *zap.Logger
	concurrency int
	replay      bool
}

// NewAuditor creates a new Auditor.
func NewAuditor(opts Options) *Auditor {
	a := &Auditor{
		ledger:      opts.Ledger,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		replay:      opts.ReplayTrades,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("audit")
	if a.concurrency <= 0 {
		a.concurrency = DefaultConcurrency
	}
	return a
}

// CheckToken checks the per-token invariants of one token.
func (a *Auditor) CheckToken(ctx context.Context, address string) ([]Violation, error) {
	tok, err := a.ledger.GetToken(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	violations, err := a.checkToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	a.report(violations)
	return violations, nil
}

// CheckAll checks every token and every agent balance.
func (a *Auditor) CheckAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	tokens, err := a.ledger.ListTokens(ctx, storage.ListTokensOptions{})
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	balances, err := a.ledger.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	var mu sync.Mutex
	report := &Report{Tokens: len(tokens), Agents: len(balances)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, tok := range tokens {
		tok := tok
		g.Go(func() error {
			vs, err := a.checkToken(gctx, tok)
			if err != nil {
				return fmt.Errorf("token %s: %w", tok.Address, err)
			}
			mu.Lock()
			report.Violations = append(report.Violations, vs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, b := range balances {
		if b.Balance < 0 {
			report.Violations = append(report.Violations, Violation{
				Invariant: InvariantBalance,
				AgentID:   b.AgentID,
				Expected:  ">= 0",
				Actual:    b.Balance,
			})
		}
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		vi, vj := report.Violations[i], report.Violations[j]
		if vi.TokenAddress != vj.TokenAddress {
			return vi.TokenAddress < vj.TokenAddress
		}
		if vi.Invariant != vj.Invariant {
			return vi.Invariant < vj.Invariant
		}
		return vi.AgentID < vj.AgentID
	})
	report.Duration = time.Since(start)

	a.report(report.Violations)
	a.logger.Info("Audit complete",
		zap.Int("tokens", report.Tokens),
		zap.Int("agents", report.Agents),
		zap.Int("violations", len(report.Violations)),
		zap.Duration("took", report.Duration))

	return report, nil
}

func (a *Auditor) checkToken(ctx context.Context, tok *domain.Token) ([]Violation, error) {
	var vs []Violation
	add := func(invariant string, expected, actual interface{}, detail string) {
		vs = append(vs, Violation{
			Invariant:    invariant,
			TokenAddress: tok.Address,
			Expected:     expected,
			Actual:       actual,
			Detail:       detail,
		})
	}

	positions, err := a.ledger.ListPositionsByToken(ctx, tok.Address)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var sum, holders int64
	for _, p := range positions {
		if p.Amount < 0 {
			vs = append(vs, Violation{
				Invariant:    InvariantPosition,
				TokenAddress: tok.Address,
				AgentID:      p.AgentID,
				Expected:     ">= 0",
				Actual:       p.Amount,
			})
		}
		sum += p.Amount
		if p.IsHolder() {
			holders++
		}
	}
	if sum != tok.TotalSupply {
		add(InvariantSupply, tok.TotalSupply, sum, "sum of position amounts")
	}
	if holders != tok.HolderCount {
		add(InvariantHolders, holders, tok.HolderCount, "")
	}

	oracle, err := curve.Integral(tok.Curve, tok.TotalSupply)
	if err != nil {
		add(InvariantReserve, "curve integral", tok.ReserveBalance, err.Error())
	} else if oracle != tok.ReserveBalance {
		add(InvariantReserve, oracle, tok.ReserveBalance, "")
	}

	price, err := curve.PriceAt(tok.Curve, tok.TotalSupply)
	if err == nil && price != tok.CurrentPrice {
		add(InvariantCurrentPrice, price, tok.CurrentPrice, "")
	}

	if a.replay {
		rv, err := a.replayTrades(ctx, tok)
		if err != nil {
			return nil, err
		}
		vs = append(vs, rv...)
	}
	return vs, nil
}

// replayTrades re-settles the token's trade history through the curve and
// compares every recorded amount and the final state.
func (a *Auditor) replayTrades(ctx context.Context, tok *domain.Token) ([]Violation, error) {
	trades, err := a.ledger.ListTradesByToken(ctx, tok.Address, 0)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	var vs []Violation
	var supply, reserve int64
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]

		var amount int64
		var err error
		if t.Side == domain.SideBuy {
			amount, err = curve.CostToBuy(tok.Curve, supply, t.TokenAmount)
			supply += t.TokenAmount
			reserve += amount
		} else {
			amount, err = curve.ProceedsFromSell(tok.Curve, supply, t.TokenAmount)
			supply -= t.TokenAmount
			reserve -= amount
		}
		if err != nil {
			vs = append(vs, Violation{Invariant: InvariantTradeReplay, TokenAddress: tok.Address,
				Expected: "replayable trade", Actual: t.ID, Detail: err.Error()})
			return vs, nil
		}
		if amount != t.SolAmount || supply != t.SupplyAfter || reserve != t.ReserveAfter {
			vs = append(vs, Violation{
				Invariant:    InvariantTradeReplay,
				TokenAddress: tok.Address,
				AgentID:      t.AgentID,
				Expected:     fmt.Sprintf("sol=%d supply=%d reserve=%d", amount, supply, reserve),
				Actual:       fmt.Sprintf("sol=%d supply=%d reserve=%d", t.SolAmount, t.SupplyAfter, t.ReserveAfter),
				Detail:       "trade " + t.ID,
			})
			return vs, nil
		}
	}

	if supply != tok.TotalSupply || reserve != tok.ReserveBalance {
		vs = append(vs, Violation{
			Invariant:    InvariantTradeReplay,
			TokenAddress: tok.Address,
			Expected:     fmt.Sprintf("supply=%d reserve=%d", supply, reserve),
			Actual:       fmt.Sprintf("supply=%d reserve=%d", tok.TotalSupply, tok.ReserveBalance),
			Detail:       "final state",
		})
	}
	return vs, nil
}

func (a *Auditor) report(vs []Violation) {
	for _, v := range vs {
		observability.RecordInvariantViolation(v.Invariant)
		a.logger.Warn("Invariant violated",
			zap.String("invariant", v.Invariant),
			zap.String("token", v.TokenAddress),
			zap.String("agent", v.AgentID),
			zap.Any("expected", v.Expected),
			zap.Any("actual", v.Actual),
			zap.String("detail", v.Detail))
	}
}
