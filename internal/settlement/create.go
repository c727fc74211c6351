package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"curve-market/internal/curve"
	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/idhash"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// Token field limits.
const (
	MinSymbolLen = 2
	MaxSymbolLen = 10
	MaxNameLen   = 64
	MaxThesisLen = 2000
)

// CreateTokenRequest launches a new token.
type CreateTokenRequest struct {
	CreatorID string
	Name      string
	Symbol    string
	Thesis    string

	// Curve overrides the engine's default curve.
	Curve *domain.CurveParams

	// InitialBuy is an optional lamport budget the creator spends on the
	// token in the same transaction that creates it.
	InitialBuy int64
}

// CreateTokenResult is the committed outcome of CreateToken.
type CreateTokenResult struct {
	Token *domain.Token

	// InitialBuy is set when the request carried an initial buy.
	InitialBuy *BuyResult
}

func (r *CreateTokenRequest) normalize() {
	r.CreatorID = strings.TrimSpace(r.CreatorID)
	r.Name = strings.TrimSpace(r.Name)
	r.Symbol = strings.TrimSpace(r.Symbol)
	r.Thesis = strings.TrimSpace(r.Thesis)
}

func (r CreateTokenRequest) validate() error {
	if r.CreatorID == "" {
		return &ValidationError{Field: "creator_id", Reason: "required"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if utf8.RuneCountInString(r.Name) > MaxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", MaxNameLen)}
	}
	if n := len(r.Symbol); n < MinSymbolLen || n > MaxSymbolLen {
		return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("must be %d-%d characters", MinSymbolLen, MaxSymbolLen)}
	}
	for _, c := range r.Symbol {
		if c > unicode.MaxASCII || !(unicode.IsLetter(c) || unicode.IsDigit(c)) {
			return &ValidationError{Field: "symbol", Reason: "must be alphanumeric"}
		}
	}
	if utf8.RuneCountInString(r.Thesis) > MaxThesisLen {
		return &ValidationError{Field: "thesis", Reason: fmt.Sprintf("longer than %d characters", MaxThesisLen)}
	}
	if r.Curve != nil {
		if err := curve.Validate(*r.Curve); err != nil {
			return &ValidationError{Field: "curve", Reason: err.Error()}
		}
	}
	if r.InitialBuy < 0 {
		return &ValidationError{Field: "initial_buy", Reason: "must not be negative"}
	}
	return nil
}

// CreateToken creates a token at its program-derived address with zero
// supply. An initial buy, if requested, settles atomically with the insert.
func (e *Engine) CreateToken(ctx context.Context, req CreateTokenRequest) (*CreateTokenResult, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return nil, err
	}

	params := e.defaultCurve
	if req.Curve != nil {
		params = *req.Curve
	}

	address, err := idhash.TokenAddress(e.programID, req.CreatorID, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("derive token address: %w", err)
	}

	unlock := e.lockTrade(address, req.CreatorID)
	defer unlock()

	var res *CreateTokenResult
	var created domain.Token
	err = e.runTx(ctx, "create_token", func(ctx context.Context, tx storage.Tx) error {
		if existing, err := tx.GetTokenBySymbol(ctx, req.Symbol); err == nil {
			return &TokenAlreadyExistsError{Symbol: existing.Symbol, Address: existing.Address}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("get token by symbol: %w", err)
		}

		now := e.now()
		tok := &domain.Token{
			Address:      address,
			Symbol:       req.Symbol,
			Name:         req.Name,
			Thesis:       req.Thesis,
			CreatorID:    req.CreatorID,
			Curve:        params,
			CurrentPrice: params.BasePrice,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		tok.RefreshDerived()

		if err := tx.InsertToken(ctx, tok); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return &TokenAlreadyExistsError{Symbol: req.Symbol, Address: address}
			}
			return fmt.Errorf("insert token: %w", err)
		}

		created = *tok
		res = &CreateTokenResult{Token: tok}
		if req.InitialBuy == 0 {
			return nil
		}

		buy, err := e.settleBuy(ctx, tx, tok, BuyRequest{
			TokenAddress: address,
			AgentID:      req.CreatorID,
			SolAmount:    req.InitialBuy,
		})
		if err != nil {
			return err
		}
		res.Token = buy.Token
		res.InitialBuy = buy
		return nil
	})
	if err != nil {
		e.logger.Info("Token creation rejected",
			zap.String("symbol", req.Symbol),
			zap.String("creator", req.CreatorID),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	observability.RecordTokenCreated()
	e.logger.Info("Token created",
		zap.String("address", res.Token.Address),
		zap.String("symbol", res.Token.Symbol),
		zap.String("creator", res.Token.CreatorID),
		zap.Int64("base_price", params.BasePrice),
		zap.Int64("slope", params.Slope))

	evs := []events.Event{events.NewTokenCreated(&created)}
	if b := res.InitialBuy; b != nil {
		observability.RecordVolume(string(b.Trade.Side), b.Trade.SolAmount)
		evs = append(evs,
			events.NewTradeExecuted(b.Trade),
			events.NewPriceUpdated(b.Token, created.CurrentPrice, b.Trade.AgentID, b.Trade.ID))
	}
	e.publish(ctx, evs...)

	return res, nil
}
