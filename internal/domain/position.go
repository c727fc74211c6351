package domain

// Position is one agent's holding of one token.
// Rows are never deleted; a fully sold position keeps Amount = 0.
type Position struct {
	AgentID      string
	TokenAddress string
	Amount       int64 // token base units held, >= 0
	CostBasis    int64 // lamports paid for the units still held (average cost)
	RealizedPnL  int64 // cumulative lamports realized by sells
	UpdatedAt    int64 // ms
}

// IsHolder reports whether the position counts towards the holder set.
func (p *Position) IsHolder() bool {
	return p != nil && p.Amount > 0
}
