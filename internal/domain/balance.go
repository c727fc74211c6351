package domain

// AgentBalance is an agent's available SOL-equivalent funds in lamports.
type AgentBalance struct {
	AgentID   string
	Balance   int64 // never negative
	UpdatedAt int64 // ms
}
