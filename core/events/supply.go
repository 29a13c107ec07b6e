package events

import (
	"math/big"

	"stakeledger/core/types"
	"stakeledger/crypto"
)

const (
	// TypeTokenSupply is emitted when a token is minted or burned.
	TypeTokenSupply = "token.supply"

	SupplyReasonMint = "mint"
	SupplyReasonBurn = "burn"
)

// TokenSupply records a mint or burn against account together with the
// resulting total supply.
type TokenSupply struct {
	Token   crypto.Address
	Symbol  string
	Account crypto.Address
	Total   *big.Int
	Delta   *big.Int
	Reason  string
}

func (TokenSupply) EventType() string { return TypeTokenSupply }

func (e TokenSupply) Event() *types.Event {
	symbol := normalizeAsset(e.Symbol)
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	attrs := map[string]string{
		"token":   e.Token.String(),
		"symbol":  symbol,
		"account": e.Account.String(),
		"total":   formatAmount(e.Total),
		"delta":   formatAmount(e.Delta),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTokenSupply, Attributes: attrs}
}
