package token

import (
	"math/big"

	"stakeledger/crypto"
)

// Token is the capability every stakeable asset exposes. Primitive tokens
// and reward trackers both satisfy it, which is what lets a tracker accept
// another tracker's issued balance as its deposit token.
//
// The caller of a mutating method is passed explicitly: sender for Transfer,
// spender for TransferFrom and owner for Approve.
type Token interface {
	Address() crypto.Address
	Symbol() string
	BalanceOf(account crypto.Address) *big.Int
	TotalSupply() *big.Int
	Allowance(owner, spender crypto.Address) *big.Int
	Approve(owner, spender crypto.Address, amount *big.Int) error
	Transfer(sender, recipient crypto.Address, amount *big.Int) error
	TransferFrom(spender, sender, recipient crypto.Address, amount *big.Int) error
}

// Mintable tokens additionally allow authorised minters to create and
// destroy supply.
type Mintable interface {
	Token
	Mint(caller, account crypto.Address, amount *big.Int) error
	Burn(caller, account crypto.Address, amount *big.Int) error
}
