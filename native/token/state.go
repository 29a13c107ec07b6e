package token

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"stakeledger/crypto"
	"stakeledger/native/common"
)

// Holding is one account balance inside a token snapshot.
type Holding struct {
	Account crypto.Address
	Amount  *big.Int
}

// Approval is one allowance inside a token snapshot.
type Approval struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

// State is a deterministic copy of a BaseToken ledger. Role tables are
// configuration and are not part of it.
type State struct {
	TotalSupply           *big.Int
	Holdings              []Holding
	Approvals             []Approval
	InPrivateTransferMode bool
}

// Snapshot copies the token ledger sorted by account bytes.
func (t *BaseToken) Snapshot() *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := &State{
		TotalSupply:           common.Copy(t.totalSupply),
		InPrivateTransferMode: t.inPrivateTransferMode,
	}
	for addr, amount := range t.balances {
		state.Holdings = append(state.Holdings, Holding{Account: addr, Amount: common.Copy(amount)})
	}
	for owner, inner := range t.allowances {
		for spender, amount := range inner {
			state.Approvals = append(state.Approvals, Approval{Owner: owner, Spender: spender, Amount: common.Copy(amount)})
		}
	}
	sort.Slice(state.Holdings, func(i, j int) bool {
		return bytes.Compare(state.Holdings[i].Account.Bytes(), state.Holdings[j].Account.Bytes()) < 0
	})
	sort.Slice(state.Approvals, func(i, j int) bool {
		a, b := state.Approvals[i], state.Approvals[j]
		if c := bytes.Compare(a.Owner.Bytes(), b.Owner.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Spender.Bytes(), b.Spender.Bytes()) < 0
	})
	return state
}

// Restore replaces the token ledger with state after checking that the
// holdings add up to the recorded supply.
func (t *BaseToken) Restore(state *State) error {
	if state == nil {
		return fmt.Errorf("%w: base token: nil snapshot", common.ErrInputInvalid)
	}
	sum := new(big.Int)
	balances := make(map[crypto.Address]*big.Int, len(state.Holdings))
	for _, h := range state.Holdings {
		if h.Amount != nil && h.Amount.Sign() < 0 {
			return errNegativeAmount
		}
		sum.Add(sum, common.Copy(h.Amount))
		common.Put(balances, h.Account, h.Amount)
	}
	if sum.Cmp(common.Copy(state.TotalSupply)) != 0 {
		return fmt.Errorf("%w: base token: snapshot supply mismatch", common.ErrInputInvalid)
	}
	allowances := make(map[crypto.Address]map[crypto.Address]*big.Int)
	for _, a := range state.Approvals {
		inner := allowances[a.Owner]
		if inner == nil {
			inner = make(map[crypto.Address]*big.Int)
			allowances[a.Owner] = inner
		}
		common.Put(inner, a.Spender, a.Amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSupply = common.Copy(state.TotalSupply)
	t.balances = balances
	t.allowances = allowances
	t.inPrivateTransferMode = state.InPrivateTransferMode
	return nil
}
