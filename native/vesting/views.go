package vesting

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
)

func (v *Vester) Address() crypto.Address     { return v.address }
func (v *Vester) Name() string                { return v.name }
func (v *Vester) Symbol() string              { return v.symbol }
func (v *Vester) Decimals() uint8             { return 18 }
func (v *Vester) VestingDuration() uint64     { return v.vestingDuration }
func (v *Vester) EsToken() token.Mintable     { return v.esToken }
func (v *Vester) ClaimableToken() token.Token { return v.claimableToken }
func (v *Vester) PairToken() token.Token      { return v.pairToken }
func (v *Vester) RewardTracker() StakeHistory { return v.rewardTracker }
func (v *Vester) HasPairToken() bool          { return v.pairToken != nil }
func (v *Vester) HasRewardTracker() bool      { return v.rewardTracker != nil }

func (v *Vester) IsHandler(addr crypto.Address) bool {
	return v.handlers.IsHandler(addr)
}

func (v *Vester) HasMaxVestableAmount() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMaxVestableAmount
}

// TotalSupply is the escrow currently vesting across all accounts.
func (v *Vester) TotalSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Copy(v.totalSupply)
}

// PairSupply is the pair token amount locked across all accounts.
func (v *Vester) PairSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Copy(v.pairSupply)
}

// BalanceOf is the account's escrow still vesting as of its last checkpoint.
func (v *Vester) BalanceOf(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.balances, account)
}

func (v *Vester) PairAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.pairAmounts, account)
}

func (v *Vester) CumulativeClaimAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.cumulativeClaimAmounts, account)
}

func (v *Vester) ClaimedAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.claimedAmounts, account)
}

func (v *Vester) LastVestingTime(account crypto.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastVestingTimes[account]
}

func (v *Vester) TransferredAverageStakedAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.transferredAverageStakedAmounts, account)
}

func (v *Vester) TransferredCumulativeRewards(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.transferredCumulativeRewards, account)
}

func (v *Vester) CumulativeRewardDeduction(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.cumulativeRewardDeductions, account)
}

func (v *Vester) BonusReward(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return common.Get(v.bonusRewards, account)
}

// TotalVested is balance plus everything already vested for account.
func (v *Vester) TotalVested(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := common.Get(v.balances, account)
	return total.Add(total, common.Get(v.cumulativeClaimAmounts, account))
}

// VestedAmount is an alias of TotalVested kept for API parity with
// integrators that query it by this name.
func (v *Vester) VestedAmount(account crypto.Address) *big.Int {
	return v.TotalVested(account)
}

// Claimable projects what a claim would release right now.
func (v *Vester) Claimable(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	amount := common.Get(v.cumulativeClaimAmounts, account)
	amount.Sub(amount, common.Get(v.claimedAmounts, account))
	return amount.Add(amount, v.nextClaimableLocked(account))
}

// MaxVestableAmount is the vesting ceiling for account. Without a reward
// tracker it is the largest 256-bit value.
func (v *Vester) MaxVestableAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxVestableAmountLocked(account)
}

// CombinedAverageStakedAmount blends the tracker average with the inherited
// one, weighted by the rewards each represents.
func (v *Vester) CombinedAverageStakedAmount(account crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.combinedAverageStakedAmountLocked(account)
}

// PairAmountFor returns the pair tokens required to vest esAmount.
func (v *Vester) PairAmountFor(account crypto.Address, esAmount *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pairAmountLocked(account, esAmount)
}

// Allowance is always zero; vesting positions cannot be delegated.
func (v *Vester) Allowance(crypto.Address, crypto.Address) *big.Int { return new(big.Int) }

func (v *Vester) Approve(crypto.Address, crypto.Address, *big.Int) error { return errNonTransferable }

func (v *Vester) Transfer(crypto.Address, crypto.Address, *big.Int) error { return errNonTransferable }

func (v *Vester) TransferFrom(crypto.Address, crypto.Address, crypto.Address, *big.Int) error {
	return errNonTransferable
}

var _ token.Token = (*Vester)(nil)

// AccountState is the per-account portion of a vester snapshot.
type AccountState struct {
	Account                        crypto.Address
	Balance                        *big.Int
	PairAmount                     *big.Int
	CumulativeClaimAmount          *big.Int
	ClaimedAmount                  *big.Int
	LastVestingTime                uint64
	TransferredAverageStakedAmount *big.Int
	TransferredCumulativeRewards   *big.Int
	CumulativeRewardDeduction      *big.Int
	BonusReward                    *big.Int
}

// State is a deterministic copy of a vester ledger, sorted by account.
type State struct {
	TotalSupply          *big.Int
	PairSupply           *big.Int
	HasMaxVestableAmount bool
	Accounts             []AccountState
}

// Snapshot copies the vester ledger.
func (v *Vester) Snapshot() *State {
	v.mu.Lock()
	defer v.mu.Unlock()
	seen := make(map[crypto.Address]struct{})
	for _, m := range []map[crypto.Address]*big.Int{
		v.balances, v.pairAmounts, v.cumulativeClaimAmounts, v.claimedAmounts,
		v.transferredAverageStakedAmounts, v.transferredCumulativeRewards,
		v.cumulativeRewardDeductions, v.bonusRewards,
	} {
		for addr := range m {
			seen[addr] = struct{}{}
		}
	}
	for addr := range v.lastVestingTimes {
		seen[addr] = struct{}{}
	}
	state := &State{
		TotalSupply:          common.Copy(v.totalSupply),
		PairSupply:           common.Copy(v.pairSupply),
		HasMaxVestableAmount: v.hasMaxVestableAmount,
	}
	for addr := range seen {
		state.Accounts = append(state.Accounts, AccountState{
			Account:                        addr,
			Balance:                        common.Get(v.balances, addr),
			PairAmount:                     common.Get(v.pairAmounts, addr),
			CumulativeClaimAmount:          common.Get(v.cumulativeClaimAmounts, addr),
			ClaimedAmount:                  common.Get(v.claimedAmounts, addr),
			LastVestingTime:                v.lastVestingTimes[addr],
			TransferredAverageStakedAmount: common.Get(v.transferredAverageStakedAmounts, addr),
			TransferredCumulativeRewards:   common.Get(v.transferredCumulativeRewards, addr),
			CumulativeRewardDeduction:      common.Get(v.cumulativeRewardDeductions, addr),
			BonusReward:                    common.Get(v.bonusRewards, addr),
		})
	}
	sort.Slice(state.Accounts, func(i, j int) bool {
		return bytes.Compare(state.Accounts[i].Account.Bytes(), state.Accounts[j].Account.Bytes()) < 0
	})
	return state
}

// Restore replaces the vester ledger with state.
func (v *Vester) Restore(state *State) error {
	if state == nil {
		return fmt.Errorf("%w: vester: nil snapshot", common.ErrInputInvalid)
	}
	balances := new(big.Int)
	pairs := new(big.Int)
	for _, acct := range state.Accounts {
		balances.Add(balances, common.Copy(acct.Balance))
		pairs.Add(pairs, common.Copy(acct.PairAmount))
	}
	if balances.Cmp(common.Copy(state.TotalSupply)) != 0 || pairs.Cmp(common.Copy(state.PairSupply)) != 0 {
		return fmt.Errorf("%w: vester: snapshot supply mismatch", common.ErrInputInvalid)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalSupply = common.Copy(state.TotalSupply)
	v.pairSupply = common.Copy(state.PairSupply)
	v.hasMaxVestableAmount = state.HasMaxVestableAmount
	v.balances = make(map[crypto.Address]*big.Int)
	v.pairAmounts = make(map[crypto.Address]*big.Int)
	v.cumulativeClaimAmounts = make(map[crypto.Address]*big.Int)
	v.claimedAmounts = make(map[crypto.Address]*big.Int)
	v.lastVestingTimes = make(map[crypto.Address]uint64)
	v.transferredAverageStakedAmounts = make(map[crypto.Address]*big.Int)
	v.transferredCumulativeRewards = make(map[crypto.Address]*big.Int)
	v.cumulativeRewardDeductions = make(map[crypto.Address]*big.Int)
	v.bonusRewards = make(map[crypto.Address]*big.Int)
	for _, acct := range state.Accounts {
		addr := acct.Account
		common.Put(v.balances, addr, acct.Balance)
		common.Put(v.pairAmounts, addr, acct.PairAmount)
		common.Put(v.cumulativeClaimAmounts, addr, acct.CumulativeClaimAmount)
		common.Put(v.claimedAmounts, addr, acct.ClaimedAmount)
		if acct.LastVestingTime != 0 {
			v.lastVestingTimes[addr] = acct.LastVestingTime
		}
		common.Put(v.transferredAverageStakedAmounts, addr, acct.TransferredAverageStakedAmount)
		common.Put(v.transferredCumulativeRewards, addr, acct.TransferredCumulativeRewards)
		common.Put(v.cumulativeRewardDeductions, addr, acct.CumulativeRewardDeduction)
		common.Put(v.bonusRewards, addr, acct.BonusReward)
	}
	return nil
}
