package rewards

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"stakeledger/crypto"
	"stakeledger/native/common"
)

// AmountEntry pairs an address with a quantity.
type AmountEntry struct {
	Address crypto.Address
	Amount  *big.Int
}

// AccountState is the per-account portion of a tracker snapshot.
type AccountState struct {
	Account                         crypto.Address
	Balance                         *big.Int
	Staked                          *big.Int
	PreviousCumulatedRewardPerToken *big.Int
	ClaimableReward                 *big.Int
	CumulativeRewards               *big.Int
	AverageStakedAmount             *big.Int
	Deposits                        []AmountEntry
	Allowances                      []AmountEntry
}

// TrackerState is a deterministic, self-contained copy of a tracker's
// ledger. Accounts and entries are sorted by address bytes.
type TrackerState struct {
	TotalSupply              *big.Int
	CumulativeRewardPerToken *big.Int
	TotalDepositSupply       []AmountEntry
	Accounts                 []AccountState
	InPrivateTransferMode    bool
	InPrivateStakingMode     bool
	InPrivateClaimingMode    bool
}

// DistributorState captures the emission checkpoint of a distributor.
type DistributorState struct {
	LastDistributionTime       uint64
	PendingRewards             *big.Int
	TokensPerInterval          *big.Int
	BonusMultiplierBasisPoints uint64
}

// Snapshot copies the tracker ledger.
func (t *Tracker) Snapshot() *TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[crypto.Address]struct{})
	for _, m := range []map[crypto.Address]*big.Int{
		t.balances, t.stakedAmounts, t.previousCumulatedRewardPerToken,
		t.claimableReward, t.cumulativeRewards, t.averageStakedAmounts,
	} {
		for addr := range m {
			seen[addr] = struct{}{}
		}
	}
	for _, nested := range []map[crypto.Address]map[crypto.Address]*big.Int{t.depositBalances, t.allowances} {
		for addr, inner := range nested {
			if len(inner) > 0 {
				seen[addr] = struct{}{}
			}
		}
	}

	state := &TrackerState{
		TotalSupply:              common.Copy(t.totalSupply),
		CumulativeRewardPerToken: common.Copy(t.cumulativeRewardPerToken),
		TotalDepositSupply:       sortedEntries(t.totalDepositSupply),
		InPrivateTransferMode:    t.inPrivateTransferMode,
		InPrivateStakingMode:     t.inPrivateStakingMode,
		InPrivateClaimingMode:    t.inPrivateClaimingMode,
	}
	for addr := range seen {
		state.Accounts = append(state.Accounts, AccountState{
			Account:                         addr,
			Balance:                         common.Get(t.balances, addr),
			Staked:                          common.Get(t.stakedAmounts, addr),
			PreviousCumulatedRewardPerToken: common.Get(t.previousCumulatedRewardPerToken, addr),
			ClaimableReward:                 common.Get(t.claimableReward, addr),
			CumulativeRewards:               common.Get(t.cumulativeRewards, addr),
			AverageStakedAmount:             common.Get(t.averageStakedAmounts, addr),
			Deposits:                        sortedEntries(t.depositBalances[addr]),
			Allowances:                      sortedEntries(t.allowances[addr]),
		})
	}
	sort.Slice(state.Accounts, func(i, j int) bool {
		return bytes.Compare(state.Accounts[i].Account.Bytes(), state.Accounts[j].Account.Bytes()) < 0
	})
	return state
}

// Restore replaces the tracker ledger with state. Wiring (deposit tokens,
// distributor, handlers) is left untouched. The snapshot must be internally
// consistent: total supply equals the sum of balances and of staked amounts.
func (t *Tracker) Restore(state *TrackerState) error {
	if state == nil {
		return fmt.Errorf("%w: reward tracker: nil snapshot", common.ErrInputInvalid)
	}
	balances := new(big.Int)
	staked := new(big.Int)
	for _, acct := range state.Accounts {
		balances.Add(balances, common.Copy(acct.Balance))
		staked.Add(staked, common.Copy(acct.Staked))
	}
	supply := common.Copy(state.TotalSupply)
	if balances.Cmp(supply) != 0 || staked.Cmp(supply) != 0 {
		return fmt.Errorf("%w: reward tracker: snapshot supply mismatch", common.ErrInputInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSupply = supply
	t.cumulativeRewardPerToken = common.Copy(state.CumulativeRewardPerToken)
	t.totalDepositSupply = entryMap(state.TotalDepositSupply)
	t.balances = make(map[crypto.Address]*big.Int)
	t.stakedAmounts = make(map[crypto.Address]*big.Int)
	t.previousCumulatedRewardPerToken = make(map[crypto.Address]*big.Int)
	t.claimableReward = make(map[crypto.Address]*big.Int)
	t.cumulativeRewards = make(map[crypto.Address]*big.Int)
	t.averageStakedAmounts = make(map[crypto.Address]*big.Int)
	t.depositBalances = make(map[crypto.Address]map[crypto.Address]*big.Int)
	t.allowances = make(map[crypto.Address]map[crypto.Address]*big.Int)
	for _, acct := range state.Accounts {
		addr := acct.Account
		common.Put(t.balances, addr, acct.Balance)
		common.Put(t.stakedAmounts, addr, acct.Staked)
		common.Put(t.previousCumulatedRewardPerToken, addr, acct.PreviousCumulatedRewardPerToken)
		common.Put(t.claimableReward, addr, acct.ClaimableReward)
		common.Put(t.cumulativeRewards, addr, acct.CumulativeRewards)
		common.Put(t.averageStakedAmounts, addr, acct.AverageStakedAmount)
		if deposits := entryMap(acct.Deposits); len(deposits) > 0 {
			t.depositBalances[addr] = deposits
		}
		if allowances := entryMap(acct.Allowances); len(allowances) > 0 {
			t.allowances[addr] = allowances
		}
	}
	t.inPrivateTransferMode = state.InPrivateTransferMode
	t.inPrivateStakingMode = state.InPrivateStakingMode
	t.inPrivateClaimingMode = state.InPrivateClaimingMode
	return nil
}

// Snapshot copies the emission checkpoint.
func (d *RewardDistributor) Snapshot() *DistributorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &DistributorState{
		LastDistributionTime: d.lastDistributionTime,
		PendingRewards:       common.Copy(d.pendingRewards),
		TokensPerInterval:    common.Copy(d.tokensPerInterval),
	}
}

// Restore reinstates a checkpoint produced by Snapshot.
func (d *RewardDistributor) Restore(state *DistributorState) error {
	if state == nil {
		return fmt.Errorf("%w: reward distributor: nil snapshot", common.ErrInputInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDistributionTime = state.LastDistributionTime
	d.pendingRewards = common.Copy(state.PendingRewards)
	d.tokensPerInterval = common.Copy(state.TokensPerInterval)
	return nil
}

// Snapshot copies the emission checkpoint.
func (d *BonusDistributor) Snapshot() *DistributorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &DistributorState{
		LastDistributionTime:       d.lastDistributionTime,
		PendingRewards:             common.Copy(d.pendingRewards),
		TokensPerInterval:          new(big.Int),
		BonusMultiplierBasisPoints: d.bonusMultiplierBasisPoints,
	}
}

// Restore reinstates a checkpoint produced by Snapshot.
func (d *BonusDistributor) Restore(state *DistributorState) error {
	if state == nil {
		return fmt.Errorf("%w: bonus distributor: nil snapshot", common.ErrInputInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDistributionTime = state.LastDistributionTime
	d.pendingRewards = common.Copy(state.PendingRewards)
	d.bonusMultiplierBasisPoints = state.BonusMultiplierBasisPoints
	return nil
}

func sortedEntries(m map[crypto.Address]*big.Int) []AmountEntry {
	if len(m) == 0 {
		return nil
	}
	out := make([]AmountEntry, 0, len(m))
	for addr, amount := range m {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		out = append(out, AmountEntry{Address: addr, Amount: common.Copy(amount)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}

func entryMap(entries []AmountEntry) map[crypto.Address]*big.Int {
	out := make(map[crypto.Address]*big.Int, len(entries))
	for _, entry := range entries {
		common.Put(out, entry.Address, entry.Amount)
	}
	return out
}
