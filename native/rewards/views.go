package rewards

import (
	"math/big"

	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
)

func (t *Tracker) Address() crypto.Address { return t.address }
func (t *Tracker) Name() string            { return t.name }
func (t *Tracker) Symbol() string          { return t.symbol }
func (t *Tracker) Decimals() uint8         { return 18 }

func (t *Tracker) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Copy(t.totalSupply)
}

func (t *Tracker) BalanceOf(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.balances, account)
}

func (t *Tracker) Allowance(owner, spender crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowanceLocked(owner, spender)
}

// StakedAmount is the sum of account's deposits across all deposit tokens.
func (t *Tracker) StakedAmount(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.stakedAmounts, account)
}

func (t *Tracker) DepositBalance(account, depositToken crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depositLocked(account, depositToken)
}

func (t *Tracker) TotalDepositSupply(depositToken crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.totalDepositSupply, depositToken)
}

// CumulativeRewardPerToken returns the accumulator scaled by Precision.
func (t *Tracker) CumulativeRewardPerToken() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Copy(t.cumulativeRewardPerToken)
}

func (t *Tracker) PreviousCumulatedRewardPerToken(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.previousCumulatedRewardPerToken, account)
}

// ClaimableReward returns the settled claimable amount without projecting
// pending emissions.
func (t *Tracker) ClaimableReward(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.claimableReward, account)
}

func (t *Tracker) CumulativeRewards(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.cumulativeRewards, account)
}

func (t *Tracker) AverageStakedAmount(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.averageStakedAmounts, account)
}

// Claimable projects account's claimable reward as if the distributor had
// just distributed.
func (t *Tracker) Claimable(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	claimable := common.Get(t.claimableReward, account)
	staked := common.Get(t.stakedAmounts, account)
	if staked.Sign() == 0 || t.totalSupply.Sign() == 0 {
		return claimable
	}
	cumulative := common.Copy(t.cumulativeRewardPerToken)
	if t.distributor != nil {
		pending := t.distributor.PendingDistributionAmount(t.totalSupply)
		cumulative.Add(cumulative, rewardPerToken(pending, t.totalSupply))
	}
	reward := accountReward(staked, cumulative, common.Get(t.previousCumulatedRewardPerToken, account))
	return claimable.Add(claimable, reward)
}

// TokensPerInterval reports the distributor's current per-second emission.
func (t *Tracker) TokensPerInterval() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.distributor == nil {
		return new(big.Int)
	}
	return t.distributor.TokensPerInterval(t.totalSupply)
}

// RewardToken returns the token paid out on claim, or nil before
// initialisation.
func (t *Tracker) RewardToken() token.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.distributor == nil {
		return nil
	}
	return t.distributor.RewardToken()
}

func (t *Tracker) Distributor() Distributor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distributor
}

func (t *Tracker) IsDepositToken(addr crypto.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.depositTokens[addr]
	return ok
}

func (t *Tracker) IsInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

func (t *Tracker) IsHandler(addr crypto.Address) bool {
	return t.handlers.IsHandler(addr)
}

func (t *Tracker) InPrivateTransferMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inPrivateTransferMode
}

func (t *Tracker) InPrivateStakingMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inPrivateStakingMode
}

func (t *Tracker) InPrivateClaimingMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inPrivateClaimingMode
}

var _ token.Token = (*Tracker)(nil)
