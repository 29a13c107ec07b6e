package rewards

import "math/big"

const (
	secondsPerYear   = 365 * 24 * 60 * 60
	basisPointsDenom = 10_000
)

var (
	// precision scales the reward-per-token accumulator. It is an internal
	// rounding control, never a protocol visible unit.
	precision         = mustBigInt("1000000000000000000000000000000") // 1e30
	secondsPerYearBig = big.NewInt(secondsPerYear)
	basisPoints       = big.NewInt(basisPointsDenom)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Precision exposes the accumulator scale for callers that need to interpret
// CumulativeRewardPerToken.
func Precision() *big.Int {
	return new(big.Int).Set(precision)
}

// rewardPerToken converts a distributed amount into an accumulator increment.
// A zero supply contributes nothing rather than dividing by zero.
func rewardPerToken(distributed, supply *big.Int) *big.Int {
	if distributed == nil || distributed.Sign() == 0 || supply == nil || supply.Sign() == 0 {
		return new(big.Int)
	}
	scaled := new(big.Int).Mul(distributed, precision)
	return scaled.Quo(scaled, supply)
}

// accountReward returns staked * (current - previous) / precision, rounding
// down so the ledger never over-distributes.
func accountReward(staked, current, previous *big.Int) *big.Int {
	if staked == nil || staked.Sign() == 0 {
		return new(big.Int)
	}
	delta := new(big.Int).Sub(current, previous)
	if delta.Sign() <= 0 {
		return new(big.Int)
	}
	reward := delta.Mul(delta, staked)
	return reward.Quo(reward, precision)
}

// nextAverageStaked folds the staked amount held over the last settlement
// window into the running reward-weighted average:
//
//	avg' = avg*cum/(cum+reward) + staked*reward/(cum+reward)
//
// When cum+reward is zero the average resets to staked.
func nextAverageStaked(avg, cum, staked, reward *big.Int) *big.Int {
	next := new(big.Int).Add(cum, reward)
	if next.Sign() == 0 {
		return new(big.Int).Set(staked)
	}
	left := new(big.Int).Mul(avg, cum)
	left.Quo(left, next)
	right := new(big.Int).Mul(staked, reward)
	right.Quo(right, next)
	return left.Add(left, right)
}
