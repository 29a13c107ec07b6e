package rewards

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/facebookgo/clock"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
)

var (
	errDistributorNotStarted = fmt.Errorf("%w: reward distributor: last distribution time not set", common.ErrInputInvalid)
	errDistributorCaller     = fmt.Errorf("%w: reward distributor: caller is not the reward tracker", common.ErrForbidden)
	errDistributorBalance    = fmt.Errorf("%w: reward distributor: reward balance below pending distribution", common.ErrInsufficientBalance)
	errInvalidRate           = fmt.Errorf("%w: reward distributor: invalid rate", common.ErrInputInvalid)
)

// Distributor is an emission source feeding exactly one tracker. The
// tracker supplies its current total supply on every call because bonus
// emissions scale with it and the tracker's lock is held while settling.
type Distributor interface {
	Address() crypto.Address
	RewardToken() token.Token
	TokensPerInterval(supply *big.Int) *big.Int
	PendingDistributionAmount(supply *big.Int) *big.Int
	Distribute(caller crypto.Address, supply *big.Int) (*big.Int, error)
}

// TrackerView is the narrow read capability a distributor keeps on its
// owning tracker.
type TrackerView interface {
	Address() crypto.Address
	TotalSupply() *big.Int
}

// emissionRate yields the per-second emission for a given tracker supply.
type emissionRate func(supply *big.Int) *big.Int

// emitter holds the state shared by the fixed-rate and bonus distributors.
type emitter struct {
	mu sync.Mutex

	address     crypto.Address
	rewardToken token.Token
	tracker     TrackerView
	gov         *common.Governance
	clock       clock.Clock
	events      events.Emitter
	logger      *slog.Logger
	rate        emissionRate

	lastDistributionTime uint64
	pendingRewards       *big.Int
}

func newEmitter(address crypto.Address, rewardToken token.Token, tracker TrackerView, gov *common.Governance, clk clock.Clock) *emitter {
	if clk == nil {
		clk = clock.New()
	}
	return &emitter{
		address:        address,
		rewardToken:    rewardToken,
		tracker:        tracker,
		gov:            gov,
		clock:          clk,
		events:         events.NoopEmitter{},
		logger:         slog.Default(),
		pendingRewards: new(big.Int),
	}
}

func (e *emitter) now() uint64 {
	return uint64(e.clock.Now().Unix())
}

func (e *emitter) Address() crypto.Address  { return e.address }
func (e *emitter) RewardToken() token.Token { return e.rewardToken }

// SetEmitter wires the event sink.
func (e *emitter) SetEmitter(sink events.Emitter) {
	if sink == nil {
		sink = events.NoopEmitter{}
	}
	e.mu.Lock()
	e.events = sink
	e.mu.Unlock()
}

// SetLogger overrides the structured logger.
func (e *emitter) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.mu.Lock()
	e.logger = logger
	e.mu.Unlock()
}

// LastDistributionTime returns the checkpoint of the last distribution.
func (e *emitter) LastDistributionTime() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDistributionTime
}

// PendingRewards returns the folded but undistributed amount.
func (e *emitter) PendingRewards() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return common.Copy(e.pendingRewards)
}

// UpdateLastDistributionTime starts (or restarts) the emission clock.
func (e *emitter) UpdateLastDistributionTime(caller crypto.Address) error {
	if err := e.gov.Authorize(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastDistributionTime = e.now()
	e.mu.Unlock()
	return nil
}

func (e *emitter) TokensPerInterval(supply *big.Int) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate(common.Copy(supply))
}

func (e *emitter) PendingDistributionAmount(supply *big.Int) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked(supply)
}

func (e *emitter) pendingLocked(supply *big.Int) *big.Int {
	if e.lastDistributionTime == 0 {
		return new(big.Int)
	}
	amount := common.Copy(e.pendingRewards)
	now := e.now()
	if now <= e.lastDistributionTime {
		return amount
	}
	elapsed := new(big.Int).SetUint64(now - e.lastDistributionTime)
	accrued := e.rate(common.Copy(supply))
	accrued.Mul(accrued, elapsed)
	return amount.Add(amount, accrued)
}

// Distribute releases everything accrued since the last checkpoint to the
// owning tracker. It is idempotent within one timestamp and fails without
// side effects when the reward balance cannot cover the pending amount.
func (e *emitter) Distribute(caller crypto.Address, supply *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracker == nil || !caller.Equal(e.tracker.Address()) {
		return nil, errDistributorCaller
	}
	amount := e.pendingLocked(supply)
	if amount.Sign() == 0 {
		return amount, nil
	}
	if e.rewardToken.BalanceOf(e.address).Cmp(amount) < 0 {
		return nil, errDistributorBalance
	}
	if err := e.rewardToken.Transfer(e.address, caller, amount); err != nil {
		return nil, err
	}
	now := e.now()
	e.lastDistributionTime = now
	e.pendingRewards = new(big.Int)
	e.events.Emit(events.RewardsDistributed{Distributor: e.address, Tracker: caller, Amount: common.Copy(amount), Timestamp: now})
	return amount, nil
}

// checkpointLocked folds the amount accrued under the current rate into
// pendingRewards so a rate change never loses or double counts emissions.
func (e *emitter) checkpointLocked(supply *big.Int) error {
	if e.lastDistributionTime == 0 {
		return errDistributorNotStarted
	}
	e.pendingRewards = e.pendingLocked(supply)
	e.lastDistributionTime = e.now()
	return nil
}

// RewardDistributor emits a fixed number of reward tokens per second.
type RewardDistributor struct {
	*emitter
	tokensPerInterval *big.Int
}

// NewRewardDistributor creates a fixed-rate distributor for tracker.
func NewRewardDistributor(address crypto.Address, rewardToken token.Token, tracker TrackerView, gov *common.Governance, clk clock.Clock) *RewardDistributor {
	d := &RewardDistributor{emitter: newEmitter(address, rewardToken, tracker, gov, clk), tokensPerInterval: new(big.Int)}
	d.emitter.rate = func(*big.Int) *big.Int { return common.Copy(d.tokensPerInterval) }
	return d
}

// SetTokensPerInterval changes the emission rate after folding the amount
// already accrued under the previous rate.
func (d *RewardDistributor) SetTokensPerInterval(caller crypto.Address, rate *big.Int) error {
	if err := d.gov.Authorize(caller); err != nil {
		return err
	}
	if rate == nil || rate.Sign() < 0 {
		return errInvalidRate
	}
	var supply *big.Int
	if d.tracker != nil {
		supply = d.tracker.TotalSupply()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkpointLocked(supply); err != nil {
		return err
	}
	d.tokensPerInterval = new(big.Int).Set(rate)
	d.logger.Info("reward distributor rate updated",
		slog.String("distributor", d.address.String()),
		slog.String("tokensPerInterval", rate.String()))
	return nil
}

// BonusDistributor emits multiplier points at multiplierBps of the staked
// supply per year, independent of any token price.
type BonusDistributor struct {
	*emitter
	bonusMultiplierBasisPoints uint64
}

// NewBonusDistributor creates a multiplier based distributor for tracker.
func NewBonusDistributor(address crypto.Address, rewardToken token.Token, tracker TrackerView, gov *common.Governance, clk clock.Clock) *BonusDistributor {
	d := &BonusDistributor{emitter: newEmitter(address, rewardToken, tracker, gov, clk)}
	d.emitter.rate = func(supply *big.Int) *big.Int {
		return bonusRate(supply, d.bonusMultiplierBasisPoints)
	}
	return d
}

// BonusMultiplierBasisPoints returns the configured annual multiplier.
func (d *BonusDistributor) BonusMultiplierBasisPoints() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bonusMultiplierBasisPoints
}

// SetBonusMultiplier changes the annual multiplier after folding the amount
// accrued under the previous one.
func (d *BonusDistributor) SetBonusMultiplier(caller crypto.Address, bps uint64) error {
	if err := d.gov.Authorize(caller); err != nil {
		return err
	}
	var supply *big.Int
	if d.tracker != nil {
		supply = d.tracker.TotalSupply()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkpointLocked(supply); err != nil {
		return err
	}
	d.bonusMultiplierBasisPoints = bps
	d.logger.Info("bonus distributor multiplier updated",
		slog.String("distributor", d.address.String()),
		slog.Uint64("multiplierBps", bps))
	return nil
}

func bonusRate(supply *big.Int, bps uint64) *big.Int {
	if supply == nil || supply.Sign() == 0 || bps == 0 {
		return new(big.Int)
	}
	rate := new(big.Int).Mul(supply, new(big.Int).SetUint64(bps))
	rate.Quo(rate, basisPoints)
	return rate.Quo(rate, secondsPerYearBig)
}
