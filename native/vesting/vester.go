package vesting

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/facebookgo/clock"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
	"stakeledger/observability/metrics"
)

const moduleName = "vesting"

var (
	errInvalidConfig      = fmt.Errorf("%w: vester: invalid configuration", common.ErrInputInvalid)
	errZeroAccount        = fmt.Errorf("%w: vester: zero address", common.ErrInputInvalid)
	errVestedAmountZero   = fmt.Errorf("%w: vester: vested amount is zero", common.ErrInputInvalid)
	errNonTransferable    = fmt.Errorf("%w: vester: non-transferrable", common.ErrForbidden)
	errMaxVestable        = fmt.Errorf("%w: vester: max vestable amount exceeded", common.ErrVestingCeilingExceeded)
	errClaimableShortfall = fmt.Errorf("%w: vester: claimable token balance below claim", common.ErrInsufficientBalance)
	errNegativeAmount     = fmt.Errorf("%w: vester: negative amount", common.ErrInputInvalid)
)

// maxVestableUnlimited is reported by MaxVestableAmount when no reward
// tracker bounds the account.
var maxVestableUnlimited = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// StakeHistory is the reward tracker view consulted for vesting ceilings
// and pairing ratios.
type StakeHistory interface {
	Address() crypto.Address
	CumulativeRewards(account crypto.Address) *big.Int
	AverageStakedAmount(account crypto.Address) *big.Int
}

// Config wires a vester to its tokens.
type Config struct {
	Address         crypto.Address
	Name            string
	Symbol          string
	VestingDuration uint64
	EsToken         token.Mintable
	ClaimableToken  token.Token
	// PairToken is optional. When set, deposits lock pair tokens in
	// proportion to the account's historical stake.
	PairToken token.Token
	// RewardTracker is optional. Without it vesting is unbounded.
	RewardTracker StakeHistory
}

// Vester converts escrowed reward tokens into claimable tokens linearly over
// VestingDuration. Its own balance tracks escrow still vesting and cannot
// be transferred.
type Vester struct {
	mu sync.Mutex

	address         crypto.Address
	name            string
	symbol          string
	vestingDuration uint64
	esToken         token.Mintable
	claimableToken  token.Token
	pairToken       token.Token
	rewardTracker   StakeHistory

	gov      *common.Governance
	handlers *common.Handlers
	clock    clock.Clock
	pauses   common.PauseView
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *metrics.LedgerMetrics

	hasMaxVestableAmount bool
	totalSupply          *big.Int
	pairSupply           *big.Int

	balances               map[crypto.Address]*big.Int
	pairAmounts            map[crypto.Address]*big.Int
	cumulativeClaimAmounts map[crypto.Address]*big.Int
	claimedAmounts         map[crypto.Address]*big.Int
	lastVestingTimes       map[crypto.Address]uint64

	transferredAverageStakedAmounts map[crypto.Address]*big.Int
	transferredCumulativeRewards    map[crypto.Address]*big.Int
	cumulativeRewardDeductions      map[crypto.Address]*big.Int
	bonusRewards                    map[crypto.Address]*big.Int
}

// NewVester validates cfg and returns an empty vester governed by gov.
func NewVester(cfg Config, gov *common.Governance, clk clock.Clock) (*Vester, error) {
	if cfg.VestingDuration == 0 || cfg.EsToken == nil || cfg.ClaimableToken == nil {
		return nil, errInvalidConfig
	}
	if cfg.Address.IsZero() {
		return nil, errZeroAccount
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Vester{
		address:                         cfg.Address,
		name:                            strings.TrimSpace(cfg.Name),
		symbol:                          strings.TrimSpace(cfg.Symbol),
		vestingDuration:                 cfg.VestingDuration,
		esToken:                         cfg.EsToken,
		claimableToken:                  cfg.ClaimableToken,
		pairToken:                       cfg.PairToken,
		rewardTracker:                   cfg.RewardTracker,
		gov:                             gov,
		handlers:                        common.NewHandlers(),
		clock:                           clk,
		emitter:                         events.NoopEmitter{},
		logger:                          slog.Default(),
		metrics:                         metrics.Ledger(),
		hasMaxVestableAmount:            cfg.RewardTracker != nil,
		totalSupply:                     new(big.Int),
		pairSupply:                      new(big.Int),
		balances:                        make(map[crypto.Address]*big.Int),
		pairAmounts:                     make(map[crypto.Address]*big.Int),
		cumulativeClaimAmounts:          make(map[crypto.Address]*big.Int),
		claimedAmounts:                  make(map[crypto.Address]*big.Int),
		lastVestingTimes:                make(map[crypto.Address]uint64),
		transferredAverageStakedAmounts: make(map[crypto.Address]*big.Int),
		transferredCumulativeRewards:    make(map[crypto.Address]*big.Int),
		cumulativeRewardDeductions:      make(map[crypto.Address]*big.Int),
		bonusRewards:                    make(map[crypto.Address]*big.Int),
	}, nil
}

// SetEmitter wires the event sink.
func (v *Vester) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.mu.Lock()
	v.emitter = emitter
	v.mu.Unlock()
}

// SetLogger overrides the structured logger.
func (v *Vester) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	v.mu.Lock()
	v.logger = logger
	v.mu.Unlock()
}

// SetPauses wires the pause view consulted before user facing mutations.
func (v *Vester) SetPauses(p common.PauseView) {
	v.mu.Lock()
	v.pauses = p
	v.mu.Unlock()
}

func (v *Vester) now() uint64 {
	return uint64(v.clock.Now().Unix())
}

// SetHandler grants or revokes handler status.
func (v *Vester) SetHandler(caller, handler crypto.Address, active bool) error {
	if err := v.gov.Authorize(caller); err != nil {
		return err
	}
	v.handlers.Set(handler, active)
	return nil
}

// SetHasMaxVestableAmount toggles enforcement of the vesting ceiling.
func (v *Vester) SetHasMaxVestableAmount(caller crypto.Address, enabled bool) error {
	if err := v.gov.Authorize(caller); err != nil {
		return err
	}
	v.mu.Lock()
	v.hasMaxVestableAmount = enabled
	v.mu.Unlock()
	v.logger.Info("vester ceiling toggled", slog.String("vester", v.symbol), slog.Bool("enabled", enabled))
	return nil
}

// WithdrawToken lets governance recover tokens held by the vester.
func (v *Vester) WithdrawToken(caller crypto.Address, tok token.Token, receiver crypto.Address, amount *big.Int) error {
	if err := v.gov.Authorize(caller); err != nil {
		return err
	}
	if tok == nil || receiver.IsZero() {
		return errInvalidConfig
	}
	if err := common.CheckAmount("vester", amount); err != nil {
		return err
	}
	return tok.Transfer(v.address, receiver, amount)
}

// SetTransferredAverageStakedAmounts overrides the inherited average stake.
func (v *Vester) SetTransferredAverageStakedAmounts(caller, account crypto.Address, amount *big.Int) error {
	return v.setHandlerValue(caller, v.transferredAverageStakedAmounts, account, amount)
}

// SetTransferredCumulativeRewards overrides the inherited cumulative rewards.
func (v *Vester) SetTransferredCumulativeRewards(caller, account crypto.Address, amount *big.Int) error {
	return v.setHandlerValue(caller, v.transferredCumulativeRewards, account, amount)
}

// SetCumulativeRewardDeductions overrides the amount subtracted from the
// account's vesting ceiling.
func (v *Vester) SetCumulativeRewardDeductions(caller, account crypto.Address, amount *big.Int) error {
	return v.setHandlerValue(caller, v.cumulativeRewardDeductions, account, amount)
}

// SetBonusRewards overrides the airdropped bonus added to the ceiling.
func (v *Vester) SetBonusRewards(caller, account crypto.Address, amount *big.Int) error {
	return v.setHandlerValue(caller, v.bonusRewards, account, amount)
}

func (v *Vester) setHandlerValue(caller crypto.Address, target map[crypto.Address]*big.Int, account crypto.Address, amount *big.Int) error {
	if err := v.handlers.Require("vester", caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	common.Put(target, account, amount)
	return nil
}

// TransferStakeValues moves sender's vesting history to receiver. The
// receiver's inherited average becomes the reward weighted combination of
// what it already inherited and sender's combined average; the sender's
// tracker rewards are deducted from its own ceiling.
func (v *Vester) TransferStakeValues(caller, sender, receiver crypto.Address) error {
	if err := v.handlers.Require("vester", caller); err != nil {
		return err
	}
	if sender.IsZero() || receiver.IsZero() {
		return errZeroAccount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	senderCumulative := v.trackerCumulativeRewardsLocked(sender)
	senderWeight := new(big.Int).Add(senderCumulative, common.Get(v.transferredCumulativeRewards, sender))
	senderAverage := v.combinedAverageStakedAmountLocked(sender)

	receiverWeight := common.Get(v.transferredCumulativeRewards, receiver)
	receiverAverage := common.Get(v.transferredAverageStakedAmounts, receiver)
	nextWeight := new(big.Int).Add(receiverWeight, senderWeight)
	nextAverage := new(big.Int)
	if nextWeight.Sign() > 0 {
		left := new(big.Int).Mul(receiverAverage, receiverWeight)
		left.Quo(left, nextWeight)
		right := new(big.Int).Mul(senderAverage, senderWeight)
		right.Quo(right, nextWeight)
		nextAverage.Add(left, right)
	}
	common.Put(v.transferredAverageStakedAmounts, receiver, nextAverage)
	common.Put(v.transferredCumulativeRewards, receiver, nextWeight)
	delete(v.transferredAverageStakedAmounts, sender)
	delete(v.transferredCumulativeRewards, sender)
	common.Put(v.cumulativeRewardDeductions, sender, senderCumulative)

	bonus := common.Get(v.bonusRewards, receiver)
	bonus.Add(bonus, common.Get(v.bonusRewards, sender))
	common.Put(v.bonusRewards, receiver, bonus)
	delete(v.bonusRewards, sender)
	return nil
}

// Deposit starts vesting amount of the caller's escrowed tokens.
func (v *Vester) Deposit(caller crypto.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.depositLocked(caller, amount)
	v.metrics.ObserveOperation(moduleName, "deposit", err)
	return err
}

// DepositForAccount starts vesting on behalf of account. Only handlers may
// call it.
func (v *Vester) DepositForAccount(caller, account crypto.Address, amount *big.Int) error {
	if err := v.handlers.Require("vester", caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.depositLocked(account, amount)
	v.metrics.ObserveOperation(moduleName, "deposit", err)
	return err
}

// Claim releases the caller's vested tokens to receiver.
func (v *Vester) Claim(caller, receiver crypto.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	amount, err := v.claimLocked(caller, receiver)
	v.metrics.ObserveOperation(moduleName, "claim", err)
	return amount, err
}

// ClaimForAccount releases account's vested tokens to receiver. Only
// handlers may call it.
func (v *Vester) ClaimForAccount(caller, account, receiver crypto.Address) (*big.Int, error) {
	if err := v.handlers.Require("vester", caller); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	amount, err := v.claimLocked(account, receiver)
	v.metrics.ObserveOperation(moduleName, "claim", err)
	return amount, err
}

// Withdraw claims whatever has vested, returns the remaining escrow and the
// locked pair tokens to the caller and clears the position.
func (v *Vester) Withdraw(caller crypto.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.withdrawLocked(caller)
	v.metrics.ObserveOperation(moduleName, "withdraw", err)
	return err
}

func (v *Vester) depositLocked(account crypto.Address, amount *big.Int) error {
	if err := common.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if err := common.CheckAmount("vester", amount); err != nil {
		return err
	}
	if account.IsZero() {
		return errZeroAccount
	}
	// Balance plus cumulative claim is invariant under settlement, so the
	// ceiling and the pair requirement can be evaluated before anything moves.
	vested := v.nextClaimableLocked(account)
	nextBalance := common.Get(v.balances, account)
	nextBalance.Sub(nextBalance, vested)
	nextBalance.Add(nextBalance, amount)
	if v.hasMaxVestableAmount {
		total := new(big.Int).Add(nextBalance, common.Get(v.cumulativeClaimAmounts, account))
		total.Add(total, vested)
		if total.Cmp(v.maxVestableAmountLocked(account)) > 0 {
			return errMaxVestable
		}
	}
	pairAmount := common.Get(v.pairAmounts, account)
	pairDiff := new(big.Int)
	if v.pairToken != nil {
		next := v.pairAmountLocked(account, nextBalance)
		if next.Cmp(pairAmount) > 0 {
			pairDiff.Sub(next, pairAmount)
		}
	}
	if err := v.esToken.TransferFrom(v.address, account, v.address, amount); err != nil {
		return err
	}
	if pairDiff.Sign() > 0 {
		if err := v.pairToken.TransferFrom(v.address, account, v.address, pairDiff); err != nil {
			v.refundLocked(account, v.esToken, amount)
			return err
		}
	}
	// Settle only once both pulls landed, so a refused pull leaves the
	// vesting checkpoint untouched.
	if err := v.updateVestingLocked(account); err != nil {
		v.refundLocked(account, v.esToken, amount)
		if pairDiff.Sign() > 0 {
			v.refundLocked(account, v.pairToken, pairDiff)
		}
		return err
	}
	if pairDiff.Sign() > 0 {
		pairAmount.Add(pairAmount, pairDiff)
		common.Put(v.pairAmounts, account, pairAmount)
		v.pairSupply.Add(v.pairSupply, pairDiff)
		v.emitter.Emit(events.VestingPairLocked{Vester: v.address, Account: account, Amount: common.Copy(pairDiff), Total: common.Copy(pairAmount)})
	}
	common.Put(v.balances, account, nextBalance)
	v.totalSupply.Add(v.totalSupply, amount)
	v.lastVestingTimes[account] = v.now()

	v.emitter.Emit(events.VestingDeposited{Vester: v.address, Account: account, Amount: common.Copy(amount)})
	v.metrics.AddVolume(moduleName, "deposit", amount)
	v.logger.Debug("vester deposit",
		slog.String("vester", v.symbol),
		slog.String("account", account.String()),
		slog.String("amount", amount.String()))
	return nil
}

func (v *Vester) claimLocked(account, receiver crypto.Address) (*big.Int, error) {
	if err := common.Guard(v.pauses, moduleName); err != nil {
		return nil, err
	}
	if receiver.IsZero() {
		return nil, errZeroAccount
	}
	if err := v.updateVestingLocked(account); err != nil {
		return nil, err
	}
	amount := common.Get(v.cumulativeClaimAmounts, account)
	amount.Sub(amount, common.Get(v.claimedAmounts, account))
	if amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	if v.claimableToken.BalanceOf(v.address).Cmp(amount) < 0 {
		return nil, errClaimableShortfall
	}
	if err := v.claimableToken.Transfer(v.address, receiver, amount); err != nil {
		return nil, err
	}
	claimed := common.Get(v.claimedAmounts, account)
	common.Put(v.claimedAmounts, account, claimed.Add(claimed, amount))

	v.emitter.Emit(events.VestingClaimed{Vester: v.address, Account: account, Receiver: receiver, Amount: common.Copy(amount)})
	v.metrics.AddVolume(moduleName, "claim", amount)
	return amount, nil
}

func (v *Vester) withdrawLocked(account crypto.Address) error {
	if err := common.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	total := common.Get(v.balances, account)
	total.Add(total, common.Get(v.cumulativeClaimAmounts, account))
	if total.Sign() == 0 {
		return errVestedAmountZero
	}
	claimed, err := v.claimLocked(account, account)
	if err != nil {
		return err
	}
	balance := common.Get(v.balances, account)
	pairAmount := common.Get(v.pairAmounts, account)
	if pairAmount.Sign() > 0 && v.pairToken != nil {
		if err := v.pairToken.Transfer(v.address, account, pairAmount); err != nil {
			return err
		}
		v.pairSupply.Sub(v.pairSupply, pairAmount)
		delete(v.pairAmounts, account)
	}
	if balance.Sign() > 0 {
		if err := v.esToken.Transfer(v.address, account, balance); err != nil {
			return err
		}
		v.totalSupply.Sub(v.totalSupply, balance)
	}
	delete(v.balances, account)
	delete(v.cumulativeClaimAmounts, account)
	delete(v.claimedAmounts, account)
	delete(v.lastVestingTimes, account)

	v.emitter.Emit(events.VestingWithdrawn{Vester: v.address, Account: account, ClaimedAmount: claimed, Balance: balance, PairAmount: pairAmount})
	v.logger.Debug("vester withdraw",
		slog.String("vester", v.symbol),
		slog.String("account", account.String()),
		slog.String("balance", balance.String()))
	return nil
}

// updateVestingLocked moves the amount vested since the last checkpoint from
// the account's balance into its cumulative claim and burns the matching
// escrowed tokens held by the vester.
// refundLocked returns tokens pulled by a deposit that was then rejected.
func (v *Vester) refundLocked(account crypto.Address, tok token.Token, amount *big.Int) {
	if err := tok.Transfer(v.address, account, amount); err != nil {
		v.logger.Error("vester deposit refund failed",
			slog.String("vester", v.symbol),
			slog.String("token", tok.Symbol()),
			slog.String("account", account.String()),
			slog.Any("error", err))
	}
}

func (v *Vester) updateVestingLocked(account crypto.Address) error {
	balance := common.Get(v.balances, account)
	if balance.Sign() == 0 {
		return nil
	}
	vested := v.nextClaimableLocked(account)
	if vested.Sign() > 0 {
		if err := v.esToken.Burn(v.address, v.address, vested); err != nil {
			return err
		}
		common.Put(v.balances, account, balance.Sub(balance, vested))
		v.totalSupply.Sub(v.totalSupply, vested)
		cumulative := common.Get(v.cumulativeClaimAmounts, account)
		common.Put(v.cumulativeClaimAmounts, account, cumulative.Add(cumulative, vested))
	}
	v.lastVestingTimes[account] = v.now()
	return nil
}

// nextClaimableLocked returns total*elapsed/duration capped at the
// remaining balance, where total includes what already vested. The rate
// therefore stays constant after a claim.
func (v *Vester) nextClaimableLocked(account crypto.Address) *big.Int {
	balance := common.Get(v.balances, account)
	if balance.Sign() == 0 {
		return new(big.Int)
	}
	now := v.now()
	last := v.lastVestingTimes[account]
	if now <= last {
		return new(big.Int)
	}
	total := new(big.Int).Add(balance, common.Get(v.cumulativeClaimAmounts, account))
	vested := total.Mul(total, new(big.Int).SetUint64(now-last))
	vested.Quo(vested, new(big.Int).SetUint64(v.vestingDuration))
	if vested.Cmp(balance) > 0 {
		return balance
	}
	return vested
}

func (v *Vester) trackerCumulativeRewardsLocked(account crypto.Address) *big.Int {
	if v.rewardTracker == nil {
		return new(big.Int)
	}
	return common.Copy(v.rewardTracker.CumulativeRewards(account))
}

func (v *Vester) maxVestableAmountLocked(account crypto.Address) *big.Int {
	if v.rewardTracker == nil {
		return new(big.Int).Set(maxVestableUnlimited)
	}
	amount := common.Copy(v.rewardTracker.CumulativeRewards(account))
	amount.Add(amount, common.Get(v.transferredCumulativeRewards, account))
	amount.Add(amount, common.Get(v.bonusRewards, account))
	deduction := common.Get(v.cumulativeRewardDeductions, account)
	if amount.Cmp(deduction) <= 0 {
		return new(big.Int)
	}
	return amount.Sub(amount, deduction)
}

func (v *Vester) combinedAverageStakedAmountLocked(account crypto.Address) *big.Int {
	if v.rewardTracker == nil {
		return new(big.Int)
	}
	cumulative := common.Copy(v.rewardTracker.CumulativeRewards(account))
	transferred := common.Get(v.transferredCumulativeRewards, account)
	total := new(big.Int).Add(cumulative, transferred)
	if total.Sign() == 0 {
		return new(big.Int)
	}
	own := common.Copy(v.rewardTracker.AverageStakedAmount(account))
	own.Mul(own, cumulative)
	own.Quo(own, total)
	inherited := common.Get(v.transferredAverageStakedAmounts, account)
	inherited.Mul(inherited, transferred)
	inherited.Quo(inherited, total)
	return own.Add(own, inherited)
}

func (v *Vester) pairAmountLocked(account crypto.Address, esAmount *big.Int) *big.Int {
	if v.rewardTracker == nil || esAmount == nil || esAmount.Sign() == 0 {
		return new(big.Int)
	}
	combined := v.combinedAverageStakedAmountLocked(account)
	if combined.Sign() == 0 {
		return new(big.Int)
	}
	maxVestable := v.maxVestableAmountLocked(account)
	if maxVestable.Sign() == 0 {
		return new(big.Int)
	}
	pair := new(big.Int).Mul(esAmount, combined)
	return pair.Quo(pair, maxVestable)
}
