package rewards

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
	"stakeledger/observability/metrics"
)

const moduleName = "rewards"

var (
	errTrackerInitialized  = fmt.Errorf("%w: reward tracker: already initialized", common.ErrAlreadyInitialized)
	errInvalidDepositToken = fmt.Errorf("%w: reward tracker: invalid deposit token", common.ErrInputInvalid)
	errInvalidDistributor  = fmt.Errorf("%w: reward tracker: invalid distributor", common.ErrInputInvalid)
	errZeroAccount         = fmt.Errorf("%w: reward tracker: zero address", common.ErrInputInvalid)
	errNegativeAmount      = fmt.Errorf("%w: reward tracker: negative amount", common.ErrInputInvalid)
	errActionNotEnabled    = fmt.Errorf("%w: reward tracker: action not enabled", common.ErrForbidden)
	errTrackerForbidden    = fmt.Errorf("%w: reward tracker: forbidden", common.ErrForbidden)
	errExceedsStaked       = fmt.Errorf("%w: reward tracker: amount exceeds staked amount", common.ErrExceedsStaked)
	errExceedsDeposit      = fmt.Errorf("%w: reward tracker: amount exceeds deposit balance", common.ErrExceedsDeposit)
	errBurnExceeds         = fmt.Errorf("%w: reward tracker: burn amount exceeds balance", common.ErrInsufficientBalance)
	errTransferExceeds     = fmt.Errorf("%w: reward tracker: transfer amount exceeds balance", common.ErrInsufficientBalance)
	errAllowanceExceeds    = fmt.Errorf("%w: reward tracker: transfer amount exceeds allowance", common.ErrInsufficientAllowance)
)

// Tracker accepts one or more deposit tokens, issues a non-rebasing balance
// one-for-one against them and accrues rewards released by its distributor
// pro rata to each account's staked amount.
//
// Every mutation settles the affected accounts against the accumulator
// before any staked quantity changes. Rejected operations leave the ledger
// untouched; all checks and the distributor balance preflight run before
// the first external token movement.
type Tracker struct {
	mu sync.Mutex

	address crypto.Address
	name    string
	symbol  string

	gov      *common.Governance
	handlers *common.Handlers
	pauses   common.PauseView
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *metrics.LedgerMetrics

	initialized   bool
	distributor   Distributor
	depositTokens map[crypto.Address]token.Token

	totalSupply        *big.Int
	balances           map[crypto.Address]*big.Int
	allowances         map[crypto.Address]map[crypto.Address]*big.Int
	stakedAmounts      map[crypto.Address]*big.Int
	depositBalances    map[crypto.Address]map[crypto.Address]*big.Int
	totalDepositSupply map[crypto.Address]*big.Int

	cumulativeRewardPerToken        *big.Int
	previousCumulatedRewardPerToken map[crypto.Address]*big.Int
	claimableReward                 map[crypto.Address]*big.Int
	cumulativeRewards               map[crypto.Address]*big.Int
	averageStakedAmounts            map[crypto.Address]*big.Int

	inPrivateTransferMode bool
	inPrivateStakingMode  bool
	inPrivateClaimingMode bool
}

// NewTracker creates an uninitialised tracker governed by gov.
func NewTracker(address crypto.Address, name, symbol string, gov *common.Governance) *Tracker {
	return &Tracker{
		address:                         address,
		name:                            strings.TrimSpace(name),
		symbol:                          strings.TrimSpace(symbol),
		gov:                             gov,
		handlers:                        common.NewHandlers(),
		emitter:                         events.NoopEmitter{},
		logger:                          slog.Default(),
		metrics:                         metrics.Ledger(),
		depositTokens:                   make(map[crypto.Address]token.Token),
		totalSupply:                     new(big.Int),
		balances:                        make(map[crypto.Address]*big.Int),
		allowances:                      make(map[crypto.Address]map[crypto.Address]*big.Int),
		stakedAmounts:                   make(map[crypto.Address]*big.Int),
		depositBalances:                 make(map[crypto.Address]map[crypto.Address]*big.Int),
		totalDepositSupply:              make(map[crypto.Address]*big.Int),
		cumulativeRewardPerToken:        new(big.Int),
		previousCumulatedRewardPerToken: make(map[crypto.Address]*big.Int),
		claimableReward:                 make(map[crypto.Address]*big.Int),
		cumulativeRewards:               make(map[crypto.Address]*big.Int),
		averageStakedAmounts:            make(map[crypto.Address]*big.Int),
	}
}

// SetEmitter wires the event sink.
func (t *Tracker) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	t.mu.Lock()
	t.emitter = emitter
	t.mu.Unlock()
}

// SetLogger overrides the structured logger.
func (t *Tracker) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// SetPauses wires the pause view consulted before user facing mutations.
func (t *Tracker) SetPauses(p common.PauseView) {
	t.mu.Lock()
	t.pauses = p
	t.mu.Unlock()
}

// Initialize registers the deposit tokens and the distributor. It can only
// run once.
func (t *Tracker) Initialize(caller crypto.Address, depositTokens []token.Token, distributor Distributor) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	if distributor == nil {
		return errInvalidDistributor
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return errTrackerInitialized
	}
	for _, tok := range depositTokens {
		if tok == nil {
			return errInvalidDepositToken
		}
	}
	for _, tok := range depositTokens {
		t.depositTokens[tok.Address()] = tok
	}
	t.distributor = distributor
	t.initialized = true
	return nil
}

// SetDepositToken adds or removes an accepted deposit token.
func (t *Tracker) SetDepositToken(caller crypto.Address, tok token.Token, active bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	if tok == nil {
		return errInvalidDepositToken
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if active {
		t.depositTokens[tok.Address()] = tok
	} else {
		delete(t.depositTokens, tok.Address())
	}
	return nil
}

// SetHandler grants or revokes handler status.
func (t *Tracker) SetHandler(caller, handler crypto.Address, active bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	t.handlers.Set(handler, active)
	return nil
}

// SetInPrivateTransferMode restricts balance transfers to handlers.
func (t *Tracker) SetInPrivateTransferMode(caller crypto.Address, enabled bool) error {
	return t.setMode(caller, &t.inPrivateTransferMode, enabled)
}

// SetInPrivateStakingMode disables the self-service stake and unstake entry points.
func (t *Tracker) SetInPrivateStakingMode(caller crypto.Address, enabled bool) error {
	return t.setMode(caller, &t.inPrivateStakingMode, enabled)
}

// SetInPrivateClaimingMode disables the self-service claim entry point.
func (t *Tracker) SetInPrivateClaimingMode(caller crypto.Address, enabled bool) error {
	return t.setMode(caller, &t.inPrivateClaimingMode, enabled)
}

func (t *Tracker) setMode(caller crypto.Address, flag *bool, enabled bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	t.mu.Lock()
	*flag = enabled
	t.mu.Unlock()
	return nil
}

// WithdrawToken lets governance recover tokens sent to the tracker by
// mistake. It moves the tracker's own holdings and never touches the ledger.
func (t *Tracker) WithdrawToken(caller crypto.Address, tok token.Token, receiver crypto.Address, amount *big.Int) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	if tok == nil {
		return errInvalidDepositToken
	}
	if err := common.CheckAmount("reward tracker", amount); err != nil {
		return err
	}
	return tok.Transfer(t.address, receiver, amount)
}

// Stake deposits amount of depositToken for the caller. It is disabled in
// private staking mode.
func (t *Tracker) Stake(caller, depositToken crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inPrivateStakingMode {
		return errActionNotEnabled
	}
	err := t.stakeLocked(caller, caller, depositToken, amount)
	t.metrics.ObserveOperation(moduleName, "stake", err)
	return err
}

// StakeForAccount pulls amount of depositToken from funding and credits
// account. Only handlers may call it.
func (t *Tracker) StakeForAccount(caller, funding, account, depositToken crypto.Address, amount *big.Int) error {
	if err := t.handlers.Require("reward tracker", caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.stakeLocked(funding, account, depositToken, amount)
	t.metrics.ObserveOperation(moduleName, "stake", err)
	return err
}

// Unstake returns amount of depositToken to the caller. It is disabled in
// private staking mode.
func (t *Tracker) Unstake(caller, depositToken crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inPrivateStakingMode {
		return errActionNotEnabled
	}
	err := t.unstakeLocked(caller, depositToken, amount, caller)
	t.metrics.ObserveOperation(moduleName, "unstake", err)
	return err
}

// UnstakeForAccount withdraws account's deposit to receiver. Only handlers
// may call it.
func (t *Tracker) UnstakeForAccount(caller, account, depositToken crypto.Address, amount *big.Int, receiver crypto.Address) error {
	if err := t.handlers.Require("reward tracker", caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.unstakeLocked(account, depositToken, amount, receiver)
	t.metrics.ObserveOperation(moduleName, "unstake", err)
	return err
}

// Claim pays the caller's claimable reward to receiver and returns the
// amount paid. It is disabled in private claiming mode.
func (t *Tracker) Claim(caller, receiver crypto.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inPrivateClaimingMode {
		return nil, errActionNotEnabled
	}
	amount, err := t.claimLocked(caller, receiver)
	t.metrics.ObserveOperation(moduleName, "claim", err)
	return amount, err
}

// ClaimForAccount pays account's claimable reward to receiver. Only
// handlers may call it.
func (t *Tracker) ClaimForAccount(caller, account, receiver crypto.Address) (*big.Int, error) {
	if err := t.handlers.Require("reward tracker", caller); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	amount, err := t.claimLocked(account, receiver)
	t.metrics.ObserveOperation(moduleName, "claim", err)
	return amount, err
}

// UpdateRewards pulls pending emissions into the accumulator without
// settling any account.
func (t *Tracker) UpdateRewards() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDistributionLocked(); err != nil {
		return err
	}
	return t.distributeLocked()
}

func (t *Tracker) stakeLocked(funding, account, depositToken crypto.Address, amount *big.Int) error {
	if err := common.Guard(t.pauses, moduleName); err != nil {
		return err
	}
	if err := common.CheckAmount("reward tracker", amount); err != nil {
		return err
	}
	tok, ok := t.depositTokens[depositToken]
	if !ok {
		return errInvalidDepositToken
	}
	if account.IsZero() {
		return errZeroAccount
	}
	if err := t.checkDistributionLocked(); err != nil {
		return err
	}
	if err := tok.TransferFrom(t.address, funding, t.address, amount); err != nil {
		return err
	}
	if err := t.distributeLocked(); err != nil {
		return err
	}
	t.settleAccountLocked(account)

	staked := common.Get(t.stakedAmounts, account)
	common.Put(t.stakedAmounts, account, staked.Add(staked, amount))
	t.addDepositLocked(account, depositToken, amount)
	total := common.Get(t.totalDepositSupply, depositToken)
	common.Put(t.totalDepositSupply, depositToken, total.Add(total, amount))
	t.mintLocked(account, amount)

	t.emitter.Emit(events.Staked{Tracker: t.address, Funding: funding, Account: account, Token: depositToken, Amount: common.Copy(amount)})
	t.metrics.AddVolume(t.symbol, "stake", amount)
	t.metrics.SetTrackerSupply(t.symbol, t.totalSupply)
	t.logger.Debug("reward tracker stake",
		slog.String("tracker", t.symbol),
		slog.String("account", account.String()),
		slog.String("amount", amount.String()))
	return nil
}

func (t *Tracker) unstakeLocked(account, depositToken crypto.Address, amount *big.Int, receiver crypto.Address) error {
	if err := common.Guard(t.pauses, moduleName); err != nil {
		return err
	}
	if err := common.CheckAmount("reward tracker", amount); err != nil {
		return err
	}
	tok, ok := t.depositTokens[depositToken]
	if !ok {
		return errInvalidDepositToken
	}
	if receiver.IsZero() {
		return errZeroAccount
	}
	staked := common.Get(t.stakedAmounts, account)
	if staked.Cmp(amount) < 0 {
		return errExceedsStaked
	}
	deposit := t.depositLocked(account, depositToken)
	if deposit.Cmp(amount) < 0 {
		return errExceedsDeposit
	}
	if common.Get(t.balances, account).Cmp(amount) < 0 {
		return errBurnExceeds
	}
	if err := t.checkDistributionLocked(); err != nil {
		return err
	}
	if err := tok.Transfer(t.address, receiver, amount); err != nil {
		return err
	}
	if err := t.distributeLocked(); err != nil {
		return err
	}
	t.settleAccountLocked(account)

	common.Put(t.stakedAmounts, account, staked.Sub(staked, amount))
	t.putDepositLocked(account, depositToken, deposit.Sub(deposit, amount))
	total := common.Get(t.totalDepositSupply, depositToken)
	common.Put(t.totalDepositSupply, depositToken, total.Sub(total, amount))
	balance := common.Get(t.balances, account)
	common.Put(t.balances, account, balance.Sub(balance, amount))
	t.totalSupply.Sub(t.totalSupply, amount)

	t.emitter.Emit(events.Unstaked{Tracker: t.address, Account: account, Receiver: receiver, Token: depositToken, Amount: common.Copy(amount)})
	t.metrics.AddVolume(t.symbol, "unstake", amount)
	t.metrics.SetTrackerSupply(t.symbol, t.totalSupply)
	t.logger.Debug("reward tracker unstake",
		slog.String("tracker", t.symbol),
		slog.String("account", account.String()),
		slog.String("amount", amount.String()))
	return nil
}

func (t *Tracker) claimLocked(account, receiver crypto.Address) (*big.Int, error) {
	if err := common.Guard(t.pauses, moduleName); err != nil {
		return nil, err
	}
	if receiver.IsZero() {
		return nil, errZeroAccount
	}
	if err := t.checkDistributionLocked(); err != nil {
		return nil, err
	}
	if err := t.distributeLocked(); err != nil {
		return nil, err
	}
	t.settleAccountLocked(account)

	amount := common.Get(t.claimableReward, account)
	if amount.Sign() == 0 || t.distributor == nil {
		return amount, nil
	}
	delete(t.claimableReward, account)
	if err := t.distributor.RewardToken().Transfer(t.address, receiver, amount); err != nil {
		common.Put(t.claimableReward, account, amount)
		return nil, err
	}
	t.emitter.Emit(events.RewardsClaimed{Tracker: t.address, Account: account, Receiver: receiver, Amount: common.Copy(amount)})
	t.metrics.AddVolume(t.symbol, "claim", amount)
	return amount, nil
}

// checkDistributionLocked verifies that the distributor can pay what it
// owes so that settlement never fails halfway through an operation.
func (t *Tracker) checkDistributionLocked() error {
	if t.distributor == nil {
		return nil
	}
	pending := t.distributor.PendingDistributionAmount(t.totalSupply)
	if pending.Sign() == 0 {
		return nil
	}
	if t.distributor.RewardToken().BalanceOf(t.distributor.Address()).Cmp(pending) < 0 {
		return errDistributorBalance
	}
	return nil
}

func (t *Tracker) distributeLocked() error {
	if t.distributor == nil {
		return nil
	}
	reward, err := t.distributor.Distribute(t.address, common.Copy(t.totalSupply))
	if err != nil {
		return err
	}
	if reward.Sign() > 0 && t.totalSupply.Sign() > 0 {
		t.cumulativeRewardPerToken.Add(t.cumulativeRewardPerToken, rewardPerToken(reward, t.totalSupply))
		t.metrics.AddDistributed(t.symbol, reward)
	}
	return nil
}

func (t *Tracker) settleAccountLocked(account crypto.Address) {
	if t.cumulativeRewardPerToken.Sign() == 0 {
		return
	}
	staked := common.Get(t.stakedAmounts, account)
	reward := accountReward(staked, t.cumulativeRewardPerToken, common.Get(t.previousCumulatedRewardPerToken, account))
	claimable := common.Get(t.claimableReward, account)
	claimable.Add(claimable, reward)
	common.Put(t.claimableReward, account, claimable)
	common.Put(t.previousCumulatedRewardPerToken, account, t.cumulativeRewardPerToken)

	if claimable.Sign() > 0 && staked.Sign() > 0 {
		cumulative := common.Get(t.cumulativeRewards, account)
		average := nextAverageStaked(common.Get(t.averageStakedAmounts, account), cumulative, staked, reward)
		common.Put(t.averageStakedAmounts, account, average)
		common.Put(t.cumulativeRewards, account, cumulative.Add(cumulative, reward))
	}
}

func (t *Tracker) mintLocked(account crypto.Address, amount *big.Int) {
	balance := common.Get(t.balances, account)
	common.Put(t.balances, account, balance.Add(balance, amount))
	t.totalSupply.Add(t.totalSupply, amount)
}

func (t *Tracker) depositLocked(account, depositToken crypto.Address) *big.Int {
	return common.Get(t.depositBalances[account], depositToken)
}

func (t *Tracker) putDepositLocked(account, depositToken crypto.Address, amount *big.Int) {
	deposits := t.depositBalances[account]
	if deposits == nil {
		if amount.Sign() == 0 {
			return
		}
		deposits = make(map[crypto.Address]*big.Int)
		t.depositBalances[account] = deposits
	}
	common.Put(deposits, depositToken, amount)
	if len(deposits) == 0 {
		delete(t.depositBalances, account)
	}
}

func (t *Tracker) addDepositLocked(account, depositToken crypto.Address, amount *big.Int) {
	deposit := t.depositLocked(account, depositToken)
	t.putDepositLocked(account, depositToken, deposit.Add(deposit, amount))
}

// Approve sets spender's allowance over owner's tracker balance.
func (t *Tracker) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return errZeroAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllowanceLocked(owner, spender, amount)
	return nil
}

// Transfer moves tracker balance from sender to recipient. Staked amounts
// and deposit balances stay with the original staker.
func (t *Tracker) Transfer(sender, recipient crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(sender, sender, recipient, amount)
}

// TransferFrom moves tracker balance on behalf of sender. Handlers skip the
// allowance check.
func (t *Tracker) TransferFrom(spender, sender, recipient crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers.IsHandler(spender) {
		return t.transferLocked(spender, sender, recipient, amount)
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	allowance := t.allowanceLocked(sender, spender)
	if allowance.Cmp(amount) < 0 {
		return errAllowanceExceeds
	}
	if err := t.transferLocked(spender, sender, recipient, amount); err != nil {
		return err
	}
	t.setAllowanceLocked(sender, spender, allowance.Sub(allowance, amount))
	return nil
}

func (t *Tracker) transferLocked(caller, sender, recipient crypto.Address, amount *big.Int) error {
	if sender.IsZero() || recipient.IsZero() {
		return errZeroAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	if t.inPrivateTransferMode && !t.handlers.IsHandler(caller) {
		return errTrackerForbidden
	}
	balance := common.Get(t.balances, sender)
	if balance.Cmp(amount) < 0 {
		return errTransferExceeds
	}
	if err := t.checkDistributionLocked(); err != nil {
		return err
	}
	if err := t.distributeLocked(); err != nil {
		return err
	}
	t.settleAccountLocked(sender)
	t.settleAccountLocked(recipient)

	common.Put(t.balances, sender, balance.Sub(balance, amount))
	received := common.Get(t.balances, recipient)
	common.Put(t.balances, recipient, received.Add(received, amount))
	return nil
}

func (t *Tracker) allowanceLocked(owner, spender crypto.Address) *big.Int {
	return common.Get(t.allowances[owner], spender)
}

func (t *Tracker) setAllowanceLocked(owner, spender crypto.Address, amount *big.Int) {
	allowances := t.allowances[owner]
	if allowances == nil {
		if amount.Sign() == 0 {
			return
		}
		allowances = make(map[crypto.Address]*big.Int)
		t.allowances[owner] = allowances
	}
	common.Put(allowances, spender, amount)
	if len(allowances) == 0 {
		delete(t.allowances, owner)
	}
}
