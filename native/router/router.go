package router

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"sort"
	"sync"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
	"stakeledger/observability/metrics"
)

const moduleName = "router"

var (
	errInvalidConfig     = fmt.Errorf("%w: router: invalid configuration", common.ErrInputInvalid)
	errZeroAccount       = fmt.Errorf("%w: router: zero address", common.ErrInputInvalid)
	errExceedsStaked     = fmt.Errorf("%w: router: amount exceeds staked amount", common.ErrExceedsStaked)
	errExceedsDeposit    = fmt.Errorf("%w: router: amount exceeds deposit balance", common.ErrExceedsDeposit)
	errSenderVesting     = fmt.Errorf("%w: router: sender has vested tokens", common.ErrForbidden)
	errNotSignalled      = fmt.Errorf("%w: router: transfer not signalled", common.ErrTransferNotSignalled)
	errReceiverStaked    = fmt.Errorf("%w: router: receiver has staked history", common.ErrInputInvalid)
	errReceiverRewarded  = fmt.Errorf("%w: router: receiver has reward history", common.ErrInputInvalid)
	errReceiverVesting   = fmt.Errorf("%w: router: receiver has vested tokens", common.ErrInputInvalid)
	errReceiverInherited = fmt.Errorf("%w: router: receiver has transferred stake values", common.ErrInputInvalid)
	errSelfTransfer      = fmt.Errorf("%w: router: sender and receiver are the same account", common.ErrInputInvalid)
)

// StakeTracker is the tracker surface the router drives. The router must be
// registered as a handler on every tracker it is wired to.
type StakeTracker interface {
	Address() crypto.Address
	StakeForAccount(caller, funding, account, depositToken crypto.Address, amount *big.Int) error
	UnstakeForAccount(caller, account, depositToken crypto.Address, amount *big.Int, receiver crypto.Address) error
	ClaimForAccount(caller, account, receiver crypto.Address) (*big.Int, error)
	UpdateRewards() error
	StakedAmount(account crypto.Address) *big.Int
	DepositBalance(account, depositToken crypto.Address) *big.Int
	AverageStakedAmount(account crypto.Address) *big.Int
	CumulativeRewards(account crypto.Address) *big.Int
}

// Vester is the vesting surface touched by reward handling and position
// transfers.
type Vester interface {
	Address() crypto.Address
	BalanceOf(account crypto.Address) *big.Int
	ClaimForAccount(caller, account, receiver crypto.Address) (*big.Int, error)
	TransferStakeValues(caller, sender, receiver crypto.Address) error
	TransferredAverageStakedAmount(account crypto.Address) *big.Int
	TransferredCumulativeRewards(account crypto.Address) *big.Int
}

// Journal checkpoints the component state a router operation can touch.
// When an operation fails after one of its legs has committed, the router
// calls the returned rollback so the rejected call leaves no partial state.
// Checkpoint must not call back into the router.
type Journal interface {
	Checkpoint() (rollback func() error, err error)
}

// Config wires a router to the staking stack.
type Config struct {
	Address crypto.Address
	// BaseToken is the staked governance token.
	BaseToken token.Token
	// EsToken is the escrowed reward paid by the staked tracker.
	EsToken token.Token
	// BnToken is the multiplier point token minted by the bonus
	// distributor. The router must be one of its minters.
	BnToken token.Mintable

	StakedTracker StakeTracker
	BonusTracker  StakeTracker
	FeeTracker    StakeTracker

	// Vester is optional.
	Vester Vester
}

// HandleRewardsOptions selects the legs executed by HandleRewards.
type HandleRewardsOptions struct {
	ClaimVested           bool
	StakeVested           bool
	ClaimEsToken          bool
	StakeEsToken          bool
	StakeMultiplierPoints bool
	ClaimFees             bool
}

// HandleRewardsResult reports the amounts released by HandleRewards.
type HandleRewardsResult struct {
	Vested           *big.Int
	EsToken          *big.Int
	MultiplierPoints *big.Int
	Fees             *big.Int
}

// Router composes user actions across the staked, bonus and fee tracker
// chain. Staking base or escrowed tokens deposits them into the staked
// tracker, whose balance is deposited into the bonus tracker, whose balance
// is in turn deposited into the fee tracker alongside multiplier points.
//
// Router operations are serialised. Each tracker's accumulator is refreshed
// before the first leg runs, and with a Journal wired a failing operation is
// rolled back as a whole.
type Router struct {
	mu sync.Mutex

	address crypto.Address
	base    token.Token
	es      token.Token
	bn      token.Mintable
	staked  StakeTracker
	bonus   StakeTracker
	fee     StakeTracker
	vester  Vester

	gov     *common.Governance
	pauses  common.PauseView
	journal Journal
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.LedgerMetrics

	pendingReceivers map[crypto.Address]crypto.Address
}

// New validates cfg and returns a router governed by gov.
func New(cfg Config, gov *common.Governance) (*Router, error) {
	if cfg.BaseToken == nil || cfg.EsToken == nil || cfg.BnToken == nil {
		return nil, errInvalidConfig
	}
	if cfg.StakedTracker == nil || cfg.BonusTracker == nil || cfg.FeeTracker == nil {
		return nil, errInvalidConfig
	}
	if cfg.Address.IsZero() {
		return nil, errZeroAccount
	}
	return &Router{
		address:          cfg.Address,
		base:             cfg.BaseToken,
		es:               cfg.EsToken,
		bn:               cfg.BnToken,
		staked:           cfg.StakedTracker,
		bonus:            cfg.BonusTracker,
		fee:              cfg.FeeTracker,
		vester:           cfg.Vester,
		gov:              gov,
		emitter:          events.NoopEmitter{},
		logger:           slog.Default(),
		metrics:          metrics.Ledger(),
		pendingReceivers: make(map[crypto.Address]crypto.Address),
	}, nil
}

// SetEmitter wires the event sink.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

// SetLogger overrides the structured logger.
func (r *Router) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetPauses wires the pause view consulted before every user action.
func (r *Router) SetPauses(p common.PauseView) {
	r.mu.Lock()
	r.pauses = p
	r.mu.Unlock()
}

// SetJournal wires the checkpoint source used to roll back failed
// operations. Without one a failing multi-leg operation keeps the legs that
// already ran.
func (r *Router) SetJournal(j Journal) {
	r.mu.Lock()
	r.journal = j
	r.mu.Unlock()
}

func (r *Router) Address() crypto.Address { return r.address }

// PendingReceiver returns the receiver signalled by sender, if any.
func (r *Router) PendingReceiver(sender crypto.Address) (crypto.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receiver, ok := r.pendingReceivers[sender]
	return receiver, ok
}

// PendingTransfer is a signalled, not yet accepted, position transfer.
type PendingTransfer struct {
	Sender   crypto.Address
	Receiver crypto.Address
}

// PendingTransfers lists every signalled transfer sorted by sender.
func (r *Router) PendingTransfers() []PendingTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingTransfer, 0, len(r.pendingReceivers))
	for sender, receiver := range r.pendingReceivers {
		out = append(out, PendingTransfer{Sender: sender, Receiver: receiver})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Sender.Bytes(), out[j].Sender.Bytes()) < 0
	})
	return out
}

// RestorePendingTransfers replaces the signalled transfers.
func (r *Router) RestorePendingTransfers(pending []PendingTransfer) error {
	next := make(map[crypto.Address]crypto.Address, len(pending))
	for _, p := range pending {
		if p.Sender.IsZero() || p.Receiver.IsZero() {
			return errZeroAccount
		}
		next[p.Sender] = p.Receiver
	}
	r.mu.Lock()
	r.pendingReceivers = next
	r.mu.Unlock()
	return nil
}

// StakeForAccount stakes amount of the base token for account, funded by
// the governor.
func (r *Router) StakeForAccount(caller, account crypto.Address, amount *big.Int) error {
	if err := r.gov.Authorize(caller); err != nil {
		r.logger.Warn("rejected privileged stake", slog.String("caller", caller.String()))
		return err
	}
	return r.run("stake", func() error {
		return r.stakeLocked(caller, account, r.base.Address(), amount)
	})
}

// Stake stakes amount of the caller's base token.
func (r *Router) Stake(caller crypto.Address, amount *big.Int) error {
	return r.run("stake", func() error {
		return r.stakeLocked(caller, caller, r.base.Address(), amount)
	})
}

// StakeEsToken stakes amount of the caller's escrowed tokens.
func (r *Router) StakeEsToken(caller crypto.Address, amount *big.Int) error {
	return r.run("stake_es", func() error {
		return r.stakeLocked(caller, caller, r.es.Address(), amount)
	})
}

// Unstake withdraws amount of the caller's staked base token and burns the
// matching share of the caller's multiplier points.
func (r *Router) Unstake(caller crypto.Address, amount *big.Int) error {
	return r.run("unstake", func() error {
		return r.unstakeLocked(caller, r.base.Address(), amount, true)
	})
}

// UnstakeEsToken withdraws amount of the caller's staked escrowed tokens and
// burns the matching share of the caller's multiplier points.
func (r *Router) UnstakeEsToken(caller crypto.Address, amount *big.Int) error {
	return r.run("unstake_es", func() error {
		return r.unstakeLocked(caller, r.es.Address(), amount, true)
	})
}

// Claim pays the caller's fee and escrowed rewards.
func (r *Router) Claim(caller crypto.Address) error {
	return r.run("claim", func() error {
		if err := r.syncLocked(); err != nil {
			return err
		}
		if _, err := r.fee.ClaimForAccount(r.address, caller, caller); err != nil {
			return err
		}
		_, err := r.staked.ClaimForAccount(r.address, caller, caller)
		return err
	})
}

// ClaimEs pays the caller's escrowed rewards.
func (r *Router) ClaimEs(caller crypto.Address) (*big.Int, error) {
	var amount *big.Int
	err := r.run("claim_es", func() error {
		var err error
		amount, err = r.staked.ClaimForAccount(r.address, caller, caller)
		return err
	})
	return amount, err
}

// ClaimFees pays the caller's fee rewards.
func (r *Router) ClaimFees(caller crypto.Address) (*big.Int, error) {
	var amount *big.Int
	err := r.run("claim_fees", func() error {
		var err error
		amount, err = r.fee.ClaimForAccount(r.address, caller, caller)
		return err
	})
	return amount, err
}

// Compound restakes the caller's escrowed rewards and multiplier points.
func (r *Router) Compound(caller crypto.Address) error {
	return r.run("compound", func() error {
		return r.compoundLocked(caller)
	})
}

// CompoundForAccount compounds account on the governor's behalf.
func (r *Router) CompoundForAccount(caller, account crypto.Address) error {
	if err := r.gov.Authorize(caller); err != nil {
		return err
	}
	return r.run("compound", func() error {
		return r.compoundLocked(account)
	})
}

// BatchCompoundForAccounts compounds every account in order. It stops at the
// first failure; accounts before it stay compounded.
func (r *Router) BatchCompoundForAccounts(caller crypto.Address, accounts []crypto.Address) error {
	if err := r.gov.Authorize(caller); err != nil {
		return err
	}
	return r.run("compound", func() error {
		for _, account := range accounts {
			if err := r.compoundLocked(account); err != nil {
				return fmt.Errorf("compound %s: %w", account, err)
			}
		}
		return nil
	})
}

// HandleRewards claims and optionally restakes the caller's vested tokens,
// escrowed rewards and multiplier points, and claims fees.
func (r *Router) HandleRewards(caller crypto.Address, opts HandleRewardsOptions) (*HandleRewardsResult, error) {
	result := &HandleRewardsResult{
		Vested:           new(big.Int),
		EsToken:          new(big.Int),
		MultiplierPoints: new(big.Int),
		Fees:             new(big.Int),
	}
	err := r.run("handle_rewards", func() error {
		if err := r.syncLocked(); err != nil {
			return err
		}
		if opts.ClaimVested && r.vester != nil {
			amount, err := r.vester.ClaimForAccount(r.address, caller, caller)
			if err != nil {
				return err
			}
			result.Vested.Set(amount)
		}
		if opts.StakeVested && result.Vested.Sign() > 0 {
			if err := r.stakeChainLocked(caller, caller, r.base.Address(), result.Vested); err != nil {
				return err
			}
		}
		if opts.ClaimEsToken {
			amount, err := r.staked.ClaimForAccount(r.address, caller, caller)
			if err != nil {
				return err
			}
			result.EsToken.Set(amount)
		}
		if opts.StakeEsToken && result.EsToken.Sign() > 0 {
			if err := r.stakeChainLocked(caller, caller, r.es.Address(), result.EsToken); err != nil {
				return err
			}
		}
		if opts.StakeMultiplierPoints {
			amount, err := r.stakeMultiplierPointsLocked(caller)
			if err != nil {
				return err
			}
			result.MultiplierPoints.Set(amount)
		}
		if opts.ClaimFees {
			amount, err := r.fee.ClaimForAccount(r.address, caller, caller)
			if err != nil {
				return err
			}
			result.Fees.Set(amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SignalTransfer records receiver as the pending recipient of the caller's
// position. A later signal replaces the earlier one.
func (r *Router) SignalTransfer(caller, receiver crypto.Address) error {
	return r.run("signal_transfer", func() error {
		if err := r.validateSenderLocked(caller); err != nil {
			return err
		}
		if err := r.validateReceiverLocked(caller, receiver); err != nil {
			return err
		}
		r.pendingReceivers[caller] = receiver
		r.emitter.Emit(events.TransferSignalled{Sender: caller, Receiver: receiver})
		r.logger.Info("position transfer signalled",
			slog.String("sender", caller.String()),
			slog.String("receiver", receiver.String()))
		return nil
	})
}

// AcceptTransfer moves sender's whole position to the caller, who must be
// the receiver sender signalled. The sender is compounded first; its staked
// base and escrowed tokens, staked multiplier points, liquid escrowed
// balance and vesting history all move to the receiver.
func (r *Router) AcceptTransfer(caller, sender crypto.Address) error {
	return r.run("accept_transfer", func() error {
		if err := r.validateSenderLocked(sender); err != nil {
			return err
		}
		receiver, ok := r.pendingReceivers[sender]
		if !ok || !receiver.Equal(caller) {
			return errNotSignalled
		}
		if err := r.validateReceiverLocked(sender, receiver); err != nil {
			return err
		}
		if err := r.syncLocked(); err != nil {
			return err
		}

		if err := r.compoundLocked(sender); err != nil {
			return err
		}
		for _, depositToken := range []crypto.Address{r.base.Address(), r.es.Address()} {
			amount := r.staked.DepositBalance(sender, depositToken)
			if amount.Sign() == 0 {
				continue
			}
			if err := r.unstakeChainLocked(sender, depositToken, amount, false); err != nil {
				return err
			}
			if err := r.stakeChainLocked(sender, receiver, depositToken, amount); err != nil {
				return err
			}
		}
		if points := r.fee.DepositBalance(sender, r.bn.Address()); points.Sign() > 0 {
			if err := r.fee.UnstakeForAccount(r.address, sender, r.bn.Address(), points, sender); err != nil {
				return err
			}
			if err := r.fee.StakeForAccount(r.address, sender, receiver, r.bn.Address(), points); err != nil {
				return err
			}
		}
		if liquid := r.es.BalanceOf(sender); liquid.Sign() > 0 {
			if err := r.es.TransferFrom(r.address, sender, receiver, liquid); err != nil {
				return err
			}
		}
		if r.vester != nil {
			if err := r.vester.TransferStakeValues(r.address, sender, receiver); err != nil {
				return err
			}
		}
		delete(r.pendingReceivers, sender)
		r.emitter.Emit(events.TransferAccepted{Sender: sender, Receiver: receiver})
		r.logger.Info("position transfer accepted",
			slog.String("sender", sender.String()),
			slog.String("receiver", receiver.String()))
		return nil
	})
}

func (r *Router) run(operation string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := common.Guard(r.pauses, moduleName)
	if err == nil {
		err = r.atomically(operation, fn)
	}
	r.metrics.ObserveOperation(moduleName, operation, err)
	if err != nil {
		r.logger.Debug("router operation rejected", slog.String("operation", operation), slog.Any("error", err))
	}
	return err
}

// atomically runs fn against a checkpoint and rolls back to it when fn
// fails. Pending transfers are router state and are restored here.
func (r *Router) atomically(operation string, fn func() error) error {
	pending := maps.Clone(r.pendingReceivers)
	var rollback func() error
	if r.journal != nil {
		var err error
		if rollback, err = r.journal.Checkpoint(); err != nil {
			return fmt.Errorf("router: checkpoint %s: %w", operation, err)
		}
	}
	err := fn()
	if err == nil {
		return nil
	}
	r.pendingReceivers = pending
	if rollback != nil {
		if rbErr := rollback(); rbErr != nil {
			r.logger.Error("router rollback failed",
				slog.String("operation", operation),
				slog.Any("error", rbErr))
			return errors.Join(err, fmt.Errorf("router: rollback %s: %w", operation, rbErr))
		}
	}
	return err
}

// syncLocked pulls pending emissions into every tracker so that a
// distributor shortfall rejects the call before any leg mutates state.
func (r *Router) syncLocked() error {
	for _, tracker := range []StakeTracker{r.staked, r.bonus, r.fee} {
		if err := tracker.UpdateRewards(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) stakeLocked(funding, account, depositToken crypto.Address, amount *big.Int) error {
	if err := common.CheckAmount("router", amount); err != nil {
		return err
	}
	if account.IsZero() {
		return errZeroAccount
	}
	if err := r.syncLocked(); err != nil {
		return err
	}
	return r.stakeChainLocked(funding, account, depositToken, amount)
}

func (r *Router) unstakeLocked(account, depositToken crypto.Address, amount *big.Int, reducePoints bool) error {
	if err := common.CheckAmount("router", amount); err != nil {
		return err
	}
	if r.staked.StakedAmount(account).Cmp(amount) < 0 {
		return errExceedsStaked
	}
	if r.staked.DepositBalance(account, depositToken).Cmp(amount) < 0 ||
		r.bonus.DepositBalance(account, r.staked.Address()).Cmp(amount) < 0 ||
		r.fee.DepositBalance(account, r.bonus.Address()).Cmp(amount) < 0 {
		return errExceedsDeposit
	}
	if err := r.syncLocked(); err != nil {
		return err
	}
	return r.unstakeChainLocked(account, depositToken, amount, reducePoints)
}

func (r *Router) stakeChainLocked(funding, account, depositToken crypto.Address, amount *big.Int) error {
	if err := r.staked.StakeForAccount(r.address, funding, account, depositToken, amount); err != nil {
		return err
	}
	if err := r.bonus.StakeForAccount(r.address, account, account, r.staked.Address(), amount); err != nil {
		return err
	}
	return r.fee.StakeForAccount(r.address, account, account, r.bonus.Address(), amount)
}

func (r *Router) unstakeChainLocked(account, depositToken crypto.Address, amount *big.Int, reducePoints bool) error {
	balance := r.staked.StakedAmount(account)
	if err := r.fee.UnstakeForAccount(r.address, account, r.bonus.Address(), amount, account); err != nil {
		return err
	}
	if err := r.bonus.UnstakeForAccount(r.address, account, r.staked.Address(), amount, account); err != nil {
		return err
	}
	if err := r.staked.UnstakeForAccount(r.address, account, depositToken, amount, account); err != nil {
		return err
	}
	if !reducePoints {
		return nil
	}
	if _, err := r.stakeMultiplierPointsLocked(account); err != nil {
		return err
	}
	points := r.fee.DepositBalance(account, r.bn.Address())
	if points.Sign() == 0 || balance.Sign() == 0 {
		return nil
	}
	reduction := new(big.Int).Mul(points, amount)
	reduction.Quo(reduction, balance)
	if reduction.Sign() == 0 {
		return nil
	}
	if err := r.fee.UnstakeForAccount(r.address, account, r.bn.Address(), reduction, account); err != nil {
		return err
	}
	return r.bn.Burn(r.address, account, reduction)
}

// stakeMultiplierPointsLocked claims account's multiplier points from the
// bonus tracker and stakes them into the fee tracker.
func (r *Router) stakeMultiplierPointsLocked(account crypto.Address) (*big.Int, error) {
	points, err := r.bonus.ClaimForAccount(r.address, account, account)
	if err != nil {
		return nil, err
	}
	if points.Sign() > 0 {
		if err := r.fee.StakeForAccount(r.address, account, account, r.bn.Address(), points); err != nil {
			return nil, err
		}
	}
	return points, nil
}

func (r *Router) compoundLocked(account crypto.Address) error {
	if err := r.syncLocked(); err != nil {
		return err
	}
	rewards, err := r.staked.ClaimForAccount(r.address, account, account)
	if err != nil {
		return err
	}
	if rewards.Sign() > 0 {
		if err := r.stakeChainLocked(account, account, r.es.Address(), rewards); err != nil {
			return err
		}
	}
	_, err = r.stakeMultiplierPointsLocked(account)
	return err
}

func (r *Router) validateSenderLocked(sender crypto.Address) error {
	if sender.IsZero() {
		return errZeroAccount
	}
	if r.vester != nil && r.vester.BalanceOf(sender).Sign() > 0 {
		return errSenderVesting
	}
	return nil
}

// validateReceiverLocked requires receiver to carry no staking history that
// an inherited position would be blended into.
func (r *Router) validateReceiverLocked(sender, receiver crypto.Address) error {
	if receiver.IsZero() {
		return errZeroAccount
	}
	if receiver.Equal(sender) {
		return errSelfTransfer
	}
	for _, tracker := range []StakeTracker{r.staked, r.bonus, r.fee} {
		if tracker.AverageStakedAmount(receiver).Sign() > 0 {
			return errReceiverStaked
		}
		if tracker.CumulativeRewards(receiver).Sign() > 0 {
			return errReceiverRewarded
		}
	}
	if r.vester == nil {
		return nil
	}
	if r.vester.TransferredAverageStakedAmount(receiver).Sign() > 0 ||
		r.vester.TransferredCumulativeRewards(receiver).Sign() > 0 {
		return errReceiverInherited
	}
	if r.vester.BalanceOf(receiver).Sign() > 0 {
		return errReceiverVesting
	}
	return nil
}
