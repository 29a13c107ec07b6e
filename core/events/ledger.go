package events

import (
	"math/big"
	"strconv"

	"stakeledger/core/types"
	"stakeledger/crypto"
)

const (
	// TypeStakeStaked is emitted when a deposit token is staked into a tracker.
	TypeStakeStaked = "stake.staked"
	// TypeStakeUnstaked is emitted when a deposit token leaves a tracker.
	TypeStakeUnstaked = "stake.unstaked"
	// TypeRewardsClaimed is emitted when a tracker pays out claimable rewards.
	TypeRewardsClaimed = "rewards.claimed"
	// TypeRewardsDistributed is emitted when a distributor releases emissions.
	TypeRewardsDistributed = "rewards.distributed"
	// TypeVestingDeposited is emitted when escrowed tokens start vesting.
	TypeVestingDeposited = "vesting.deposited"
	// TypeVestingClaimed is emitted when vested tokens are released.
	TypeVestingClaimed = "vesting.claimed"
	// TypeVestingWithdrawn is emitted when a vesting position is unwound.
	TypeVestingWithdrawn = "vesting.withdrawn"
	// TypeVestingPairLocked is emitted when pair tokens are locked against a vesting position.
	TypeVestingPairLocked = "vesting.pairLocked"
	// TypeTransferSignalled is emitted when an account signals a position transfer.
	TypeTransferSignalled = "transfer.signalled"
	// TypeTransferAccepted is emitted when a signalled transfer completes.
	TypeTransferAccepted = "transfer.accepted"
)

// Staked captures a deposit into a tracker.
type Staked struct {
	Tracker crypto.Address
	Funding crypto.Address
	Account crypto.Address
	Token   crypto.Address
	Amount  *big.Int
}

func (Staked) EventType() string { return TypeStakeStaked }

func (e Staked) Event() *types.Event {
	return &types.Event{Type: TypeStakeStaked, Attributes: map[string]string{
		"tracker": e.Tracker.String(),
		"funding": e.Funding.String(),
		"account": e.Account.String(),
		"token":   e.Token.String(),
		"amount":  formatAmount(e.Amount),
	}}
}

// Unstaked captures a withdrawal from a tracker.
type Unstaked struct {
	Tracker  crypto.Address
	Account  crypto.Address
	Receiver crypto.Address
	Token    crypto.Address
	Amount   *big.Int
}

func (Unstaked) EventType() string { return TypeStakeUnstaked }

func (e Unstaked) Event() *types.Event {
	return &types.Event{Type: TypeStakeUnstaked, Attributes: map[string]string{
		"tracker":  e.Tracker.String(),
		"account":  e.Account.String(),
		"receiver": e.Receiver.String(),
		"token":    e.Token.String(),
		"amount":   formatAmount(e.Amount),
	}}
}

// RewardsClaimed captures a reward payout.
type RewardsClaimed struct {
	Tracker  crypto.Address
	Account  crypto.Address
	Receiver crypto.Address
	Amount   *big.Int
}

func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

func (e RewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeRewardsClaimed, Attributes: map[string]string{
		"tracker":  e.Tracker.String(),
		"account":  e.Account.String(),
		"receiver": e.Receiver.String(),
		"amount":   formatAmount(e.Amount),
	}}
}

// RewardsDistributed captures an emission released by a distributor.
type RewardsDistributed struct {
	Distributor crypto.Address
	Tracker     crypto.Address
	Amount      *big.Int
	Timestamp   uint64
}

func (RewardsDistributed) EventType() string { return TypeRewardsDistributed }

func (e RewardsDistributed) Event() *types.Event {
	return &types.Event{Type: TypeRewardsDistributed, Attributes: map[string]string{
		"distributor": e.Distributor.String(),
		"tracker":     e.Tracker.String(),
		"amount":      formatAmount(e.Amount),
		"timestamp":   strconv.FormatUint(e.Timestamp, 10),
	}}
}

// VestingDeposited captures escrowed tokens entering a vester.
type VestingDeposited struct {
	Vester  crypto.Address
	Account crypto.Address
	Amount  *big.Int
}

func (VestingDeposited) EventType() string { return TypeVestingDeposited }

func (e VestingDeposited) Event() *types.Event {
	return &types.Event{Type: TypeVestingDeposited, Attributes: map[string]string{
		"vester":  e.Vester.String(),
		"account": e.Account.String(),
		"amount":  formatAmount(e.Amount),
	}}
}

// VestingClaimed captures vested tokens released to a receiver.
type VestingClaimed struct {
	Vester   crypto.Address
	Account  crypto.Address
	Receiver crypto.Address
	Amount   *big.Int
}

func (VestingClaimed) EventType() string { return TypeVestingClaimed }

func (e VestingClaimed) Event() *types.Event {
	return &types.Event{Type: TypeVestingClaimed, Attributes: map[string]string{
		"vester":   e.Vester.String(),
		"account":  e.Account.String(),
		"receiver": e.Receiver.String(),
		"amount":   formatAmount(e.Amount),
	}}
}

// VestingWithdrawn captures a full unwind of a vesting position.
type VestingWithdrawn struct {
	Vester        crypto.Address
	Account       crypto.Address
	ClaimedAmount *big.Int
	Balance       *big.Int
	PairAmount    *big.Int
}

func (VestingWithdrawn) EventType() string { return TypeVestingWithdrawn }

func (e VestingWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"vester":        e.Vester.String(),
		"account":       e.Account.String(),
		"claimedAmount": formatAmount(e.ClaimedAmount),
		"balance":       formatAmount(e.Balance),
	}
	if e.PairAmount != nil && e.PairAmount.Sign() > 0 {
		attrs["pairAmount"] = formatAmount(e.PairAmount)
	}
	return &types.Event{Type: TypeVestingWithdrawn, Attributes: attrs}
}

// VestingPairLocked captures pair tokens pulled into a vester.
type VestingPairLocked struct {
	Vester  crypto.Address
	Account crypto.Address
	Amount  *big.Int
	Total   *big.Int
}

func (VestingPairLocked) EventType() string { return TypeVestingPairLocked }

func (e VestingPairLocked) Event() *types.Event {
	return &types.Event{Type: TypeVestingPairLocked, Attributes: map[string]string{
		"vester":  e.Vester.String(),
		"account": e.Account.String(),
		"amount":  formatAmount(e.Amount),
		"total":   formatAmount(e.Total),
	}}
}

// TransferSignalled captures the first phase of a position transfer.
type TransferSignalled struct {
	Sender   crypto.Address
	Receiver crypto.Address
}

func (TransferSignalled) EventType() string { return TypeTransferSignalled }

func (e TransferSignalled) Event() *types.Event {
	return &types.Event{Type: TypeTransferSignalled, Attributes: map[string]string{
		"sender":   e.Sender.String(),
		"receiver": e.Receiver.String(),
	}}
}

// TransferAccepted captures a completed position transfer.
type TransferAccepted struct {
	Sender   crypto.Address
	Receiver crypto.Address
}

func (TransferAccepted) EventType() string { return TypeTransferAccepted }

func (e TransferAccepted) Event() *types.Event {
	return &types.Event{Type: TypeTransferAccepted, Attributes: map[string]string{
		"sender":   e.Sender.String(),
		"receiver": e.Receiver.String(),
	}}
}
