package token

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
)

var (
	errExceedsAllowance = fmt.Errorf("%w: base token: transfer amount exceeds allowance", common.ErrInsufficientAllowance)
	errExceedsBalance   = fmt.Errorf("%w: base token: transfer amount exceeds balance", common.ErrInsufficientBalance)
	errBurnExceeds      = fmt.Errorf("%w: base token: burn amount exceeds balance", common.ErrInsufficientBalance)
	errZeroAddress      = fmt.Errorf("%w: base token: zero address", common.ErrInputInvalid)
	errNegativeAmount   = fmt.Errorf("%w: base token: negative amount", common.ErrInputInvalid)
	errNotWhitelisted   = fmt.Errorf("%w: base token: sender not whitelisted", common.ErrForbidden)
	errNotMinter        = fmt.Errorf("%w: base token: caller is not a minter", common.ErrForbidden)
)

// BaseToken is an in-memory fungible token with allowances, handler
// bypass, private transfer mode and minter controlled supply.
type BaseToken struct {
	mu sync.Mutex

	address  crypto.Address
	name     string
	symbol   string
	decimals uint8

	gov      *common.Governance
	handlers *common.Handlers
	minters  *common.Handlers
	emitter  events.Emitter

	totalSupply           *big.Int
	balances              map[crypto.Address]*big.Int
	allowances            map[crypto.Address]map[crypto.Address]*big.Int
	inPrivateTransferMode bool
}

// NewBaseToken constructs an empty token governed by gov.
func NewBaseToken(address crypto.Address, name, symbol string, decimals uint8, gov *common.Governance) *BaseToken {
	return &BaseToken{
		address:     address,
		name:        strings.TrimSpace(name),
		symbol:      strings.TrimSpace(symbol),
		decimals:    decimals,
		gov:         gov,
		handlers:    common.NewHandlers(),
		minters:     common.NewHandlers(),
		emitter:     events.NoopEmitter{},
		totalSupply: new(big.Int),
		balances:    make(map[crypto.Address]*big.Int),
		allowances:  make(map[crypto.Address]map[crypto.Address]*big.Int),
	}
}

// SetEmitter wires the event sink used for supply changes.
func (t *BaseToken) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	t.mu.Lock()
	t.emitter = emitter
	t.mu.Unlock()
}

func (t *BaseToken) Address() crypto.Address { return t.address }
func (t *BaseToken) Name() string            { return t.name }
func (t *BaseToken) Symbol() string          { return t.symbol }
func (t *BaseToken) Decimals() uint8         { return t.decimals }

// SetHandler lets gov whitelist a principal for privileged transfers.
func (t *BaseToken) SetHandler(caller, handler crypto.Address, active bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	t.handlers.Set(handler, active)
	return nil
}

// IsHandler reports handler status.
func (t *BaseToken) IsHandler(addr crypto.Address) bool { return t.handlers.IsHandler(addr) }

// SetMinter lets gov grant or revoke mint and burn rights.
func (t *BaseToken) SetMinter(caller, minter crypto.Address, active bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	t.minters.Set(minter, active)
	return nil
}

// IsMinter reports minter status.
func (t *BaseToken) IsMinter(addr crypto.Address) bool { return t.minters.IsHandler(addr) }

// SetInPrivateTransferMode restricts transfers to handlers.
func (t *BaseToken) SetInPrivateTransferMode(caller crypto.Address, enabled bool) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	t.mu.Lock()
	t.inPrivateTransferMode = enabled
	t.mu.Unlock()
	slog.Info("token private transfer mode updated", slog.String("token", t.symbol), slog.Bool("enabled", enabled))
	return nil
}

// InPrivateTransferMode reports the transfer restriction flag.
func (t *BaseToken) InPrivateTransferMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inPrivateTransferMode
}

func (t *BaseToken) BalanceOf(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.balances, account)
}

func (t *BaseToken) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Copy(t.totalSupply)
}

func (t *BaseToken) Allowance(owner, spender crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return common.Get(t.allowances[owner], spender)
}

func (t *BaseToken) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return errZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.approveLocked(owner, spender, amount)
	return nil
}

func (t *BaseToken) Transfer(sender, recipient crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(sender, sender, recipient, amount)
}

func (t *BaseToken) TransferFrom(spender, sender, recipient crypto.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers.IsHandler(spender) {
		return t.transferLocked(spender, sender, recipient, amount)
	}
	allowance := common.Get(t.allowances[sender], spender)
	if amount == nil || allowance.Cmp(amount) < 0 {
		return errExceedsAllowance
	}
	if err := t.transferLocked(spender, sender, recipient, amount); err != nil {
		return err
	}
	t.approveLocked(sender, spender, allowance.Sub(allowance, amount))
	return nil
}

// Mint creates amount for account. Only minters may call it.
func (t *BaseToken) Mint(caller, account crypto.Address, amount *big.Int) error {
	if !t.minters.IsHandler(caller) {
		return errNotMinter
	}
	if account.IsZero() {
		return errZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	t.mu.Lock()
	balance := common.Get(t.balances, account)
	common.Put(t.balances, account, balance.Add(balance, amount))
	t.totalSupply = new(big.Int).Add(t.totalSupply, amount)
	total := common.Copy(t.totalSupply)
	emitter := t.emitter
	t.mu.Unlock()

	emitter.Emit(events.TokenSupply{Token: t.address, Symbol: t.symbol, Account: account, Total: total, Delta: common.Copy(amount), Reason: events.SupplyReasonMint})
	return nil
}

// Burn destroys amount from account. Only minters may call it.
func (t *BaseToken) Burn(caller, account crypto.Address, amount *big.Int) error {
	if !t.minters.IsHandler(caller) {
		return errNotMinter
	}
	if account.IsZero() {
		return errZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	t.mu.Lock()
	balance := common.Get(t.balances, account)
	if balance.Cmp(amount) < 0 {
		t.mu.Unlock()
		return errBurnExceeds
	}
	common.Put(t.balances, account, balance.Sub(balance, amount))
	t.totalSupply = new(big.Int).Sub(t.totalSupply, amount)
	total := common.Copy(t.totalSupply)
	emitter := t.emitter
	t.mu.Unlock()

	emitter.Emit(events.TokenSupply{Token: t.address, Symbol: t.symbol, Account: account, Total: total, Delta: common.Copy(amount), Reason: events.SupplyReasonBurn})
	return nil
}

// WithdrawToken rescues tokens accidentally sent to this token's address.
func (t *BaseToken) WithdrawToken(caller crypto.Address, asset Token, recipient crypto.Address, amount *big.Int) error {
	if err := t.gov.Authorize(caller); err != nil {
		return err
	}
	return asset.Transfer(t.address, recipient, amount)
}

func (t *BaseToken) approveLocked(owner, spender crypto.Address, amount *big.Int) {
	inner := t.allowances[owner]
	if inner == nil {
		inner = make(map[crypto.Address]*big.Int)
		t.allowances[owner] = inner
	}
	common.Put(inner, spender, amount)
}

func (t *BaseToken) transferLocked(caller, sender, recipient crypto.Address, amount *big.Int) error {
	if sender.IsZero() || recipient.IsZero() {
		return errZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	if t.inPrivateTransferMode && !t.handlers.IsHandler(caller) {
		return errNotWhitelisted
	}
	balance := common.Get(t.balances, sender)
	if balance.Cmp(amount) < 0 {
		return errExceedsBalance
	}
	common.Put(t.balances, sender, balance.Sub(balance, amount))
	received := common.Get(t.balances, recipient)
	common.Put(t.balances, recipient, received.Add(received, amount))
	return nil
}
