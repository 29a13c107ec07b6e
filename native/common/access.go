package common

import (
	"fmt"
	"log/slog"
	"sync"

	"stakeledger/crypto"
)

// Governance is the capability object guarding administrative setters. A
// single instance may be shared by several components so that one governor
// (for example a timelock) controls the whole stack.
type Governance struct {
	mu  sync.RWMutex
	gov crypto.Address
}

// NewGovernance creates a governance capability owned by gov.
func NewGovernance(gov crypto.Address) *Governance {
	return &Governance{gov: gov}
}

// Gov returns the current governor.
func (g *Governance) Gov() crypto.Address {
	if g == nil {
		return crypto.Address{}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gov
}

// Authorize fails closed unless caller is the current governor.
func (g *Governance) Authorize(caller crypto.Address) error {
	if g == nil {
		return fmt.Errorf("%w: governance not configured", ErrForbidden)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.gov.IsZero() || !g.gov.Equal(caller) {
		return fmt.Errorf("%w: governable: caller is not gov", ErrForbidden)
	}
	return nil
}

// SetGov transfers governance to next. Only the current governor may call it.
func (g *Governance) SetGov(caller, next crypto.Address) error {
	if err := g.Authorize(caller); err != nil {
		return err
	}
	g.mu.Lock()
	g.gov = next
	g.mu.Unlock()
	slog.Info("governance transferred", slog.String("from", caller.String()), slog.String("to", next.String()))
	return nil
}

// Handlers is an explicit authorisation table of principals allowed to act
// on behalf of accounts or to bypass private modes.
type Handlers struct {
	mu  sync.RWMutex
	set map[crypto.Address]bool
}

// NewHandlers returns an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{set: make(map[crypto.Address]bool)}
}

// Set marks or clears handler status for addr.
func (h *Handlers) Set(addr crypto.Address, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !active {
		delete(h.set, addr)
		return
	}
	h.set[addr] = true
}

// IsHandler reports whether addr is registered.
func (h *Handlers) IsHandler(addr crypto.Address) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.set[addr]
}

// Require fails with ErrForbidden unless addr is a handler. The label
// prefixes the error message with the rejecting component.
func (h *Handlers) Require(label string, addr crypto.Address) error {
	if h.IsHandler(addr) {
		return nil
	}
	return fmt.Errorf("%w: %s: caller is not a handler", ErrForbidden, label)
}
