package common

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"stakeledger/crypto"
)

// ErrModulePaused is returned by every entry point of a halted module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a ledger module has been halted by operators.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused when module is halted in p.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

// PauseSet is a governance controlled PauseView.
type PauseSet struct {
	gov    *Governance
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet creates a pause table toggled by gov.
func NewPauseSet(gov *Governance) *PauseSet {
	return &PauseSet{gov: gov, paused: make(map[string]bool)}
}

// SetPaused toggles the pause flag for module.
func (p *PauseSet) SetPaused(caller crypto.Address, module string, paused bool) error {
	if err := p.gov.Authorize(caller); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused[module] = paused
	p.mu.Unlock()
	slog.Info("module pause updated", slog.String("module", module), slog.Bool("paused", paused))
	return nil
}

// IsPaused implements PauseView.
func (p *PauseSet) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

// Paused lists the halted modules in name order.
func (p *PauseSet) Paused() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module, paused := range p.paused {
		if paused {
			out = append(out, module)
		}
	}
	sort.Strings(out)
	return out
}
