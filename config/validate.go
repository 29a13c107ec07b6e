package config

import (
	"errors"
	"fmt"

	"stakeledger/crypto"
)

// Validate checks identifiers, amounts, addresses and cross references. It
// requires trackers to reference only trackers declared before them so the
// deposit graph is acyclic by construction.
func (cfg *Ledger) Validate() error {
	if cfg == nil {
		return errors.New("ledger configuration is missing")
	}
	if _, err := decodeAccount("governor", cfg.Governor); err != nil {
		return err
	}

	seen := make(map[string]string)
	claim := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%s: id is required", kind)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%s %q: id already used by a %s", kind, id, prev)
		}
		seen[id] = kind
		return nil
	}

	tokens := make(map[string]bool)
	for _, tok := range cfg.Tokens {
		if err := claim("token", tok.ID); err != nil {
			return err
		}
		if tok.Name == "" || tok.Symbol == "" {
			return fmt.Errorf("token %q: name and symbol are required", tok.ID)
		}
		for i, mint := range tok.Mints {
			label := fmt.Sprintf("token %q mint %d", tok.ID, i)
			if _, err := decodeAccount(label, mint.Account); err != nil {
				return err
			}
			if _, err := ParseAmount(mint.Amount); err != nil {
				return fmt.Errorf("%s: %w", label, err)
			}
		}
		tokens[tok.ID] = true
	}

	trackers := make(map[string]bool)
	for _, tr := range cfg.Trackers {
		if err := claim("tracker", tr.ID); err != nil {
			return err
		}
		if tr.Name == "" || tr.Symbol == "" {
			return fmt.Errorf("tracker %q: name and symbol are required", tr.ID)
		}
		if len(tr.DepositTokens) == 0 {
			return fmt.Errorf("tracker %q: at least one deposit token is required", tr.ID)
		}
		for _, dep := range tr.DepositTokens {
			if !tokens[dep] && !trackers[dep] {
				return fmt.Errorf("tracker %q: deposit token %q is not a token or an earlier tracker", tr.ID, dep)
			}
		}
		for _, handler := range tr.Handlers {
			if _, err := decodeAccount(fmt.Sprintf("tracker %q handler", tr.ID), handler); err != nil {
				return err
			}
		}
		if err := tr.Distributor.validate(tr.ID, tokens); err != nil {
			return err
		}
		trackers[tr.ID] = true
	}

	vesters := make(map[string]bool)
	for _, v := range cfg.Vesters {
		if err := claim("vester", v.ID); err != nil {
			return err
		}
		if v.Name == "" || v.Symbol == "" {
			return fmt.Errorf("vester %q: name and symbol are required", v.ID)
		}
		if v.VestingDuration == 0 {
			return fmt.Errorf("vester %q: vesting_duration must be positive", v.ID)
		}
		if !tokens[v.EsToken] {
			return fmt.Errorf("vester %q: es_token %q is not a token", v.ID, v.EsToken)
		}
		if !tokens[v.ClaimableToken] {
			return fmt.Errorf("vester %q: claimable_token %q is not a token", v.ID, v.ClaimableToken)
		}
		if v.PairToken != "" && !tokens[v.PairToken] && !trackers[v.PairToken] {
			return fmt.Errorf("vester %q: pair_token %q is not a token or tracker", v.ID, v.PairToken)
		}
		if v.RewardTracker != "" && !trackers[v.RewardTracker] {
			return fmt.Errorf("vester %q: reward_tracker %q is not a tracker", v.ID, v.RewardTracker)
		}
		if v.PairToken != "" && v.RewardTracker == "" {
			return fmt.Errorf("vester %q: pair_token requires a reward_tracker", v.ID)
		}
		for _, handler := range v.Handlers {
			if _, err := decodeAccount(fmt.Sprintf("vester %q handler", v.ID), handler); err != nil {
				return err
			}
		}
		if _, err := ParseAmount(v.Fund); err != nil {
			return fmt.Errorf("vester %q fund: %w", v.ID, err)
		}
		vesters[v.ID] = true
	}

	if r := cfg.Router; r != nil {
		if err := claim("router", r.ID); err != nil {
			return err
		}
		for field, id := range map[string]string{"base_token": r.BaseToken, "es_token": r.EsToken, "bn_token": r.BnToken} {
			if !tokens[id] {
				return fmt.Errorf("router: %s %q is not a token", field, id)
			}
		}
		for field, id := range map[string]string{"staked_tracker": r.StakedTracker, "bonus_tracker": r.BonusTracker, "fee_tracker": r.FeeTracker} {
			if !trackers[id] {
				return fmt.Errorf("router: %s %q is not a tracker", field, id)
			}
		}
		if r.Vester != "" && !vesters[r.Vester] {
			return fmt.Errorf("router: vester %q is not a vester", r.Vester)
		}
	}
	return nil
}

func (d Distributor) validate(trackerID string, tokens map[string]bool) error {
	if !tokens[d.RewardToken] {
		return fmt.Errorf("tracker %q: distributor reward_token %q is not a token", trackerID, d.RewardToken)
	}
	switch d.Kind {
	case DistributorFixed:
		if d.BonusMultiplierBPS != 0 {
			return fmt.Errorf("tracker %q: bonus_multiplier_bps requires a bonus distributor", trackerID)
		}
		if _, err := ParseAmount(d.TokensPerInterval); err != nil {
			return fmt.Errorf("tracker %q tokens_per_interval: %w", trackerID, err)
		}
	case DistributorBonus:
		if d.TokensPerInterval != "" {
			return fmt.Errorf("tracker %q: tokens_per_interval is derived for bonus distributors", trackerID)
		}
	default:
		return fmt.Errorf("tracker %q: unknown distributor kind %q", trackerID, d.Kind)
	}
	if _, err := ParseAmount(d.Fund); err != nil {
		return fmt.Errorf("tracker %q fund: %w", trackerID, err)
	}
	return nil
}

func decodeAccount(label, value string) (crypto.Address, error) {
	if value == "" {
		return crypto.Address{}, fmt.Errorf("%s: address is required", label)
	}
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", label, err)
	}
	if addr.IsZero() {
		return crypto.Address{}, fmt.Errorf("%s: zero address", label)
	}
	return addr, nil
}

// GovernorAddress returns the decoded governor.
func (cfg *Ledger) GovernorAddress() (crypto.Address, error) {
	return decodeAccount("governor", cfg.Governor)
}

// DecodeAccount decodes a bech32 account reference from the ledger file.
func DecodeAccount(value string) (crypto.Address, error) {
	return decodeAccount("account", value)
}
