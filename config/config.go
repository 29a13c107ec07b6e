package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
)

// LoadLedger reads a TOML ledger topology from path, normalises it and
// validates every cross reference.
func LoadLedger(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger config: %w", err)
	}
	cfg, err := ParseLedger(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseLedger decodes a TOML ledger topology. Unknown keys are rejected so
// typos do not silently drop configuration.
func ParseLedger(data []byte) (*Ledger, error) {
	cfg := &Ledger{}
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode ledger config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("unknown ledger config keys: %s", strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseAmount parses a non-negative decimal amount. Empty strings are zero.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", value)
	}
	return amount, nil
}

func (cfg *Ledger) normalize() {
	cfg.Governor = strings.TrimSpace(cfg.Governor)
	for i := range cfg.Tokens {
		tok := &cfg.Tokens[i]
		tok.ID = normalizeID(tok.ID)
		tok.Name = strings.TrimSpace(tok.Name)
		tok.Symbol = strings.TrimSpace(tok.Symbol)
		if tok.Decimals == 0 {
			tok.Decimals = 18
		}
		for j := range tok.Mints {
			tok.Mints[j].Account = strings.TrimSpace(tok.Mints[j].Account)
		}
	}
	for i := range cfg.Trackers {
		tr := &cfg.Trackers[i]
		tr.ID = normalizeID(tr.ID)
		tr.Name = strings.TrimSpace(tr.Name)
		tr.Symbol = strings.TrimSpace(tr.Symbol)
		tr.DepositTokens = normalizeIDs(tr.DepositTokens)
		tr.Handlers = trimAll(tr.Handlers)
		tr.Distributor.Kind = strings.ToLower(strings.TrimSpace(tr.Distributor.Kind))
		if tr.Distributor.Kind == "" {
			tr.Distributor.Kind = DistributorFixed
		}
		tr.Distributor.RewardToken = normalizeID(tr.Distributor.RewardToken)
	}
	for i := range cfg.Vesters {
		v := &cfg.Vesters[i]
		v.ID = normalizeID(v.ID)
		v.Name = strings.TrimSpace(v.Name)
		v.Symbol = strings.TrimSpace(v.Symbol)
		v.EsToken = normalizeID(v.EsToken)
		v.ClaimableToken = normalizeID(v.ClaimableToken)
		v.PairToken = normalizeID(v.PairToken)
		v.RewardTracker = normalizeID(v.RewardTracker)
		v.Handlers = trimAll(v.Handlers)
	}
	if r := cfg.Router; r != nil {
		r.ID = normalizeID(r.ID)
		if r.ID == "" {
			r.ID = "router"
		}
		r.BaseToken = normalizeID(r.BaseToken)
		r.EsToken = normalizeID(r.EsToken)
		r.BnToken = normalizeID(r.BnToken)
		r.StakedTracker = normalizeID(r.StakedTracker)
		r.BonusTracker = normalizeID(r.BonusTracker)
		r.FeeTracker = normalizeID(r.FeeTracker)
		r.Vester = normalizeID(r.Vester)
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, normalizeID(id))
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
