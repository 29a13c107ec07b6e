package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stakeledger/crypto"
)

func testAccount(name string) string {
	var raw [crypto.AddressLength]byte
	copy(raw[:], name)
	return crypto.NewAddress(crypto.AccountPrefix, raw[:]).String()
}

func sampleLedger() string {
	return fmt.Sprintf(`governor = %q

[[tokens]]
id = "gmx"
name = "GMX"
symbol = "GMX"
[[tokens.mints]]
account = %q
amount = "1000000000000000000000"

[[tokens]]
id = "esgmx"
name = "Escrowed GMX"
symbol = "esGMX"
private_transfer = true

[[tokens]]
id = "bngmx"
name = "Bonus GMX"
symbol = "bnGMX"

[[tokens]]
id = "weth"
name = "Wrapped Ether"
symbol = "WETH"

[[trackers]]
id = "sgmx"
name = "Staked GMX"
symbol = "sGMX"
deposit_tokens = ["gmx", "esgmx"]
private_transfer = true
private_staking = true
[trackers.distributor]
kind = "fixed"
reward_token = "esgmx"
tokens_per_interval = "20667989410000000"
fund = "50000000000000000000000"

[[trackers]]
id = "sbgmx"
name = "Staked + Bonus GMX"
symbol = "sbGMX"
deposit_tokens = ["sgmx"]
private_transfer = true
private_staking = true
private_claiming = true
[trackers.distributor]
kind = "bonus"
reward_token = "bngmx"
bonus_multiplier_bps = 10000
fund = "1500000000000000000000"

[[trackers]]
id = "sbfgmx"
name = "Staked + Bonus + Fee GMX"
symbol = "sbfGMX"
deposit_tokens = ["sbgmx", "bngmx"]
private_transfer = true
private_staking = true
[trackers.distributor]
reward_token = "weth"

[[vesters]]
id = "vgmx"
name = "Vested GMX"
symbol = "vGMX"
vesting_duration = 31536000
es_token = "esgmx"
claimable_token = "gmx"
pair_token = "sbfgmx"
reward_tracker = "sgmx"
fund = "2000000000000000000000"

[router]
base_token = "gmx"
es_token = "esgmx"
bn_token = "bngmx"
staked_tracker = "sgmx"
bonus_tracker = "sbgmx"
fee_tracker = "sbfgmx"
vester = "vgmx"
`, testAccount("gov"), testAccount("alice"))
}

func TestLoadLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleLedger()), 0o600))

	cfg, err := LoadLedger(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tokens, 4)
	require.Equal(t, uint8(18), cfg.Tokens[0].Decimals)
	require.Len(t, cfg.Trackers, 3)
	require.Equal(t, DistributorFixed, cfg.Trackers[2].Distributor.Kind)
	require.Equal(t, DistributorBonus, cfg.Trackers[1].Distributor.Kind)
	require.Equal(t, "router", cfg.Router.ID)
	require.Equal(t, "vgmx", cfg.Router.Vester)

	gov, err := cfg.GovernorAddress()
	require.NoError(t, err)
	require.Equal(t, testAccount("gov"), gov.String())
}

func TestLoadLedgerMissingFile(t *testing.T) {
	_, err := LoadLedger(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	_, err = LoadLedger(" ")
	require.Error(t, err)
}

func TestParseLedgerRejectsUnknownKeys(t *testing.T) {
	_, err := ParseLedger([]byte(sampleLedger() + "\nunexpected = 1\n"))
	require.ErrorContains(t, err, "unknown ledger config keys")
}

func TestParseLedgerValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "duplicate id",
			mutate:  func(s string) string { return strings.Replace(s, `id = "weth"`, `id = "gmx"`, 1) },
			wantErr: "already used",
		},
		{
			name:    "forward tracker reference",
			mutate:  func(s string) string { return strings.Replace(s, `deposit_tokens = ["sgmx"]`, `deposit_tokens = ["sbfgmx"]`, 1) },
			wantErr: "earlier tracker",
		},
		{
			name:    "unknown distributor kind",
			mutate:  func(s string) string { return strings.Replace(s, `kind = "fixed"`, `kind = "linear"`, 1) },
			wantErr: "unknown distributor kind",
		},
		{
			name:    "bad amount",
			mutate:  func(s string) string { return strings.Replace(s, `tokens_per_interval = "20667989410000000"`, `tokens_per_interval = "-1"`, 1) },
			wantErr: "must not be negative",
		},
		{
			name:    "bad governor",
			mutate:  func(s string) string { return strings.Replace(s, testAccount("gov"), "not-an-address", 1) },
			wantErr: "governor",
		},
		{
			name:    "router references vester",
			mutate:  func(s string) string { return strings.Replace(s, `vester = "vgmx"`, `vester = "missing"`, 1) },
			wantErr: "is not a vester",
		},
		{
			name:    "zero duration",
			mutate:  func(s string) string { return strings.Replace(s, "vesting_duration = 31536000", "vesting_duration = 0", 1) },
			wantErr: "vesting_duration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLedger([]byte(tc.mutate(sampleLedger())))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("")
	require.NoError(t, err)
	require.Zero(t, v.Sign())

	v, err = ParseAmount(" 42 ")
	require.NoError(t, err)
	require.Equal(t, int64(42), v.Int64())

	_, err = ParseAmount("1e18")
	require.Error(t, err)
	_, err = ParseAmount("1" + strings.Repeat("0", 80))
	require.ErrorContains(t, err, "overflows")
}
