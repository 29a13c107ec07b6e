package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "listen: \"127.0.0.1:9000\"\n"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, defaultLedgerPath, cfg.LedgerPath)
	require.Equal(t, defaultDataDir, cfg.DataDir)
	require.Equal(t, uint64(16), cfg.Snapshot.Retain)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew)
	require.False(t, cfg.Auth.Enabled())
	require.Equal(t, defaultPassphraseEnv, cfg.Governor.PassphraseEnv)
}

func TestLoadFullConfig(t *testing.T) {
	body := `listen: ":8088"
ledger: ledger.toml
data_dir: /var/lib/ledgerd
snapshot:
  interval: 30s
  retain: 4
auth:
  hmac_secret: "` + strings.Repeat("k", 32) + `"
  issuer: ledger-auth
  audience: ledgerd
rate_limit:
  requests_per_minute: 120
  burst: 10
log:
  level: DEBUG
  file: /var/log/ledgerd.log
  max_size_mb: 50
governor:
  keystore: /etc/ledgerd/governor.json
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Snapshot.Interval)
	require.Equal(t, uint64(4), cfg.Snapshot.Retain)
	require.True(t, cfg.Auth.Enabled())
	require.Equal(t, "ledger-auth", cfg.Auth.Issuer)
	require.Equal(t, 120.0, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 50, cfg.Log.MaxSizeMB)
	require.Equal(t, "/etc/ledgerd/governor.json", cfg.Governor.Keystore)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field": "listen: \":1\"\nbogus: true\n",
		"short secret":  "auth:\n  hmac_secret: short\n",
		"bad level":     "log:\n  level: loud\n",
		"negative":      "snapshot:\n  interval: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
	_, err := Load("")
	require.Error(t, err)
}
