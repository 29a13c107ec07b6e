package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("ledgerd", "test", WithWriter(&buf), WithLevel("debug"))
	logger.Debug("stake", slog.String("tracker", "sGMX"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "stake", line["message"])
	require.Equal(t, "ledgerd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "sGMX", line["tracker"])
	require.Contains(t, line, "timestamp")
}

func TestSetupDefaultsToInfo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("ledgerd", "", WithWriter(&buf))
	logger.Debug("hidden")
	require.Zero(t, buf.Len())
}

func TestSettingsMaskSecrets(t *testing.T) {
	require.Equal(t, Redacted, Setting("hmac_secret", "hunter2").Value.String())
	require.Equal(t, "", Setting("hmac_secret", "").Value.String())
	require.Equal(t, ":8088", Setting(" Listen ", ":8088").Value.String())

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	logger := Setup("ledgerd", "", WithWriter(&buf))
	logger.Info("starting", Settings("listen", ":8088", "hmac_secret", "hunter2", "dangling"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	group, ok := line["config"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, ":8088", group["listen"])
	require.Equal(t, Redacted, group["hmac_secret"])
	require.NotContains(t, group, "dangling")
}
