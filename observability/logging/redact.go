package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces sensitive configuration values in startup logs.
const Redacted = "[REDACTED]"

// Settings that are safe to print verbatim. Anything else is masked.
var visibleSettings = map[string]bool{
	"listen":             true,
	"ledger":             true,
	"data_dir":           true,
	"snapshot_interval":  true,
	"snapshot_retain":    true,
	"auth_enabled":       true,
	"issuer":             true,
	"audience":           true,
	"rate_limit_per_min": true,
	"log_level":          true,
	"log_file":           true,
	"keystore":           true,
}

// Setting renders one configuration value. Empty values are kept so that
// missing settings stay visible.
func Setting(key, value string) slog.Attr {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.TrimSpace(value) == "" || visibleSettings[key] {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}

// Settings groups alternating key, value pairs under "config". A trailing
// key without a value is dropped.
func Settings(kv ...string) slog.Attr {
	attrs := make([]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, Setting(kv[i], kv[i+1]))
	}
	return slog.Group("config", attrs...)
}
