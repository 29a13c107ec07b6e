package passphrase

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("LEDGERD_TEST_PASSPHRASE", "correct horse")
	src := NewSource("LEDGERD_TEST_PASSPHRASE", "governor keystore")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", value)

	// Cached after the first read.
	t.Setenv("LEDGERD_TEST_PASSPHRASE", "changed")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", value)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("LEDGERD_TEST_PASSPHRASE", "   ")
	_, err := NewSource("LEDGERD_TEST_PASSPHRASE", "").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourceReadsSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passphrase")
	require.NoError(t, os.WriteFile(path, []byte("from file\n"), 0o600))
	t.Setenv("LEDGERD_FILE_PASSPHRASE_FILE", path)

	value, err := NewSource("LEDGERD_FILE_PASSPHRASE", "governor keystore").Get()
	require.NoError(t, err)
	require.Equal(t, "from file", value)
}

func TestSourceFallsBackToPrompt(t *testing.T) {
	src := NewSource("LEDGERD_UNSET_PASSPHRASE", "governor keystore")
	var asked string
	src.prompt = func(label string) (string, error) {
		asked = label
		return "typed", nil
	}
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", value)
	require.Equal(t, "governor keystore", asked)

	noTTY := NewSource("LEDGERD_UNSET_PASSPHRASE", "")
	noTTY.prompt = func(label string) (string, error) {
		return "", fmt.Errorf("%s: %w", label, errNoTerminal)
	}
	_, err = noTTY.Get()
	require.ErrorContains(t, err, "set LEDGERD_UNSET_PASSPHRASE")

	blank := NewSource("", "")
	blank.prompt = func(string) (string, error) { return "  ", nil }
	_, err = blank.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
