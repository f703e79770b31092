package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustedge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("require_auth: false\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, cfg.ChunkSize)
	assert.EqualValues(t, 300, cfg.SessionTimeoutS)
	assert.False(t, cfg.RequireAuth)
}

func TestLoadFromFileSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TRUSTEDGE_TEST_KEY_HEX", "deadbeef")
	dir := t.TempDir()
	path := filepath.Join(dir, "trustedge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key_hex: \"${TRUSTEDGE_TEST_KEY_HEX}\"\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", cfg.KeyHex)
}

func TestValidateRejectsMutuallyExclusiveKeySource(t *testing.T) {
	cfg := Defaults()
	cfg.KeyHex = "aa"
	cfg.KeyringSaltHex = "bb"
	assert.ErrorIs(t, cfg.Validate(), ErrMutuallyExclusiveOptions)
}

func TestSubstituteEnvVarsUsesDefault(t *testing.T) {
	os.Unsetenv("TRUSTEDGE_UNSET_VAR")
	got := SubstituteEnvVars("${TRUSTEDGE_UNSET_VAR:fallback}")
	assert.Equal(t, "fallback", got)
}
