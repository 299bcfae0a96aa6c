package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, CIFailurePolicyReview, cfg.CI.FailurePolicy)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prloop.yaml")
	content := `
max_iterations: 2
ci:
  failure_policy: fail
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, LoadConfig(path))

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxIterations)
	assert.Equal(t, CIFailurePolicyFail, cfg.CI.FailurePolicy)
	// Unset fields fall back to defaults.
	assert.Equal(t, 5*time.Second, cfg.CI.PollInterval)
	assert.Equal(t, "prloop/issue-", cfg.Git.BranchPrefix)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CI.FailurePolicy = "explode"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CI.PollMaxInterval = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Providers = []ProviderLimit{{Name: "anthropic", MaxTokensPerMinute: 0, MaxConcurrent: 1}}
	assert.Error(t, cfg.Validate())

	// A daily cap without a token price would make every call free.
	cfg = DefaultConfig()
	cfg.Providers = []ProviderLimit{{Name: "anthropic", MaxTokensPerMinute: 1000, MaxConcurrent: 1, DailyBudgetUSD: 50}}
	assert.Error(t, cfg.Validate())
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test-123",
		"GITHUB_TOKEN":      "ghp_test",
	}

	require.NoError(t, EncryptSecretsFile(dir, "hunter2", secrets))
	assert.True(t, SecretsFileExists(dir))

	got, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)

	_, err = DecryptSecretsFile(dir, "wrong")
	assert.Error(t, err)
}

func TestGetSecretPrecedence(t *testing.T) {
	SetSecret("PRLOOP_TEST_SECRET", "from-file")
	t.Setenv("PRLOOP_TEST_SECRET", "from-env")

	v, err := GetSecret("PRLOOP_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	t.Setenv("PRLOOP_TEST_ENV_ONLY", "env-value")
	v, err = GetSecret("PRLOOP_TEST_ENV_ONLY")
	require.NoError(t, err)
	assert.Equal(t, "env-value", v)

	_, err = GetSecret("PRLOOP_TEST_ABSENT")
	assert.Error(t, err)
}
