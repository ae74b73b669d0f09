package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAuthorityPolicy(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		policy, err := LoadAuthorityPolicy("")
		require.NoError(t, err)
		assert.False(t, policy.SupervisorCanReject)
		assert.Empty(t, policy.Allow)
	})

	t.Run("file", func(t *testing.T) {
		path := writePolicy(t, "supervisor_can_reject: true\nallow:\n  SALES: [finalize]\n")
		policy, err := LoadAuthorityPolicy(path)
		require.NoError(t, err)
		assert.True(t, policy.SupervisorCanReject)
		assert.Equal(t, map[string][]string{"SALES": {"finalize"}}, policy.Allow)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadAuthorityPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadAuthorityPolicy(writePolicy(t, "allow: [unterminated"))
		assert.Error(t, err)
	})
}

func TestResolveAuthorityPolicy_EnvOverride(t *testing.T) {
	path := writePolicy(t, "supervisor_can_reject: true\n")

	policy, err := ResolveAuthorityPolicy(Settings{AuthorityPolicyFile: path})
	require.NoError(t, err)
	assert.True(t, policy.SupervisorCanReject)

	off := false
	policy, err = ResolveAuthorityPolicy(Settings{AuthorityPolicyFile: path, SupervisorCanReject: &off})
	require.NoError(t, err)
	assert.False(t, policy.SupervisorCanReject)
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", " Memory ")
	t.Setenv("FANOUT_CHUNK_SIZE", "0")
	t.Setenv("FANOUT_MODE", "background")
	t.Setenv("DISPATCHER_POLL_MS", "250")
	t.Setenv("SUPERVISOR_CAN_REJECT", "yes")

	s := LoadSettings()
	assert.Equal(t, "memory", s.StoreDriver)
	assert.Equal(t, 500, s.FanoutChunkSize)
	assert.False(t, s.FanoutInline)
	assert.Equal(t, 250*time.Millisecond, s.DispatcherPollInterval)
	require.NotNil(t, s.SupervisorCanReject)
	assert.True(t, *s.SupervisorCanReject)

	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SUPERVISOR_CAN_REJECT", "")
	s = LoadSettings()
	assert.Equal(t, "mysql", s.StoreDriver)
	assert.Nil(t, s.SupervisorCanReject)
}
