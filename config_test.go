package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradwatch/models"
)

func TestLoadConfigRequiresTrainingFile(t *testing.T) {
	t.Setenv("TRAINING_FILE", "")
	_, err := LoadConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training-file")
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"--training-file", "train.py"})
	require.NoError(t, err)

	assert.Equal(t, "train.py", cfg.TrainingFile)
	assert.Equal(t, ".", cfg.CodebaseRoot)
	assert.Equal(t, models.RuntimeLocal, cfg.RuntimeKind)
	assert.Equal(t, 3, cfg.MaxRuntimeRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoff)
	assert.Equal(t, time.Minute, cfg.RetryBackoffMax)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout)
	assert.True(t, cfg.OOM.Enabled)
	assert.Equal(t, []string{"BATCH_SIZE", "PER_DEVICE_TRAIN_BATCH_SIZE", "TRAIN_BATCH_SIZE"}, cfg.OOM.BatchKeys)
	assert.Contains(t, cfg.SocketPath, "gradwatch-supervisor.sock")
}

func TestLoadConfigEnvBinding(t *testing.T) {
	t.Setenv("TRAINING_FILE", "/work/train.py")
	t.Setenv("SUPERVISOR_SOCKET", "/run/gw.sock")
	t.Setenv("RUNTIME", "scaffold")
	t.Setenv("AGENT_AUTO", "1")
	t.Setenv("FRESH_RUN", "1")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "/work/train.py", cfg.TrainingFile)
	assert.Equal(t, "/run/gw.sock", cfg.SocketPath)
	assert.Equal(t, models.RuntimeScaffold, cfg.RuntimeKind)
	assert.True(t, cfg.AutoMode)
	assert.True(t, cfg.FreshRun)
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("TRAINING_FILE", "/env/train.py")
	cfg, err := LoadConfig([]string{"--training-file", "/flag/train.py"})
	require.NoError(t, err)
	assert.Equal(t, "/flag/train.py", cfg.TrainingFile)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"bad runtime", []string{"--training-file", "t.py", "--runtime", "mainframe"}},
		{"negative retries", []string{"--training-file", "t.py", "--max-runtime-retries", "-1"}},
		{"tiny backoff", []string{"--training-file", "t.py", "--runtime-retry-backoff-secs", "0.01"}},
		{"tiny heartbeat", []string{"--training-file", "t.py", "--runtime-heartbeat-check-secs", "0.1"}},
		{"zero batch floor", []string{"--training-file", "t.py", "--oom-min-batch-size", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(tc.args)
			assert.Error(t, err)
		})
	}
}

func TestSupervisorConfigMapping(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"--training-file", "train.py",
		"--runtime", "remote",
		"--max-runtime-retries", "7",
		"--oom-batch-env-keys", "A, B ,C",
	})
	require.NoError(t, err)

	supCfg := cfg.SupervisorConfig()
	assert.Equal(t, models.RuntimeRemote, supCfg.Kind)
	assert.Equal(t, 7, supCfg.MaxRetries)
	assert.Equal(t, []string{"A", "B", "C"}, supCfg.OOM.BatchKeys)
}
