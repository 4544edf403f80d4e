package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gradwatch/models"
	"gradwatch/runtime"
)

// Config is the daemon-scoped configuration, built once in main and
// passed by reference. Flags listed in flagEnvNames also read an env-var
// twin bound through viper; the numeric retry, heartbeat and OOM knobs
// are flag-only.
type Config struct {
	SocketPath    string
	TrainingFile  string
	CodebaseRoot  string
	RunDir        string
	TrainingCmd   string
	StartTraining bool
	FreshRun      bool
	AutoMode      bool
	RuntimeKind   models.RuntimeKind
	TelemetryAddr string
	OracleCmd     string

	MaxRuntimeRetries    int
	RetryBackoff         time.Duration
	RetryBackoffMax      time.Duration
	HeartbeatTimeout     time.Duration
	HeartbeatCheck       time.Duration

	OOM    runtime.OOMPolicy
	Remote runtime.RemoteConfig
}

var flagEnvNames = map[string]string{
	"socket":         "SUPERVISOR_SOCKET",
	"training-file":  "TRAINING_FILE",
	"codebase-root":  "CODEBASE_ROOT",
	"run-dir":        "RUN_DIR",
	"training-cmd":   "TRAINING_CMD",
	"start-training": "START_TRAINING",
	"fresh-run":      "FRESH_RUN",
	"auto":           "AGENT_AUTO",
	"runtime":        "RUNTIME",
	"telemetry-addr": "TELEMETRY_ADDR",
	"oracle-cmd":     "ORACLE_CMD",
	"remote-config":  "REMOTE_CONFIG",
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), "gradwatch-supervisor.sock")
}

// LoadConfig parses flags and environment into a validated Config. An
// unset training file is a fatal configuration error.
func LoadConfig(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("gradwatchd", pflag.ContinueOnError)

	flags.String("socket", defaultSocketPath(), "unix socket path for daemon communication")
	flags.String("training-file", "", "path to the training script (required)")
	flags.String("codebase-root", ".", "root directory for codebase indexing")
	flags.String("run-dir", "", "telemetry event directory")
	flags.String("training-cmd", "", "explicit launch command for the workload")
	flags.Bool("start-training", false, "start the workload on boot")
	flags.Bool("fresh-run", false, "purge *tfevents* files under run-dir before start")
	flags.Bool("auto", false, "auto-apply agent refactors")
	flags.String("runtime", string(models.RuntimeLocal), "workload backend: local, remote, or scaffold")
	flags.String("telemetry-addr", "", "optional HTTP address for the live telemetry websocket")
	flags.String("oracle-cmd", "", "external diagnosing agent command")
	flags.String("remote-config", "", "YAML file with remote sandbox parameters")

	flags.Int("max-runtime-retries", 3, "recovery restarts before giving up")
	flags.Float64("runtime-retry-backoff-secs", 5, "base recovery back-off seconds")
	flags.Float64("runtime-retry-backoff-max-secs", 60, "recovery back-off ceiling seconds")
	flags.Float64("runtime-heartbeat-timeout-secs", 120, "heartbeat staleness before a timeout failure")
	flags.Float64("runtime-heartbeat-check-secs", 10, "watchdog wake interval seconds")

	flags.Bool("oom-policy", true, "apply the OOM resource back-off before OOM recoveries")
	flags.Int("oom-min-batch-size", 1, "batch size floor")
	flags.Int("oom-default-batch-size", 32, "batch size assumed when no env value exists")
	flags.Int("oom-max-grad-accum", 64, "gradient accumulation cap")
	flags.Int("oom-min-seq-len", 128, "sequence length floor")
	flags.String("oom-batch-env-keys", "BATCH_SIZE,PER_DEVICE_TRAIN_BATCH_SIZE,TRAIN_BATCH_SIZE", "batch size env keys, ordered")
	flags.String("oom-accum-env-keys", "GRAD_ACCUM_STEPS,GRADIENT_ACCUMULATION_STEPS", "grad accumulation env keys, ordered")
	flags.String("oom-seq-env-keys", "MAX_SEQ_LEN,BLOCK_SIZE,SEQ_LEN", "sequence length env keys, ordered")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	vp := viper.New()
	if err := vp.BindPFlags(flags); err != nil {
		return nil, err
	}
	for flagName, envName := range flagEnvNames {
		if err := vp.BindEnv(flagName, envName); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		SocketPath:        vp.GetString("socket"),
		TrainingFile:      vp.GetString("training-file"),
		CodebaseRoot:      vp.GetString("codebase-root"),
		RunDir:            vp.GetString("run-dir"),
		TrainingCmd:       vp.GetString("training-cmd"),
		StartTraining:     vp.GetBool("start-training"),
		FreshRun:          vp.GetBool("fresh-run"),
		AutoMode:          vp.GetBool("auto"),
		RuntimeKind:       models.RuntimeKind(vp.GetString("runtime")),
		TelemetryAddr:     vp.GetString("telemetry-addr"),
		OracleCmd:         vp.GetString("oracle-cmd"),
		MaxRuntimeRetries: vp.GetInt("max-runtime-retries"),
		RetryBackoff:      secsToDuration(vp.GetFloat64("runtime-retry-backoff-secs")),
		RetryBackoffMax:   secsToDuration(vp.GetFloat64("runtime-retry-backoff-max-secs")),
		HeartbeatTimeout:  secsToDuration(vp.GetFloat64("runtime-heartbeat-timeout-secs")),
		HeartbeatCheck:    secsToDuration(vp.GetFloat64("runtime-heartbeat-check-secs")),
		OOM: runtime.OOMPolicy{
			Enabled:          vp.GetBool("oom-policy"),
			BatchKeys:        splitKeys(vp.GetString("oom-batch-env-keys")),
			AccumKeys:        splitKeys(vp.GetString("oom-accum-env-keys")),
			SeqKeys:          splitKeys(vp.GetString("oom-seq-env-keys")),
			MinBatchSize:     vp.GetInt("oom-min-batch-size"),
			DefaultBatchSize: vp.GetInt("oom-default-batch-size"),
			MaxGradAccum:     vp.GetInt("oom-max-grad-accum"),
			MinSeqLen:        vp.GetInt("oom-min-seq-len"),
		},
	}

	if remotePath := vp.GetString("remote-config"); remotePath != "" {
		remote, err := loadRemoteConfig(remotePath)
		if err != nil {
			return nil, err
		}
		cfg.Remote = *remote
	}

	return cfg, cfg.validate()
}

func secsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func splitKeys(raw string) []string {
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

func (c *Config) validate() error {
	if c.TrainingFile == "" {
		return fmt.Errorf("--training-file or TRAINING_FILE is required")
	}
	if !models.ValidRuntimeKind(string(c.RuntimeKind)) {
		return fmt.Errorf("invalid --runtime %q: want local, remote, or scaffold", c.RuntimeKind)
	}
	if c.MaxRuntimeRetries < 0 {
		return fmt.Errorf("--max-runtime-retries must be >= 0")
	}
	if c.RetryBackoff < 100*time.Millisecond || c.RetryBackoffMax < 100*time.Millisecond {
		return fmt.Errorf("retry back-off values must be >= 0.1s")
	}
	if c.HeartbeatTimeout < 500*time.Millisecond || c.HeartbeatCheck < 500*time.Millisecond {
		return fmt.Errorf("heartbeat intervals must be >= 0.5s")
	}
	if c.OOM.MinBatchSize < 1 || c.OOM.DefaultBatchSize < 1 || c.OOM.MaxGradAccum < 1 || c.OOM.MinSeqLen < 1 {
		return fmt.Errorf("oom policy bounds must be >= 1")
	}
	return nil
}

// loadRemoteConfig reads sandbox parameters from YAML through viper.
func loadRemoteConfig(path string) (*runtime.RemoteConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(filepath.Base(path))
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read remote config: %w", err)
	}

	remote := &runtime.RemoteConfig{
		Image:          vp.GetString("image"),
		CPUCores:       vp.GetFloat64("cpu_cores"),
		MemoryGB:       vp.GetFloat64("memory_gb"),
		TimeoutMinutes: vp.GetInt("timeout_minutes"),
		Workdir:        vp.GetString("workdir"),
		PythonBin:      vp.GetString("python_bin"),
		WaitAttempts:   vp.GetInt("wait_attempts"),
		EnvPassthrough: vp.GetStringSlice("env_passthrough"),
	}
	if secs := vp.GetFloat64("poll_interval_secs"); secs > 0 {
		remote.PollInterval = secsToDuration(secs)
	}
	return remote, nil
}

// SupervisorConfig maps the daemon config onto the supervisor's.
func (c *Config) SupervisorConfig() runtime.SupervisorConfig {
	return runtime.SupervisorConfig{
		Kind:             c.RuntimeKind,
		TrainingCmd:      c.TrainingCmd,
		SocketPath:       c.SocketPath,
		RunDir:           c.RunDir,
		MaxRetries:       c.MaxRuntimeRetries,
		BackoffBase:      c.RetryBackoff,
		BackoffMax:       c.RetryBackoffMax,
		HeartbeatTimeout: c.HeartbeatTimeout,
		HeartbeatCheck:   c.HeartbeatCheck,
		OOM:              c.OOM,
		Remote:           c.Remote,
	}
}
