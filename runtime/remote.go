package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gradwatch/models"
	"gradwatch/patch"
)

// RemoteConfig configures the sandbox-backed runtime.
type RemoteConfig struct {
	TrainingFile string
	TrainingCmd  string
	RunDir       string

	Image          string        `yaml:"image"`
	CPUCores       float64       `yaml:"cpu_cores"`
	MemoryGB       float64       `yaml:"memory_gb"`
	TimeoutMinutes int           `yaml:"timeout_minutes"`
	Workdir        string        `yaml:"workdir"`
	PythonBin      string        `yaml:"python_bin"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	WaitAttempts   int           `yaml:"wait_attempts"`
	// EnvPassthrough lists daemon env keys copied into the remote job.
	EnvPassthrough []string `yaml:"env_passthrough"`
	// EnvOverrides win over passthrough values; the OOM policy's
	// resource knobs arrive here.
	EnvOverrides map[string]string `yaml:"-"`
}

func (c *RemoteConfig) applyDefaults() {
	if c.Image == "" {
		c.Image = "python:3.11-slim"
	}
	if c.CPUCores == 0 {
		c.CPUCores = 2
	}
	if c.MemoryGB == 0 {
		c.MemoryGB = 8
	}
	if c.TimeoutMinutes == 0 {
		c.TimeoutMinutes = 180
	}
	if c.Workdir == "" {
		c.Workdir = "/workspace"
	}
	if c.PythonBin == "" {
		c.PythonBin = "python"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WaitAttempts == 0 {
		c.WaitAttempts = 180
	}
}

// monitorErrorLimit is how many consecutive monitor poll errors are
// tolerated before the run is failed.
const monitorErrorLimit = 3

// monitorBackoffCap bounds the sleep between monitor retries.
const monitorBackoffCap = 10 * time.Second

const remoteCheckpointDirName = "checkpoints"

// teardown modes.
type teardownMode int

const (
	// teardownCleanup syncs logs and the checkpoint archive locally
	// before the sandbox is deleted.
	teardownCleanup teardownMode = iota
	// teardownKill deletes the sandbox without syncing.
	teardownKill
)

// RemoteAdapter runs the workload as a background job inside a provider
// sandbox and mirrors its output back through the callbacks.
type RemoteAdapter struct {
	cfg         RemoteConfig
	callbacks   Callbacks
	logger      *zap.SugaredLogger
	checkpoints *patch.Store

	// client may be injected for tests; otherwise it is built from
	// resolved credentials on first start.
	client SandboxClient

	mu            sync.Mutex
	sandboxID     string
	job           *Job
	stopRequested atomic.Bool
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	inCallback    atomic.Int32

	stdoutTail    []string
	stderrTail    []string
	monitorErrors int
}

// NewRemoteAdapter wires a remote adapter. checkpoints may be nil to
// disable archive sync.
func NewRemoteAdapter(cfg RemoteConfig, callbacks Callbacks, checkpoints *patch.Store, logger *zap.SugaredLogger) *RemoteAdapter {
	cfg.applyDefaults()
	return &RemoteAdapter{cfg: cfg, callbacks: callbacks, checkpoints: checkpoints, logger: logger}
}

// SetClient injects a sandbox client, bypassing credential resolution.
func (a *RemoteAdapter) SetClient(client SandboxClient) { a.client = client }

func (a *RemoteAdapter) ensureClient() error {
	if a.client != nil {
		return nil
	}
	creds, err := ResolveCredentials()
	if err != nil {
		return err
	}
	a.client = NewHTTPSandboxClient(creds)
	return nil
}

// resolveCommand maps an explicit training command onto the remote
// filesystem, or falls back to `<python> <basename>`.
func (a *RemoteAdapter) resolveCommand() string {
	base := filepath.Base(a.cfg.TrainingFile)
	if trimmed := strings.TrimSpace(a.cfg.TrainingCmd); trimmed != "" {
		return strings.ReplaceAll(trimmed, a.cfg.TrainingFile, base)
	}
	return a.cfg.PythonBin + " " + shellQuote(base)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (a *RemoteAdapter) jobEnv() map[string]string {
	env := map[string]string{}
	for _, key := range a.cfg.EnvPassthrough {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	for key, value := range a.cfg.EnvOverrides {
		env[key] = value
	}
	return env
}

func (a *RemoteAdapter) remoteCheckpointDir() string {
	return path.Join(strings.TrimRight(a.cfg.Workdir, "/"), remoteCheckpointDirName)
}

// Start provisions a sandbox, uploads the training file, restores any
// previously synced checkpoint archive, launches the job, and begins
// monitoring.
func (a *RemoteAdapter) Start(ctx context.Context) (StartResult, error) {
	if err := a.Stop(ctx); err != nil {
		return StartResult{}, err
	}
	a.stopRequested.Store(false)
	a.mu.Lock()
	a.stdoutTail = nil
	a.stderrTail = nil
	a.monitorErrors = 0
	a.mu.Unlock()

	if err := a.ensureClient(); err != nil {
		return StartResult{}, err
	}

	runTag := uuid.NewString()[:8]
	spec := SandboxSpec{
		Name:           fmt.Sprintf("gradwatch-%d", time.Now().Unix()),
		Image:          a.cfg.Image,
		CPUCores:       a.cfg.CPUCores,
		MemoryGB:       a.cfg.MemoryGB,
		TimeoutMinutes: a.cfg.TimeoutMinutes,
		Labels:         []string{"gradwatch", "runtime:remote", "run:" + runTag},
	}
	sandbox, err := a.client.Create(ctx, spec)
	if err != nil {
		return StartResult{}, fmt.Errorf("create sandbox: %w", err)
	}
	a.mu.Lock()
	a.sandboxID = sandbox.ID
	a.mu.Unlock()
	a.callbacks.OnLog("[system] remote sandbox created: " + sandbox.ID)

	if err := a.waitReady(ctx, sandbox.ID); err != nil {
		a.deleteSandbox(context.Background(), sandbox.ID)
		return StartResult{}, err
	}
	a.callbacks.OnLog("[system] remote sandbox ready: " + sandbox.ID)

	workdir := a.cfg.Workdir
	ckptDir := a.remoteCheckpointDir()
	mkdir := fmt.Sprintf("mkdir -p %s %s", shellQuote(workdir), shellQuote(ckptDir))
	if _, err := a.client.Exec(ctx, sandbox.ID, mkdir, 20*time.Second); err != nil {
		a.deleteSandbox(context.Background(), sandbox.ID)
		return StartResult{}, fmt.Errorf("prepare workdir: %w", err)
	}

	a.restoreCheckpointArchive(ctx, sandbox.ID, ckptDir)

	remoteTrainingPath := path.Join(strings.TrimRight(workdir, "/"), filepath.Base(a.cfg.TrainingFile))
	if err := a.client.UploadFile(ctx, sandbox.ID, remoteTrainingPath, a.cfg.TrainingFile); err != nil {
		a.deleteSandbox(context.Background(), sandbox.ID)
		return StartResult{}, fmt.Errorf("upload training file: %w", err)
	}
	a.callbacks.OnLog("[system] remote uploaded training file to " + remoteTrainingPath)

	command := a.resolveCommand()
	a.callbacks.OnLog("[system] remote launch command: " + command)
	job, err := a.client.StartJob(ctx, sandbox.ID, command, workdir, a.jobEnv())
	if err != nil {
		a.deleteSandbox(context.Background(), sandbox.ID)
		return StartResult{}, fmt.Errorf("start background job: %w", err)
	}
	a.mu.Lock()
	a.job = job
	a.mu.Unlock()
	a.callbacks.OnLog(fmt.Sprintf("[system] remote background job started: %s (sandbox=%s)", job.ID, sandbox.ID))
	a.callbacks.OnHeartbeat()

	monitorCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.monitorCancel = cancel
	a.monitorDone = done
	a.mu.Unlock()
	go a.monitorLoop(monitorCtx, sandbox.ID, job, done)

	return StartResult{
		RuntimeID: sandbox.ID,
		Metadata:  map[string]string{"run_tag": runTag},
	}, nil
}

// waitReady polls the sandbox until READY, bounded by WaitAttempts.
func (a *RemoteAdapter) waitReady(ctx context.Context, id string) error {
	for attempt := 0; attempt < a.cfg.WaitAttempts; attempt++ {
		sandbox, err := a.client.Get(ctx, id)
		if err == nil {
			status := strings.ToUpper(sandbox.Status)
			switch status {
			case "READY", "RUNNING":
				return nil
			case "ERROR", "TERMINATED", "TIMEOUT", "STOPPED":
				return fmt.Errorf("sandbox entered %s before becoming ready: %s", status, sandbox.ErrorMessage)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PollInterval):
		}
	}
	return fmt.Errorf("sandbox %s not ready after %d attempts", id, a.cfg.WaitAttempts)
}

// restoreCheckpointArchive pushes a previously synced local checkpoint
// archive back into the remote checkpoint dir, if one exists. Failure is
// logged and otherwise ignored; the run can proceed from scratch.
func (a *RemoteAdapter) restoreCheckpointArchive(ctx context.Context, id, ckptDir string) {
	if a.checkpoints == nil {
		return
	}
	reader, err := a.checkpoints.OpenArchive()
	if err != nil {
		return
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "gradwatch-ckpt-*.tar")
	if err != nil {
		a.callbacks.OnLog("[error] checkpoint restore skipped: " + err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		a.callbacks.OnLog("[error] checkpoint restore skipped: " + err.Error())
		return
	}
	tmp.Close()

	remoteTar := path.Join(ckptDir, "restore.tar")
	if err := a.client.UploadFile(ctx, id, remoteTar, tmp.Name()); err != nil {
		a.callbacks.OnLog("[error] checkpoint restore upload failed: " + err.Error())
		return
	}
	extract := fmt.Sprintf("tar -xf %s -C %s && rm -f %s",
		shellQuote(remoteTar), shellQuote(ckptDir), shellQuote(remoteTar))
	if _, err := a.client.Exec(ctx, id, extract, 60*time.Second); err != nil {
		a.callbacks.OnLog("[error] checkpoint restore extract failed: " + err.Error())
		return
	}
	a.callbacks.OnLog("[system] remote checkpoint archive restored to " + ckptDir)
}

// appendTailLines feeds the fresh suffix of a polled tail window to the
// log callback, trimming the overlap with the previous snapshot.
func (a *RemoteAdapter) appendTailLines(stream, text string) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	a.mu.Lock()
	prev := a.stdoutTail
	if stream == "stderr" {
		prev = a.stderrTail
	}
	overlap := tailOverlap(prev, lines)
	fresh := lines[overlap:]
	if stream == "stderr" {
		a.stderrTail = lines
	} else {
		a.stdoutTail = lines
	}
	a.mu.Unlock()

	for _, line := range fresh {
		if stream == "stderr" {
			a.callbacks.OnLog("[remote][stderr] " + line)
		} else {
			a.callbacks.OnLog("[remote] " + line)
		}
		a.callbacks.OnHeartbeat()
	}
}

func (a *RemoteAdapter) tailJobLogs(ctx context.Context, id string, job *Job) error {
	stdoutCmd := fmt.Sprintf("tail -n 200 %s 2>/dev/null || true", shellQuote(job.StdoutLogFile))
	stderrCmd := fmt.Sprintf("tail -n 200 %s 2>/dev/null || true", shellQuote(job.StderrLogFile))
	stdoutResp, err := a.client.Exec(ctx, id, stdoutCmd, 20*time.Second)
	if err != nil {
		return err
	}
	stderrResp, err := a.client.Exec(ctx, id, stderrCmd, 20*time.Second)
	if err != nil {
		return err
	}
	a.appendTailLines("stdout", stdoutResp.Stdout)
	a.appendTailLines("stderr", stderrResp.Stdout)
	return nil
}

func (a *RemoteAdapter) notifyFailure(ctx context.Context, failure Failure) {
	if a.stopRequested.Load() {
		return
	}
	a.inCallback.Add(1)
	defer a.inCallback.Add(-1)
	a.callbacks.OnFailure(ctx, failure)
}

// monitorLoop polls the sandbox and job until either finishes or stop is
// requested. Consecutive poll errors back off and eventually fail the
// run.
func (a *RemoteAdapter) monitorLoop(ctx context.Context, id string, job *Job, done chan struct{}) {
	defer close(done)

	for !a.stopRequested.Load() {
		if err := ctx.Err(); err != nil {
			return
		}

		sandbox, err := a.client.Get(ctx, id)
		if err != nil {
			if !a.monitorErrorBackoff(ctx, err) {
				return
			}
			continue
		}
		a.callbacks.OnHeartbeat()

		status := strings.ToUpper(sandbox.Status)
		if status == "ERROR" || status == "TERMINATED" || status == "TIMEOUT" || status == "STOPPED" {
			message := sandbox.ErrorMessage
			if message == "" {
				message = "remote sandbox status changed to " + status
			}
			a.notifyFailure(ctx, Failure{
				Status:    strings.ToLower(status),
				ErrorType: sandbox.ErrorType,
				Message:   message,
				ExitCode:  sandbox.ExitCode,
			})
			return
		}

		if err := a.tailJobLogs(ctx, id, job); err != nil {
			if !a.monitorErrorBackoff(ctx, err) {
				return
			}
			continue
		}

		jobStatus, err := a.client.JobStatus(ctx, id, job)
		if err != nil {
			if !a.monitorErrorBackoff(ctx, err) {
				return
			}
			continue
		}
		if jobStatus.Completed {
			a.appendTailLines("stdout", jobStatus.Stdout)
			a.appendTailLines("stderr", jobStatus.Stderr)
			exitCode := 0
			if jobStatus.ExitCode != nil {
				exitCode = *jobStatus.ExitCode
			}
			a.callbacks.OnLog(fmt.Sprintf("[system] remote job exited with code %d", exitCode))
			if exitCode == 0 {
				a.callbacks.OnLog("[system] remote job completed successfully")
				a.teardown(ctx, teardownCleanup)
				if !a.stopRequested.Load() {
					a.inCallback.Add(1)
					a.callbacks.OnComplete(ctx, string(models.StatusCompleted))
					a.inCallback.Add(-1)
				}
				return
			}
			errorType := "REMOTE_EXIT_NONZERO"
			if a.tailContainsOOM() {
				errorType = "REMOTE_OOM"
			}
			code := exitCode
			a.notifyFailure(ctx, Failure{
				Status:    string(models.StatusFailed),
				ErrorType: errorType,
				Message:   "remote background job exited unexpectedly",
				ExitCode:  &code,
			})
			return
		}

		a.mu.Lock()
		a.monitorErrors = 0
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// monitorErrorBackoff counts a poll error, sleeps `poll × n` capped at
// monitorBackoffCap, and reports whether the monitor should continue.
func (a *RemoteAdapter) monitorErrorBackoff(ctx context.Context, err error) bool {
	if a.stopRequested.Load() || ctx.Err() != nil {
		return false
	}
	a.mu.Lock()
	a.monitorErrors++
	count := a.monitorErrors
	a.mu.Unlock()

	a.callbacks.OnLog("[error] remote monitor error: " + err.Error())
	if count >= monitorErrorLimit {
		a.notifyFailure(ctx, Failure{
			Status:    string(models.StatusError),
			ErrorType: "REMOTE_MONITOR_ERROR",
			Message:   err.Error(),
		})
		return false
	}

	backoff := time.Duration(count) * a.cfg.PollInterval
	if backoff > monitorBackoffCap {
		backoff = monitorBackoffCap
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

func (a *RemoteAdapter) tailContainsOOM() bool {
	a.mu.Lock()
	haystack := strings.ToLower(strings.Join(append(append([]string{}, a.stdoutTail...), a.stderrTail...), "\n"))
	a.mu.Unlock()
	for _, pattern := range oomPatterns {
		if strings.Contains(haystack, pattern) {
			return true
		}
	}
	return false
}

// teardown optionally syncs logs and the checkpoint archive locally, then
// deletes the sandbox.
func (a *RemoteAdapter) teardown(ctx context.Context, mode teardownMode) {
	a.mu.Lock()
	id := a.sandboxID
	job := a.job
	a.sandboxID = ""
	a.job = nil
	a.mu.Unlock()
	if id == "" {
		return
	}

	if mode == teardownCleanup {
		a.syncLogs(ctx, id, job)
		a.syncCheckpointArchive(ctx, id)
	}
	a.deleteSandbox(ctx, id)
}

func (a *RemoteAdapter) syncLogs(ctx context.Context, id string, job *Job) {
	if job == nil || a.cfg.RunDir == "" {
		return
	}
	if err := os.MkdirAll(a.cfg.RunDir, 0o755); err != nil {
		return
	}
	for name, remotePath := range map[string]string{
		"remote_stdout.log": job.StdoutLogFile,
		"remote_stderr.log": job.StderrLogFile,
	} {
		if remotePath == "" {
			continue
		}
		reader, err := a.client.Download(ctx, id, remotePath)
		if err != nil {
			a.callbacks.OnLog("[error] remote log sync failed: " + err.Error())
			continue
		}
		local, err := os.Create(filepath.Join(a.cfg.RunDir, name))
		if err != nil {
			reader.Close()
			continue
		}
		io.Copy(local, reader)
		local.Close()
		reader.Close()
	}
}

// syncCheckpointArchive tars the remote checkpoint dir and stores it as a
// compressed archive locally, so a future start can restore it.
func (a *RemoteAdapter) syncCheckpointArchive(ctx context.Context, id string) {
	if a.checkpoints == nil {
		return
	}
	ckptDir := a.remoteCheckpointDir()
	remoteTar := path.Join(strings.TrimRight(a.cfg.Workdir, "/"), "checkpoints-sync.tar")
	pack := fmt.Sprintf("tar -cf %s -C %s . 2>/dev/null || true", shellQuote(remoteTar), shellQuote(ckptDir))
	if _, err := a.client.Exec(ctx, id, pack, 60*time.Second); err != nil {
		a.callbacks.OnLog("[error] remote checkpoint pack failed: " + err.Error())
		return
	}
	reader, err := a.client.Download(ctx, id, remoteTar)
	if err != nil {
		a.callbacks.OnLog("[error] remote checkpoint download failed: " + err.Error())
		return
	}
	defer reader.Close()
	if err := a.checkpoints.WriteArchive(reader); err != nil {
		a.callbacks.OnLog("[error] checkpoint archive write failed: " + err.Error())
		return
	}
	a.callbacks.OnLog("[system] remote checkpoint archive synced")
}

func (a *RemoteAdapter) deleteSandbox(ctx context.Context, id string) {
	if err := a.client.Delete(ctx, id); err != nil {
		a.callbacks.OnLog(fmt.Sprintf("[error] failed to delete remote sandbox %s: %s", id, err))
		return
	}
	a.callbacks.OnLog("[system] remote sandbox deleted: " + id)
}

// Stop cancels the monitor and deletes the sandbox without syncing. Safe
// to call repeatedly and from inside the monitor's callback stack, where
// waiting on the monitor would deadlock.
func (a *RemoteAdapter) Stop(ctx context.Context) error {
	a.stopRequested.Store(true)

	a.mu.Lock()
	cancel := a.monitorCancel
	done := a.monitorDone
	a.monitorCancel = nil
	a.monitorDone = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil && a.inCallback.Load() == 0 {
		select {
		case <-done:
		case <-time.After(stopGrace):
		case <-ctx.Done():
		}
	}

	a.teardown(ctx, teardownKill)

	a.mu.Lock()
	a.stdoutTail = nil
	a.stderrTail = nil
	a.mu.Unlock()
	return nil
}

// Close stops the run and releases the provider client.
func (a *RemoteAdapter) Close(ctx context.Context) error {
	err := a.Stop(ctx)
	if a.client != nil {
		a.client.Close()
	}
	return err
}
