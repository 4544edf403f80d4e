package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"gradwatch/models"
)

// recentLineBuffer is how many trailing output lines the local adapter
// keeps for the OOM heuristic.
const recentLineBuffer = 400

// stopGrace is how long terminate gets before kill.
const stopGrace = 5 * time.Second

// LocalConfig configures a local (or scaffold) child process run.
type LocalConfig struct {
	TrainingFile string
	CodebaseRoot string
	SocketPath   string
	RunDir       string
	TrainingCmd  string
	Interpreter  string
	// EnvOverrides are appended after the inherited environment, so the
	// OOM policy's resource knobs win over ambient values.
	EnvOverrides map[string]string
}

// LocalAdapter runs the workload as a local child process with stdout and
// stderr merged into one pipe.
type LocalAdapter struct {
	cfg       LocalConfig
	callbacks Callbacks
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stopRequested bool
	pumpDone      chan struct{}
	recent        []string

	// inCallback is nonzero while the pump is inside a callback. Stop
	// checks it to avoid waiting on its own callback stack.
	inCallback atomic.Int32
}

// NewLocalAdapter wires a local adapter; callbacks fire on the log pump
// goroutine.
func NewLocalAdapter(cfg LocalConfig, callbacks Callbacks, logger *zap.SugaredLogger) *LocalAdapter {
	return &LocalAdapter{cfg: cfg, callbacks: callbacks, logger: logger}
}

func (a *LocalAdapter) interpreter() string {
	if a.cfg.Interpreter != "" {
		return a.cfg.Interpreter
	}
	return "python3"
}

// resolveCommand tokenizes an explicit training command by shell quoting
// rules, falling back to `<interpreter> <training_file>`.
func (a *LocalAdapter) resolveCommand() ([]string, error) {
	if trimmed := strings.TrimSpace(a.cfg.TrainingCmd); trimmed != "" {
		command, err := shlex.Split(trimmed)
		if err != nil {
			return nil, fmt.Errorf("tokenize training command: %w", err)
		}
		if len(command) == 0 {
			return nil, fmt.Errorf("empty training command")
		}
		return command, nil
	}
	return []string{a.interpreter(), a.cfg.TrainingFile}, nil
}

func (a *LocalAdapter) buildEnv() []string {
	env := os.Environ()
	setDefault := func(key, value string) {
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				return
			}
		}
		env = append(env, key+"="+value)
	}
	setDefault(EnvSocketPath, a.cfg.SocketPath)
	if a.cfg.RunDir != "" {
		os.MkdirAll(a.cfg.RunDir, 0o755)
		setDefault(EnvRunDir, a.cfg.RunDir)
	}
	setDefault(EnvTelemetryOn, "1")
	// Overrides are appended last; the last assignment wins in exec.
	for key, value := range a.cfg.EnvOverrides {
		env = append(env, key+"="+value)
	}
	return env
}

// Start closes any prior process, spawns the workload, and launches the
// concurrent output pump.
func (a *LocalAdapter) Start(ctx context.Context) (StartResult, error) {
	if err := a.Stop(ctx); err != nil {
		return StartResult{}, err
	}

	command, err := a.resolveCommand()
	if err != nil {
		return StartResult{}, err
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = a.cfg.CodebaseRoot
	cmd.Env = a.buildEnv()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StartResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return StartResult{}, fmt.Errorf("spawn training process: %w", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stopRequested = false
	a.recent = nil
	a.pumpDone = make(chan struct{})
	pumpDone := a.pumpDone
	a.mu.Unlock()

	a.emitLog(fmt.Sprintf("[system] training restarted (pid=%d)", cmd.Process.Pid))
	a.emitLog("[system] launch command: " + strings.Join(command, " "))
	if a.cfg.RunDir != "" {
		a.emitLog(fmt.Sprintf("[system] %s=%s", EnvRunDir, a.cfg.RunDir))
	}
	a.callbacks.OnHeartbeat()

	go a.pumpOutput(ctx, cmd, stdout, pumpDone)

	return StartResult{RuntimeID: fmt.Sprintf("%d", cmd.Process.Pid)}, nil
}

func (a *LocalAdapter) emitLog(line string) {
	a.callbacks.OnLog(line)
}

// pumpOutput streams merged output lines to the callbacks, buffers the
// recent tail for the OOM heuristic, and reports the exit outcome.
func (a *LocalAdapter) pumpOutput(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "�")
		a.rememberLine(line)
		a.emitLog(line)
		a.callbacks.OnHeartbeat()
	}

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	a.emitLog(fmt.Sprintf("[system] training exited with code %d", exitCode))

	a.mu.Lock()
	stopped := a.stopRequested
	a.mu.Unlock()
	if stopped {
		return
	}

	a.inCallback.Add(1)
	defer a.inCallback.Add(-1)

	if exitCode == 0 {
		a.emitLog("[system] training completed successfully")
		a.callbacks.OnComplete(ctx, string(models.StatusCompleted))
		return
	}

	errorType := "LOCAL_EXIT_NONZERO"
	if a.recentContainsOOM() {
		errorType = "LOCAL_OOM"
	}
	code := exitCode
	a.callbacks.OnFailure(ctx, Failure{
		Status:    string(models.StatusFailed),
		ErrorType: errorType,
		Message:   "local training process exited unexpectedly",
		ExitCode:  &code,
	})
}

func (a *LocalAdapter) rememberLine(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, line)
	if len(a.recent) > recentLineBuffer {
		a.recent = a.recent[len(a.recent)-recentLineBuffer:]
	}
}

func (a *LocalAdapter) recentContainsOOM() bool {
	a.mu.Lock()
	buffered := strings.ToLower(strings.Join(a.recent, "\n"))
	a.mu.Unlock()
	for _, pattern := range oomPatterns {
		if strings.Contains(buffered, pattern) {
			return true
		}
	}
	return false
}

// Stop sets the stop flag (so the exit handler won't re-enter failure
// reporting), terminates the child, escalates to kill after the grace
// period, and waits for the pump to drain. Idempotent. When invoked from
// inside the pump's own callback stack the wait is skipped: the pump
// cannot finish while it is the caller.
func (a *LocalAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopRequested = true
	cmd := a.cmd
	pumpDone := a.pumpDone
	a.cmd = nil
	a.pumpDone = nil
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	if pumpDone == nil || a.inCallback.Load() > 0 {
		return nil
	}

	select {
	case <-pumpDone:
	case <-time.After(stopGrace):
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		select {
		case <-pumpDone:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	return nil
}

// Close stops the child; the local adapter holds no other resources.
func (a *LocalAdapter) Close(ctx context.Context) error {
	return a.Stop(ctx)
}
