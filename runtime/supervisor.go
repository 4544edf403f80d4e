package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	channerics "github.com/niceyeti/channerics/channels"
	"go.uber.org/zap"

	"gradwatch/models"
	"gradwatch/patch"
)

// SupervisorConfig is the supervisor-scoped configuration. It is built
// once in main and passed by reference; there are no package-level
// singletons.
type SupervisorConfig struct {
	Kind        models.RuntimeKind
	TrainingCmd string
	SocketPath  string
	RunDir      string
	Interpreter string

	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	HeartbeatTimeout time.Duration
	HeartbeatCheck   time.Duration

	OOM    OOMPolicy
	Remote RemoteConfig
}

// AlertResponder hands a runtime alert to the agent and reports whether
// the agent proposed a refactor (in which case the patch executor path
// will restart the workload and recovery must stand down).
type AlertResponder func(ctx context.Context, alert models.Alert) bool

// Supervisor owns the current adapter, classifies failures, schedules
// back-off retries, applies the OOM policy, and runs the heartbeat/lease
// watchdog.
type Supervisor struct {
	cfg         SupervisorConfig
	state       *models.RunState
	checkpoints *patch.Store
	logger      *zap.SugaredLogger

	respondAlert AlertResponder
	autoMode     func() bool

	mu           sync.Mutex
	adapter      Adapter
	retries      int
	envOverrides map[string]string
	kind         models.RuntimeKind

	// failureMu serialises failure handling: both the adapter's failure
	// callback and the watchdog can originate failures, and they must
	// not interleave.
	failureMu sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	// newAdapter is swapped by tests to inject fake adapters.
	newAdapter func(kind models.RuntimeKind) Adapter
}

// NewSupervisor wires a supervisor over the run state. The alert
// responder and auto-mode query are attached later, once the agent
// exists.
func NewSupervisor(cfg SupervisorConfig, state *models.RunState, checkpoints *patch.Store, logger *zap.SugaredLogger) *Supervisor {
	kind := cfg.Kind
	if kind == "" {
		kind = models.RuntimeLocal
	}
	state.SetRuntimeKind(kind)
	s := &Supervisor{
		cfg:          cfg,
		state:        state,
		checkpoints:  checkpoints,
		logger:       logger,
		autoMode:     func() bool { return false },
		envOverrides: map[string]string{},
		kind:         kind,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	s.newAdapter = s.buildAdapter
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// SetAlertResponder attaches the agent hand-off used on runtime failures.
func (s *Supervisor) SetAlertResponder(responder AlertResponder) {
	s.respondAlert = responder
}

// SetAutoModeQuery attaches the executor's auto-mode switch.
func (s *Supervisor) SetAutoModeQuery(query func() bool) {
	s.autoMode = query
}

// SetKind switches the backend used by the next start. A running
// workload is not interrupted.
func (s *Supervisor) SetKind(kind models.RuntimeKind) {
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
	s.state.SetRuntimeKind(kind)
}

// Kind returns the backend the next start will use.
func (s *Supervisor) Kind() models.RuntimeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// EnvOverrides returns a copy of the resource overrides applied to child
// environments.
func (s *Supervisor) EnvOverrides() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.envOverrides))
	for k, v := range s.envOverrides {
		out[k] = v
	}
	return out
}

func (s *Supervisor) buildAdapter(kind models.RuntimeKind) Adapter {
	callbacks := Callbacks{
		OnLog:       s.onLog,
		OnHeartbeat: s.onHeartbeat,
		OnFailure:   s.OnFailure,
		OnComplete:  s.onComplete,
	}
	switch kind {
	case models.RuntimeRemote:
		remoteCfg := s.cfg.Remote
		remoteCfg.TrainingFile = s.state.TrainingFile()
		remoteCfg.TrainingCmd = s.cfg.TrainingCmd
		remoteCfg.RunDir = s.cfg.RunDir
		remoteCfg.EnvOverrides = s.EnvOverrides()
		return NewRemoteAdapter(remoteCfg, callbacks, s.checkpoints, s.logger)
	case models.RuntimeScaffold:
		return NewScaffoldAdapter(s.localConfig(), callbacks, s.logger)
	default:
		return NewLocalAdapter(s.localConfig(), callbacks, s.logger)
	}
}

func (s *Supervisor) localConfig() LocalConfig {
	return LocalConfig{
		TrainingFile: s.state.TrainingFile(),
		CodebaseRoot: s.state.CodebaseRoot(),
		SocketPath:   s.cfg.SocketPath,
		RunDir:       s.cfg.RunDir,
		TrainingCmd:  s.cfg.TrainingCmd,
		Interpreter:  s.cfg.Interpreter,
		EnvOverrides: s.EnvOverrides(),
	}
}

// Start launches a new rollout generation. fresh distinguishes an
// operator-initiated start (which resets the retry budget) from a
// recovery start (which keeps it).
func (s *Supervisor) Start(ctx context.Context, fresh bool) error {
	now := s.now()
	generation := s.state.BeginRollout(uuid.NewString(), models.StatusRunning, now)

	s.mu.Lock()
	prior := s.adapter
	s.adapter = nil
	kind := s.kind
	s.mu.Unlock()
	if prior != nil {
		prior.Close(ctx)
	}

	adapter := s.newAdapter(kind)
	s.state.SetRuntimeStatus(models.StatusStarting, s.now())
	s.logger.Infow("starting training workload", "runtime", kind, "generation", generation)

	result, err := adapter.Start(ctx)
	if err != nil {
		adapter.Close(ctx)
		s.state.SetFailure(err.Error(), "START_FAILED", ClassUnknown, nil)
		s.state.SetRuntimeStatus(models.StatusError, s.now())
		return fmt.Errorf("start training: %w", err)
	}

	s.mu.Lock()
	s.adapter = adapter
	if fresh {
		s.retries = 0
	}
	s.mu.Unlock()

	s.state.SetRuntimeID(result.RuntimeID)
	s.state.ClearFailure()
	// The lease arms on the first adapter heartbeat; until one arrives
	// only the heartbeat-staleness signal guards the run.
	s.state.SetRuntimeStatus(models.StatusRunning, s.now())
	s.logger.Infow("training workload running", "runtime_id", result.RuntimeID, "generation", generation, "metadata", result.Metadata)
	return nil
}

// Stop closes the current adapter. A run that already failed keeps its
// terminal status.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	adapter := s.adapter
	s.adapter = nil
	s.mu.Unlock()

	s.state.SetDesiredState(models.StatusStopped, s.now())
	if adapter != nil {
		adapter.Close(ctx)
	}
	status := s.state.RuntimeStatus()
	if status != models.StatusFailed && status != models.StatusError {
		s.state.SetRuntimeStatus(models.StatusStopped, s.now())
	}
	return nil
}

func (s *Supervisor) onLog(line string) {
	s.state.AppendLog(line)
	s.state.TouchHeartbeat(s.now(), 0)
}

func (s *Supervisor) onHeartbeat() {
	s.state.TouchHeartbeat(s.now(), s.cfg.HeartbeatTimeout)
}

func (s *Supervisor) onComplete(ctx context.Context, status string) {
	now := s.now()
	s.state.ClearFailure()
	s.state.SetDesiredState(models.RuntimeStatus(status), now)
	s.state.SetRuntimeStatus(models.RuntimeStatus(status), now)
	s.logger.Infow("training workload finished", "status", status)
}

// OnFailure is the single entry point for runtime failures, from the
// adapter or the watchdog. It classifies the failure, raises the health
// alert, hands it to the agent, and falls through to recovery unless the
// agent's refactor path takes over.
func (s *Supervisor) OnFailure(ctx context.Context, failure Failure) {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()

	now := s.now()
	class := Classify(failure)
	message := failure.Message
	if message == "" {
		message = failure.Status
	}
	reason := fmt.Sprintf("%s (%s)", message, class)

	s.state.SetFailure(reason, failure.ErrorType, class, failure.ExitCode)
	s.state.SetRuntimeStatus(models.StatusFailed, now)
	s.logger.Warnw("training workload failed",
		"class", class, "error_type", failure.ErrorType, "message", failure.Message)

	alert := models.Alert{
		Metric:    "runtime/health",
		Threshold: 0.0,
		Current:   1.0,
		Message:   reason,
		Timestamp: models.EpochSeconds(now),
	}
	s.state.AddAlert(alert)
	s.state.AddMetric("runtime/failures", 1.0, nil)

	proposedRefactor := false
	if s.respondAlert != nil {
		proposedRefactor = s.respondAlert(ctx, alert)
	}
	if proposedRefactor && s.autoMode() {
		// The guarded executor restarts after applying the patch; a
		// back-off restart here would race it.
		return
	}

	s.recover(ctx, failure, class)
}

// recover applies the OOM policy when warranted and restarts after an
// exponential back-off, without resetting the retry budget.
func (s *Supervisor) recover(ctx context.Context, failure Failure, class string) {
	if !s.autoMode() {
		s.state.SetDesiredState(models.StatusFailed, s.now())
		s.logger.Infow("auto mode off; leaving workload failed", "class", class)
		return
	}

	s.mu.Lock()
	retries := s.retries
	s.mu.Unlock()
	if retries >= s.cfg.MaxRetries {
		s.logger.Warnw("runtime retry budget exhausted", "retries", retries, "max", s.cfg.MaxRetries)
		return
	}

	if class == ClassOOM {
		s.applyOOMPolicy()
	}

	s.mu.Lock()
	s.retries++
	attempt := s.retries
	s.mu.Unlock()

	backoff := s.cfg.BackoffBase << (attempt - 1)
	if backoff > s.cfg.BackoffMax || backoff <= 0 {
		backoff = s.cfg.BackoffMax
	}

	s.state.IncrementRestarts()
	s.state.SetRuntimeStatus(models.StatusRecovering, s.now())
	reason, _, _ := s.state.FailureInfo()
	s.state.AppendLog(fmt.Sprintf("[system] recovering from failure (%s); restart %d/%d in %s",
		reason, attempt, s.cfg.MaxRetries, backoff))
	s.logger.Infow("scheduling recovery restart", "attempt", attempt, "backoff", backoff)

	s.sleep(ctx, backoff)
	if ctx.Err() != nil {
		return
	}
	if err := s.Start(ctx, false); err != nil {
		s.logger.Errorw("recovery restart failed", "attempt", attempt, "error", err)
		return
	}
	s.logger.Infow("recovery restart succeeded", "attempt", attempt)
}

func (s *Supervisor) applyOOMPolicy() {
	s.mu.Lock()
	changes := s.cfg.OOM.Apply(s.envOverrides)
	s.mu.Unlock()

	if len(changes) > 0 {
		s.state.AddMetric("runtime/oom_policy_applied", 1.0, nil)
		mapping := strings.Join(changes, ", ")
		s.state.AppendLog("[system] oom policy applied: " + mapping)
		s.logger.Infow("oom policy applied", "changes", mapping)
	} else {
		s.state.AddMetric("runtime/oom_policy_applied", 0.0, nil)
		s.logger.Infow("oom policy made no changes")
	}
}

// Watchdog wakes every HeartbeatCheck and synthesises a timeout failure
// when the rollout lease expires or the heartbeat goes stale. These are
// the two distinct timeout signals.
func (s *Supervisor) Watchdog(ctx context.Context) {
	if s.cfg.HeartbeatCheck <= 0 {
		return
	}
	for range channerics.NewTicker(ctx.Done(), s.cfg.HeartbeatCheck) {
		s.mu.Lock()
		adapter := s.adapter
		s.mu.Unlock()
		if adapter == nil {
			continue
		}
		if s.state.RuntimeStatus() != models.StatusRunning {
			continue
		}

		now := s.now()
		if deadline := s.state.LeaseDeadline(); !deadline.IsZero() && now.After(deadline) {
			s.logger.Warnw("rollout lease expired", "deadline", deadline)
			s.OnFailure(ctx, Failure{
				Status:    string(ClassTimeout),
				ErrorType: "ROLLOUT_LEASE_EXPIRED",
				Message:   fmt.Sprintf("rollout lease expired at %s", deadline.Format(time.RFC3339)),
			})
			continue
		}
		if last := s.state.LastHeartbeat(); !last.IsZero() && now.Sub(last) > s.cfg.HeartbeatTimeout {
			s.logger.Warnw("runtime heartbeat stale", "last", last)
			s.OnFailure(ctx, Failure{
				Status:    string(ClassTimeout),
				ErrorType: "RUNTIME_HEARTBEAT_TIMEOUT",
				Message:   fmt.Sprintf("no heartbeat since %s", last.Format(time.RFC3339)),
			})
		}
	}
}

// Shutdown stops the workload and marks the run inactive.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.state.SetActive(false)
	s.Stop(ctx)
}
