package models

import (
	"strings"
	"sync"
	"time"
)

// RunState is the daemon's in-memory store for one training run: metric
// series, the log ring, alert history, and the runtime/rollout bookkeeping
// fields. There is exactly one RunState per daemon.
//
// Ownership: the supervisor writes the Runtime*/Rollout* fields, ingestion
// handlers write metrics and logs, and both read freely. A single mutex
// serializes all of it; callers never hold the lock across a suspension
// point (network IO, subprocess wait, agent call).
type RunState struct {
	mu sync.Mutex

	trainingFile string
	codebaseRoot string

	metrics     map[string][]float64
	metricOrder []string
	logs        []string
	alerts      []Alert
	currentStep int
	isActive    bool

	runtimeKind          RuntimeKind
	runtimeStatus        RuntimeStatus
	runtimeID            string
	runtimeFailureReason string
	runtimeErrorType     string
	runtimeFailureClass  string
	runtimeRestarts      int
	runtimeLastHeartbeat time.Time
	runtimeLastExitCode  *int

	rolloutID            string
	rolloutDesiredState  RuntimeStatus
	rolloutObservedState RuntimeStatus
	rolloutGeneration    int
	rolloutLeaseDeadline time.Time
	rolloutLastTransit   time.Time
	rolloutLastError     string
}

// NewRunState builds the singleton store for a run rooted at the given
// training file.
func NewRunState(trainingFile, codebaseRoot string) *RunState {
	return &RunState{
		trainingFile:  trainingFile,
		codebaseRoot:  codebaseRoot,
		metrics:       map[string][]float64{},
		isActive:      true,
		runtimeKind:   RuntimeLocal,
		runtimeStatus: StatusIdle,
	}
}

func (rs *RunState) TrainingFile() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.trainingFile
}

// SetTrainingFile retargets future patch/start operations. A running
// workload is not interrupted.
func (rs *RunState) SetTrainingFile(path string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.trainingFile = path
}

func (rs *RunState) CodebaseRoot() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.codebaseRoot
}

// AddMetric appends a value to the named series. The step counter is
// monotonically non-decreasing: later updates with a smaller step leave it
// unchanged.
func (rs *RunState) AddMetric(metric string, value float64, step *int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.metrics[metric]; !ok {
		rs.metricOrder = append(rs.metricOrder, metric)
	}
	rs.metrics[metric] = append(rs.metrics[metric], value)
	if step != nil && *step > rs.currentStep {
		rs.currentStep = *step
	}
}

// MetricTail returns the last n values of a series, oldest first.
func (rs *RunState) MetricTail(metric string, n int) []float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	values := rs.metrics[metric]
	if n <= 0 || n > len(values) {
		n = len(values)
	}
	tail := make([]float64, n)
	copy(tail, values[len(values)-n:])
	return tail
}

// Metrics returns a copy of every series, keyed by name, with names in
// first-seen order available via MetricNames.
func (rs *RunState) Metrics() map[string][]float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string][]float64, len(rs.metrics))
	for name, values := range rs.metrics {
		cp := make([]float64, len(values))
		copy(cp, values)
		out[name] = cp
	}
	return out
}

// MetricNames returns series names in first-seen order.
func (rs *RunState) MetricNames() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	names := make([]string, len(rs.metricOrder))
	copy(names, rs.metricOrder)
	return names
}

func (rs *RunState) CurrentStep() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.currentStep
}

// AppendLog appends one line to the log ring.
func (rs *RunState) AppendLog(line string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.logs = append(rs.logs, line)
}

// LogTail returns the most recent n lines joined by newline.
func (rs *RunState) LogTail(n int) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if n <= 0 || n > len(rs.logs) {
		n = len(rs.logs)
	}
	return strings.Join(rs.logs[len(rs.logs)-n:], "\n")
}

// LogLines returns a copy of the most recent n log lines.
func (rs *RunState) LogLines(n int) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if n <= 0 || n > len(rs.logs) {
		n = len(rs.logs)
	}
	tail := make([]string, n)
	copy(tail, rs.logs[len(rs.logs)-n:])
	return tail
}

// AddAlert appends a raised alert to the history.
func (rs *RunState) AddAlert(alert Alert) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.alerts = append(rs.alerts, alert)
}

// LatestAlert returns the most recently raised alert, or nil.
func (rs *RunState) LatestAlert() *Alert {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.alerts) == 0 {
		return nil
	}
	alert := rs.alerts[len(rs.alerts)-1]
	return &alert
}

// Alerts returns a copy of the alert history.
func (rs *RunState) Alerts() []Alert {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Alert, len(rs.alerts))
	copy(out, rs.alerts)
	return out
}

func (rs *RunState) IsActive() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.isActive
}

func (rs *RunState) SetActive(active bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.isActive = active
}

// --- runtime fields (supervisor-owned) ---

func (rs *RunState) RuntimeKind() RuntimeKind {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeKind
}

func (rs *RunState) SetRuntimeKind(kind RuntimeKind) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeKind = kind
}

func (rs *RunState) RuntimeStatus() RuntimeStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeStatus
}

// SetRuntimeStatus transitions the observed runtime status. Every status
// change counts as a heartbeat and stamps the rollout transition time; the
// lease is cleared outside the active states.
func (rs *RunState) SetRuntimeStatus(status RuntimeStatus, now time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeStatus = status
	rs.rolloutObservedState = status
	rs.rolloutLastTransit = now
	rs.touchHeartbeatLocked(now)
	if !leaseActive(status) {
		rs.rolloutLeaseDeadline = time.Time{}
	}
}

func leaseActive(status RuntimeStatus) bool {
	return status == StatusStarting || status == StatusRunning || status == StatusRecovering
}

func (rs *RunState) RuntimeID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeID
}

func (rs *RunState) SetRuntimeID(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeID = id
}

// SetFailure records the classified failure details.
func (rs *RunState) SetFailure(reason, errorType, class string, exitCode *int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeFailureReason = reason
	rs.runtimeErrorType = errorType
	rs.runtimeFailureClass = class
	if exitCode != nil {
		code := *exitCode
		rs.runtimeLastExitCode = &code
	}
	rs.rolloutLastError = reason
}

// ClearFailure wipes failure bookkeeping after a clean start or completion.
func (rs *RunState) ClearFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeFailureReason = ""
	rs.runtimeErrorType = ""
	rs.runtimeFailureClass = ""
}

func (rs *RunState) FailureInfo() (reason, errorType, class string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeFailureReason, rs.runtimeErrorType, rs.runtimeFailureClass
}

func (rs *RunState) IncrementRestarts() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimeRestarts++
	return rs.runtimeRestarts
}

func (rs *RunState) RuntimeRestarts() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeRestarts
}

// TouchHeartbeat records observable progress. The heartbeat never moves
// backward. While the rollout is in an active state the lease deadline is
// extended by the supplied timeout.
func (rs *RunState) TouchHeartbeat(now time.Time, leaseTimeout time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.touchHeartbeatLocked(now)
	if leaseTimeout > 0 && leaseActive(rs.runtimeStatus) {
		rs.rolloutLeaseDeadline = now.Add(leaseTimeout)
	}
}

func (rs *RunState) touchHeartbeatLocked(now time.Time) {
	if now.After(rs.runtimeLastHeartbeat) {
		rs.runtimeLastHeartbeat = now
	}
}

func (rs *RunState) LastHeartbeat() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runtimeLastHeartbeat
}

func (rs *RunState) LastExitCode() *int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.runtimeLastExitCode == nil {
		return nil
	}
	code := *rs.runtimeLastExitCode
	return &code
}

// --- rollout fields (supervisor-owned) ---

// BeginRollout increments the generation counter and records a fresh
// rollout id. The generation strictly increases on every start attempt.
func (rs *RunState) BeginRollout(id string, desired RuntimeStatus, now time.Time) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rolloutGeneration++
	rs.rolloutID = id
	rs.rolloutDesiredState = desired
	rs.rolloutLastTransit = now
	return rs.rolloutGeneration
}

func (rs *RunState) SetDesiredState(desired RuntimeStatus, now time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rolloutDesiredState = desired
	rs.rolloutLastTransit = now
}

func (rs *RunState) RolloutGeneration() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rolloutGeneration
}

func (rs *RunState) LeaseDeadline() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rolloutLeaseDeadline
}

// RolloutView is a copy of the rollout fields for serialization.
type RolloutView struct {
	ID            string        `json:"rollout_id"`
	DesiredState  RuntimeStatus `json:"rollout_desired_state"`
	ObservedState RuntimeStatus `json:"rollout_observed_state"`
	Generation    int           `json:"rollout_generation"`
	LeaseDeadline float64       `json:"rollout_lease_deadline,omitempty"`
	LastTransit   float64       `json:"rollout_last_transition_ts,omitempty"`
	LastError     string        `json:"rollout_last_error,omitempty"`
}

// RuntimeView is a copy of the runtime fields for serialization.
type RuntimeView struct {
	Kind          RuntimeKind   `json:"runtime_kind"`
	Status        RuntimeStatus `json:"runtime_status"`
	ID            string        `json:"runtime_id,omitempty"`
	FailureReason string        `json:"runtime_failure_reason,omitempty"`
	ErrorType     string        `json:"runtime_error_type,omitempty"`
	FailureClass  string        `json:"runtime_failure_class,omitempty"`
	Restarts      int           `json:"runtime_restarts"`
	LastHeartbeat float64       `json:"runtime_last_heartbeat,omitempty"`
	LastExitCode  *int          `json:"runtime_last_exit_code,omitempty"`
}

// Views returns serializable copies of the runtime and rollout fields.
func (rs *RunState) Views() (RuntimeView, RolloutView) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rv := RuntimeView{
		Kind:          rs.runtimeKind,
		Status:        rs.runtimeStatus,
		ID:            rs.runtimeID,
		FailureReason: rs.runtimeFailureReason,
		ErrorType:     rs.runtimeErrorType,
		FailureClass:  rs.runtimeFailureClass,
		Restarts:      rs.runtimeRestarts,
		LastExitCode:  rs.runtimeLastExitCode,
	}
	if !rs.runtimeLastHeartbeat.IsZero() {
		rv.LastHeartbeat = epochSeconds(rs.runtimeLastHeartbeat)
	}
	ov := RolloutView{
		ID:            rs.rolloutID,
		DesiredState:  rs.rolloutDesiredState,
		ObservedState: rs.rolloutObservedState,
		Generation:    rs.rolloutGeneration,
		LastError:     rs.rolloutLastError,
	}
	if !rs.rolloutLeaseDeadline.IsZero() {
		ov.LeaseDeadline = epochSeconds(rs.rolloutLeaseDeadline)
	}
	if !rs.rolloutLastTransit.IsZero() {
		ov.LastTransit = epochSeconds(rs.rolloutLastTransit)
	}
	return rv, ov
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// EpochSeconds converts a wall-clock time to the float seconds used on the
// wire.
func EpochSeconds(t time.Time) float64 { return epochSeconds(t) }
