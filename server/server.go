// Package server is the ingestion side of the daemon: a local-socket
// endpoint speaking newline-delimited JSON. Each connection is persistent
// and strictly request/reply-serial; across connections there is no
// ordering guarantee.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"gradwatch/agent"
	"gradwatch/alerts"
	"gradwatch/models"
	"gradwatch/runtime"
)

// Controller is what the ingestion handlers need from the supervisor.
type Controller interface {
	Start(ctx context.Context, fresh bool) error
	SetKind(kind models.RuntimeKind)
	Kind() models.RuntimeKind
}

// Server accepts connections on a unix socket and dispatches requests to
// the run state, the rule engine, the agent, and the supervisor.
type Server struct {
	socketPath string
	state      *models.RunState
	engine     *agent.Engine
	detector   *alerts.Detector
	controller Controller
	logger     *zap.SugaredLogger

	// notify, when set, is poked after any state-changing request so the
	// telemetry endpoint can push a fresh snapshot.
	notify func()

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New wires the ingestion server. controller may be nil when no runtime
// control is available (handlers then answer with the *_unavailable
// errors).
func New(socketPath string, state *models.RunState, engine *agent.Engine, detector *alerts.Detector, controller Controller, logger *zap.SugaredLogger) *Server {
	return &Server{
		socketPath: socketPath,
		state:      state,
		engine:     engine,
		detector:   detector,
		controller: controller,
		logger:     logger,
		conns:      map[net.Conn]struct{}{},
	}
}

// SetNotify attaches the telemetry change hook.
func (s *Server) SetNotify(notify func()) { s.notify = notify }

func (s *Server) poke() {
	if s.notify != nil {
		s.notify()
	}
}

// PrepareSocketPath unlinks a stale socket or regular file at path and
// fails fast on any other file type.
func PrepareSocketPath(path string) error {
	info, err := os.Lstat(path)
	if err == nil {
		mode := info.Mode()
		if mode&os.ModeSocket != 0 || mode.IsRegular() {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove stale socket: %w", err)
			}
		} else {
			return fmt.Errorf("socket path exists and is not a socket or file: %s", path)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat socket path: %w", err)
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// DefaultSocketPath is <tmpdir>/gradwatch-supervisor.sock.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "gradwatch-supervisor.sock")
}

// Serve listens on the socket until ctx is cancelled. On shutdown it
// stops accepting, then closes the open connections.
func (s *Server) Serve(ctx context.Context) error {
	if err := PrepareSocketPath(s.socketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Infow("ingestion server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warnw("accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

// handleConn serves one persistent connection: read a line, handle one
// request, write one reply. Invalid JSON keeps the connection; a dropped
// peer tears down only this connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var payload map[string]any
		var response map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			response = errResponse("invalid_json")
		} else {
			response = s.dispatch(ctx, payload)
		}

		encoded, err := json.Marshal(response)
		if err != nil {
			s.logger.Errorw("encode response failed", "error", err)
			encoded = []byte(`{"ok":false,"error":"internal_error"}`)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func errResponse(code string) map[string]any {
	return map[string]any{"ok": false, "error": code}
}

// dispatch routes one request to its handler, converting panics into
// internal_error so one bad request cannot take the daemon down.
func (s *Server) dispatch(ctx context.Context, payload map[string]any) (response map[string]any) {
	msgType, _ := payload["type"].(string)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("handler panicked", "type", msgType, "panic", r)
			response = errResponse("internal_error")
		}
	}()

	switch msgType {
	case "ping":
		return map[string]any{"ok": true, "type": "pong"}
	case "get_chat_history":
		return map[string]any{"ok": true, "chat_history": s.engine.ChatHistory()}
	case "get_run_state":
		return s.handleGetRunState(payload)
	case "chat_message":
		return s.handleChatMessage(ctx, payload)
	case "metrics_update":
		return s.handleMetricsUpdate(ctx, payload)
	case "log_append":
		return s.handleLogAppend(payload)
	case "set_training_file":
		return s.handleSetTrainingFile(payload)
	case "set_auto_mode":
		return s.handleSetAutoMode(payload)
	case "set_runtime":
		return s.handleSetRuntime(payload)
	case "start_training":
		return s.handleStartTraining(ctx)
	case "apply_refactor":
		return s.handleApplyRefactor(ctx, payload)
	}
	return errResponse("unknown_type")
}

func intArg(payload map[string]any, key string, fallback int) int {
	switch value := payload[key].(type) {
	case float64:
		return int(value)
	case string:
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (s *Server) handleGetRunState(payload map[string]any) map[string]any {
	logTail := intArg(payload, "log_tail", 200)
	metricTail := intArg(payload, "metric_tail", 1)

	metricsPayload := map[string][]float64{}
	for _, name := range s.state.MetricNames() {
		tail := s.state.MetricTail(name, metricTail)
		if len(tail) == 0 {
			continue
		}
		metricsPayload[name] = tail
	}

	runtimeView, rolloutView := s.state.Views()
	runState := map[string]any{
		"training_file": s.state.TrainingFile(),
		"codebase_root": s.state.CodebaseRoot(),
		"metrics":       metricsPayload,
		"logs":          s.state.LogLines(logTail),
		"alerts":        s.state.Alerts(),
		"current_step":  s.state.CurrentStep(),
		"is_active":     s.state.IsActive(),
		"auto_mode":     s.engine.Executor().AutoMode(),
	}
	mergeView(runState, runtimeView)
	mergeView(runState, rolloutView)
	return map[string]any{"ok": true, "run_state": runState}
}

// mergeView flattens a view struct's JSON fields into the run_state map.
func mergeView(into map[string]any, view any) {
	encoded, err := json.Marshal(view)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return
	}
	for key, value := range fields {
		into[key] = value
	}
}

func (s *Server) handleChatMessage(ctx context.Context, payload map[string]any) map[string]any {
	content, _ := payload["content"].(string)
	if content == "" {
		return errResponse("missing_content")
	}
	response := s.engine.HandleChatMessage(ctx, content)
	s.poke()
	return map[string]any{
		"ok":           true,
		"response":     response.Plan,
		"chat_history": s.engine.ChatHistory(),
	}
}

func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (s *Server) handleMetricsUpdate(ctx context.Context, payload map[string]any) map[string]any {
	metricAny, hasMetric := payload["metric"]
	valueAny, hasValue := payload["value"]
	if !hasMetric || !hasValue {
		return errResponse("missing_metric_or_value")
	}
	metric, ok := metricAny.(string)
	if !ok || metric == "" {
		return errResponse("missing_metric_or_value")
	}
	value, ok := coerceFloat(valueAny)
	if !ok {
		return errResponse("invalid_value")
	}

	var step *int
	if rawStep, hasStep := payload["step"]; hasStep {
		if n, ok := coerceFloat(rawStep); ok {
			converted := int(n)
			step = &converted
		}
	}

	// The update lands before its alert is evaluated; the agent call
	// completes before the reply is written.
	s.state.AddMetric(metric, value, step)
	response := map[string]any{"ok": true}
	if alert := s.detector.Check(s.state, metric); alert != nil {
		s.state.AddAlert(*alert)
		response["alert"] = *alert
		if agentResponse := s.engine.HandleAlert(ctx, alert); agentResponse != nil {
			response["agent_response"] = agentResponse.Plan
		}
	}
	s.poke()
	return response
}

func (s *Server) handleLogAppend(payload map[string]any) map[string]any {
	line, _ := payload["line"].(string)
	if line == "" {
		return errResponse("missing_line")
	}
	s.state.AppendLog(line)
	s.poke()
	return map[string]any{"ok": true}
}

func (s *Server) handleSetTrainingFile(payload map[string]any) map[string]any {
	path, _ := payload["path"].(string)
	if path == "" {
		return errResponse("missing_path")
	}
	s.state.SetTrainingFile(path)
	return map[string]any{"ok": true}
}

func (s *Server) handleSetAutoMode(payload map[string]any) map[string]any {
	enabled, _ := payload["enabled"].(bool)
	s.engine.Executor().SetAutoMode(enabled)
	s.poke()
	return map[string]any{"ok": true, "auto_mode": enabled}
}

func (s *Server) handleSetRuntime(payload map[string]any) map[string]any {
	if s.controller == nil {
		return errResponse("runtime_control_unavailable")
	}
	kind, _ := payload["runtime"].(string)
	if !models.ValidRuntimeKind(kind) {
		return errResponse("invalid_value")
	}
	s.controller.SetKind(models.RuntimeKind(kind))
	s.poke()
	return map[string]any{"ok": true, "runtime": kind}
}

func (s *Server) handleStartTraining(ctx context.Context) map[string]any {
	if s.controller == nil {
		return errResponse("training_control_unavailable")
	}
	if err := s.controller.Start(ctx, true); err != nil {
		return errResponse(fmt.Sprintf("failed_to_start_training: %s", err))
	}
	s.poke()
	return map[string]any{"ok": true}
}

func (s *Server) handleApplyRefactor(ctx context.Context, payload map[string]any) map[string]any {
	codeChanges, _ := payload["code_changes"].(string)
	if codeChanges == "" {
		return errResponse("missing_code_changes")
	}
	diagnosis, _ := payload["diagnosis"].(string)
	action, _ := payload["action"].(string)
	rawOutput, _ := payload["raw_output"].(string)
	if action == "" {
		action = string(models.ActionRefactor)
	}

	plan := models.Plan{
		Diagnosis:   diagnosis,
		Action:      models.Action(action),
		CodeChanges: codeChanges,
		RawOutput:   rawOutput,
	}
	result := s.engine.ExecutePlan(ctx, plan)
	s.poke()
	response := map[string]any{
		"ok":           true,
		"success":      result.Success,
		"checkpoint_id": result.CheckpointID,
		"chat_history": s.engine.ChatHistory(),
	}
	if result.Err != "" {
		response["error"] = result.Err
	}
	return response
}

// Snapshot renders the run_state payload for the telemetry endpoint,
// identical to a default get_run_state reply.
func (s *Server) Snapshot() any {
	return s.handleGetRunState(map[string]any{})["run_state"]
}

var _ Controller = (*runtime.Supervisor)(nil)
