package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gradwatch/models"
)

// Response pairs the oracle's raw reply with the parsed plan.
type Response struct {
	RawOutput string
	Plan      models.Plan
}

// Engine drives one conversation with the oracle: it builds context,
// parses verdicts, records chat history, and routes refactor plans
// through the guarded executor.
type Engine struct {
	state    *models.RunState
	index    *CodebaseIndex
	oracle   Oracle
	executor *GuardedExecutor
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	chat []models.ChatMessage

	now func() time.Time
}

// NewEngine wires the agent engine. The index is built once at startup;
// the oracle and executor are injected.
func NewEngine(state *models.RunState, index *CodebaseIndex, oracle Oracle, executor *GuardedExecutor, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		state:    state,
		index:    index,
		oracle:   oracle,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

// Executor exposes the guarded executor for the control handlers.
func (e *Engine) Executor() *GuardedExecutor { return e.executor }

func (e *Engine) addChatMessage(sender models.Sender, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chat = append(e.chat, models.ChatMessage{
		Sender:    sender,
		Content:   content,
		Timestamp: models.EpochSeconds(e.now()),
	})
}

// ChatHistory returns a copy of the conversation so far.
func (e *Engine) ChatHistory() []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ChatMessage, len(e.chat))
	copy(out, e.chat)
	return out
}

// HandleChatMessage answers a user question.
func (e *Engine) HandleChatMessage(ctx context.Context, content string) *Response {
	e.addChatMessage(models.SenderUser, content)
	return e.respond(ctx, content, nil)
}

// HandleAlert asks the oracle about a raised alert. A nil alert falls
// back to the latest one; with no alert at all there is nothing to do.
func (e *Engine) HandleAlert(ctx context.Context, alert *models.Alert) *Response {
	if alert == nil {
		alert = e.state.LatestAlert()
	}
	if alert == nil {
		return nil
	}
	question := fmt.Sprintf("Alert triggered: metric=%s, threshold=%g, current=%g, message=%s",
		alert.Metric, alert.Threshold, alert.Current, alert.Message)
	e.addChatMessage(models.SenderSystem, question)
	return e.respond(ctx, question, alert)
}

// respond runs one oracle round trip. Oracle errors never escape: they
// become an explain plan carrying the error as diagnosis.
func (e *Engine) respond(ctx context.Context, question string, alert *models.Alert) *Response {
	contextText := buildContext(e.state, e.index, alert)

	var plan models.Plan
	raw, err := e.oracle.Respond(ctx, contextText, question, alert)
	if err == nil {
		plan = ParsePlan(raw)
		if plan.IsRefactor() && plan.CodeChanges == "" {
			diff, diffErr := e.oracle.Respond(ctx, editorContext(e.state, e.index), editorQuery(e.state, plan.Diagnosis, alert), alert)
			if diffErr != nil {
				e.logger.Warnw("editor query failed", "error", diffErr)
			} else {
				plan.CodeChanges = strings.TrimSpace(diff)
			}
		}
	} else {
		e.logger.Warnw("oracle unavailable", "error", err)
		raw = fmt.Sprintf("[fallback] agent unavailable: %s", err)
		plan = models.Plan{
			Diagnosis:   fmt.Sprintf("Agent unavailable: %T: %s", err, err),
			Action:      models.ActionExplain,
			RawOutput:   raw,
		}
	}

	e.addChatMessage(models.SenderAgent, plan.Diagnosis)
	if plan.IsRefactor() && plan.CodeChanges != "" {
		e.addChatMessage(models.SenderAgent, "Proposed refactor diff:\n"+plan.CodeChanges)
		if summary := SummarizeDiffChanges(plan.CodeChanges); summary != "" {
			e.addChatMessage(models.SenderSystem, summary)
		}
	}

	if plan.IsRefactor() && e.executor.AutoMode() {
		result := e.executor.Execute(ctx, plan, e.state)
		if result.Success {
			e.addChatMessage(models.SenderSystem,
				fmt.Sprintf("Code refactored from checkpoint %s.", result.CheckpointID))
		} else {
			e.addChatMessage(models.SenderSystem,
				fmt.Sprintf("Refactor failed: %s. Rolled back.", result.Err))
		}
	}

	return &Response{RawOutput: raw, Plan: plan}
}

// ExecutePlan applies an operator-approved refactor, bypassing auto
// mode.
func (e *Engine) ExecutePlan(ctx context.Context, plan models.Plan) models.ExecutionResult {
	result := e.executor.Apply(ctx, plan, e.state)
	if result.Success {
		e.addChatMessage(models.SenderSystem,
			fmt.Sprintf("Code refactored from checkpoint %s.", result.CheckpointID))
	} else if result.CheckpointID != "" {
		e.addChatMessage(models.SenderSystem,
			fmt.Sprintf("Refactor failed: %s. Rolled back.", result.Err))
	}
	return result
}
