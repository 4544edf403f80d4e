package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"gradwatch/models"
	"gradwatch/patch"
)

// GuardedExecutor applies refactor plans behind a checkpoint guard:
// snapshot first, apply, restart, and roll back to the snapshot on any
// failure.
type GuardedExecutor struct {
	checkpoints *patch.Store
	restart     func(ctx context.Context) error
	auto        atomic.Bool
}

// NewGuardedExecutor wires the executor. restart is invoked after a
// successful apply; nil disables restarting.
func NewGuardedExecutor(checkpoints *patch.Store, autoMode bool, restart func(ctx context.Context) error) *GuardedExecutor {
	executor := &GuardedExecutor{checkpoints: checkpoints, restart: restart}
	executor.auto.Store(autoMode)
	return executor
}

// AutoMode reports whether refactor plans are applied without approval.
func (x *GuardedExecutor) AutoMode() bool { return x.auto.Load() }

// SetAutoMode flips the auto-apply switch.
func (x *GuardedExecutor) SetAutoMode(enabled bool) { x.auto.Store(enabled) }

// Execute runs a plan under the guard. The snapshot is always taken
// first, so even a rejected refactor leaves a checkpoint trail.
func (x *GuardedExecutor) Execute(ctx context.Context, plan models.Plan, state *models.RunState) models.ExecutionResult {
	checkpointID, err := x.checkpoints.Snapshot(state)
	if err != nil {
		return models.ExecutionResult{Success: false, Err: fmt.Sprintf("snapshot failed: %s", err)}
	}
	if !plan.IsRefactor() {
		return models.ExecutionResult{Success: true, CheckpointID: checkpointID}
	}
	if !x.auto.Load() {
		return models.ExecutionResult{Success: false, CheckpointID: checkpointID, Err: "Auto mode disabled."}
	}
	if plan.CodeChanges == "" {
		return models.ExecutionResult{Success: false, CheckpointID: checkpointID, Err: "No code changes provided."}
	}
	return x.applyAndRestart(ctx, plan, state, checkpointID)
}

// Apply runs a refactor plan regardless of auto mode; the approval came
// from the operator (the apply_refactor request).
func (x *GuardedExecutor) Apply(ctx context.Context, plan models.Plan, state *models.RunState) models.ExecutionResult {
	if !plan.IsRefactor() || plan.CodeChanges == "" {
		return models.ExecutionResult{Success: false, Err: "No refactor to apply."}
	}
	checkpointID, err := x.checkpoints.Snapshot(state)
	if err != nil {
		return models.ExecutionResult{Success: false, Err: fmt.Sprintf("snapshot failed: %s", err)}
	}
	return x.applyAndRestart(ctx, plan, state, checkpointID)
}

func (x *GuardedExecutor) applyAndRestart(ctx context.Context, plan models.Plan, state *models.RunState, checkpointID string) models.ExecutionResult {
	targetPath := state.TrainingFile()
	if err := patch.Apply(targetPath, plan.CodeChanges); err != nil {
		x.checkpoints.Restore(checkpointID, targetPath)
		return models.ExecutionResult{Success: false, CheckpointID: checkpointID, Err: err.Error()}
	}
	if x.restart != nil {
		if err := x.restart(ctx); err != nil {
			x.checkpoints.Restore(checkpointID, targetPath)
			return models.ExecutionResult{Success: false, CheckpointID: checkpointID, Err: err.Error()}
		}
	}
	return models.ExecutionResult{Success: true, CheckpointID: checkpointID}
}
