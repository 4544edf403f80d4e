package agent

import (
	"fmt"
	"os"
	"strings"

	"gradwatch/models"
)

// systemPrompt frames the oracle's role and the DIAGNOSIS/ACTION/
// CODE_CHANGES reply format the plan parser expects.
const systemPrompt = `You are an ML training assistant for gradwatch.
Role: Diagnose issues and suggest safe code fixes when metrics plateau/degrade.

Operating policy:
1. Prefer small, reversible refactors over large rewrites.
2. Use logs + metric trend direction, not a single noisy point.
3. If recent refactors are not improving the target metric, stop proposing further code edits.
   In that case, set ACTION: explain and provide concrete checks (data, LR schedule, optimizer state,
   grad clipping, batch size, seed, and hardware/resource bottlenecks).
4. Never invent files or paths. Only modify the provided training script unless explicitly asked.
5. For refactors, produce a syntactically valid unified diff that can be applied directly.
   Do not wrap the diff in markdown fences.

Response format:
DIAGNOSIS: <analysis of the problem>
ACTION: <explain|refactor>
CODE_CHANGES: <if refactor, provide unified diff starting with --- and +++ for one file>`

// editorQueryTemplate asks the oracle for a raw diff when a refactor
// verdict arrived without one.
const editorQueryTemplate = `You are editing the training script for gradwatch.
Provide ONLY a strict unified diff (---/+++ headers) for the requested fix.
If no code change is required, return an empty string.
Rules:
- Output raw diff text only (no markdown fences, no commentary).
- Target exactly one file: the training script path below.
- Keep hunks minimal and preserve surrounding context lines.

Alert:
%s

Diagnosis:
%s

Training script path:
%s`

const (
	contextMetricTail = 20
	contextLogTail    = 50
	contextFileLimit  = 120
)

func alertBlock(alert *models.Alert) string {
	if alert == nil {
		return "No active alert."
	}
	return fmt.Sprintf("metric=%s\nthreshold=%g\ncurrent=%g\nmessage=%s",
		alert.Metric, alert.Threshold, alert.Current, alert.Message)
}

// buildContext assembles the oracle's working context: alert, metric
// tails, log tail, training script text, and the codebase listing.
func buildContext(state *models.RunState, index *CodebaseIndex, alert *models.Alert) string {
	if alert == nil {
		alert = state.LatestAlert()
	}

	var metricsBlock []string
	for _, name := range state.MetricNames() {
		tail := state.MetricTail(name, contextMetricTail)
		metricsBlock = append(metricsBlock, fmt.Sprintf("%s: %v", name, tail))
	}
	metricsText := "No metrics yet."
	if len(metricsBlock) > 0 {
		metricsText = strings.Join(metricsBlock, "\n")
	}

	logsText := state.LogTail(contextLogTail)
	if logsText == "" {
		logsText = "No logs yet."
	}

	trainingText := "<unable to read training file>"
	if content, err := os.ReadFile(state.TrainingFile()); err == nil {
		trainingText = string(content)
	}

	return fmt.Sprintf("%s\n\nALERT:\n%s\n\nRECENT_METRICS:\n%s\n\nLOG_TAIL:\n%s\n\nTRAINING_SCRIPT (%s):\n%s\n\nCODEBASE_FILES:\n%s\n",
		systemPrompt,
		alertBlock(alert),
		metricsText,
		logsText,
		state.TrainingFile(),
		trainingText,
		index.FileListing(contextFileLimit),
	)
}

func editorQuery(state *models.RunState, diagnosis string, alert *models.Alert) string {
	return fmt.Sprintf(editorQueryTemplate, alertBlock(alert), diagnosis, state.TrainingFile())
}

func editorContext(state *models.RunState, index *CodebaseIndex) string {
	trainingText := "<unable to read training file>"
	if content, err := os.ReadFile(state.TrainingFile()); err == nil {
		trainingText = string(content)
	}
	return fmt.Sprintf("TRAINING_SCRIPT:\n%s\n\nCODEBASE:\n%s", trainingText, index.BuildContext())
}
