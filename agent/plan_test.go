package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gradwatch/models"
)

func TestParsePlanRefactor(t *testing.T) {
	raw := "DIAGNOSIS: learning rate too high\nACTION: refactor\nCODE_CHANGES: --- a/train.py\n+++ b/train.py\n@@ -1,1 +1,1 @@\n-LR = 0.008\n+LR = 0.001"
	plan := ParsePlan(raw)
	assert.Equal(t, "learning rate too high", plan.Diagnosis)
	assert.Equal(t, models.ActionRefactor, plan.Action)
	assert.Contains(t, plan.CodeChanges, "LR = 0.001")
	assert.Equal(t, raw, plan.RawOutput)
}

func TestParsePlanExplainClearsCodeChanges(t *testing.T) {
	raw := "DIAGNOSIS: noisy batch\nACTION: explain\nCODE_CHANGES: --- something"
	plan := ParsePlan(raw)
	assert.Equal(t, models.ActionExplain, plan.Action)
	assert.Empty(t, plan.CodeChanges)
}

func TestParsePlanWithoutSections(t *testing.T) {
	plan := ParsePlan("  the model looks fine  ")
	assert.Equal(t, models.ActionExplain, plan.Action)
	assert.Equal(t, "the model looks fine", plan.Diagnosis)
}

func TestParsePlanActionVariants(t *testing.T) {
	plan := ParsePlan("DIAGNOSIS: x\nACTION: I would Refactor this\nCODE_CHANGES: --- a")
	// Any mention of refactor in the action section counts.
	assert.Equal(t, models.ActionRefactor, plan.Action)
}

func TestSummarizeDiffChanges(t *testing.T) {
	diff := "--- a/train.py\n+++ b/train.py\n@@ -1,2 +1,2 @@\n-LR = 0.008\n+LR = 0.001\n-WARMUP = 10\n+WARMUP = 20\n"
	summary := SummarizeDiffChanges(diff)
	assert.Contains(t, summary, "LR: 0.008 -> 0.001")
	assert.Contains(t, summary, "WARMUP: 10 -> 20")
}

func TestSummarizeDiffChangesAddAndRemove(t *testing.T) {
	diff := "@@ -1,1 +1,1 @@\n-OLD_FLAG = 1\n+NEW_FLAG = 2\n"
	summary := SummarizeDiffChanges(diff)
	assert.Contains(t, summary, "NEW_FLAG: set to 2")
	assert.Contains(t, summary, "OLD_FLAG: removed")
}

func TestSummarizeDiffChangesEmpty(t *testing.T) {
	assert.Empty(t, SummarizeDiffChanges("@@ -1,1 +1,1 @@\n-print(1)\n+print(2)\n"))
	assert.Empty(t, SummarizeDiffChanges(""))
}
