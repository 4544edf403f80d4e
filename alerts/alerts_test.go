package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradwatch/models"
)

func pushSamples(state *models.RunState, metric string, values ...float64) {
	for _, value := range values {
		state.AddMetric(metric, value, nil)
	}
}

func TestThresholdComparisons(t *testing.T) {
	cases := []struct {
		comparison Comparison
		value      float64
		fires      bool
	}{
		{CmpGT, 2.5, true},
		{CmpGT, 2.0, false}, // gt does not fire on equality
		{CmpGTE, 2.0, true}, // gte does
		{CmpGTE, 1.9, false},
		{CmpLT, 1.9, true},
		{CmpLT, 2.0, false},
		{CmpLTE, 2.0, true},
		{CmpLTE, 2.1, false},
	}
	for _, tc := range cases {
		rule := Rule{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: tc.comparison}
		assert.Equal(t, tc.fires, rule.Evaluate([]float64{tc.value}),
			"comparison %s value %g", tc.comparison, tc.value)
	}
}

func TestThresholdEmptySeries(t *testing.T) {
	rule := Rule{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: CmpGT}
	assert.False(t, rule.Evaluate(nil))
}

func TestStallNeverFiresBeforeWindow(t *testing.T) {
	rule := Rule{Kind: KindStall, Metric: "loss", Window: 5, MinDelta: 0.1, Direction: DirDecrease}
	values := []float64{2.5, 2.49, 2.48, 2.47}
	for i := 1; i <= len(values); i++ {
		assert.False(t, rule.Evaluate(values[:i]))
	}
}

func TestStallDetectsPlateau(t *testing.T) {
	rule := Rule{Kind: KindStall, Metric: "loss", Window: 5, MinDelta: 0.1, Direction: DirDecrease}
	// start=2.5, end=2.46: delta 0.04 < 0.1 in the decrease direction.
	assert.True(t, rule.Evaluate([]float64{2.5, 2.49, 2.48, 2.47, 2.46}))
	// A healthy drop does not fire.
	assert.False(t, rule.Evaluate([]float64{2.5, 2.4, 2.3, 2.2, 2.1}))
}

func TestStallIncreaseDirection(t *testing.T) {
	rule := Rule{Kind: KindStall, Metric: "acc", Window: 3, MinDelta: 0.05, Direction: DirIncrease}
	assert.True(t, rule.Evaluate([]float64{0.70, 0.71, 0.72}))
	assert.False(t, rule.Evaluate([]float64{0.70, 0.75, 0.80}))
}

func TestDetectorCooldown(t *testing.T) {
	state := models.NewRunState("train.py", ".")
	now := time.Unix(1700000000, 0)
	detector := NewDetector([]Rule{
		{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: CmpGT, CooldownSecs: 60},
	}, func() time.Time { return now })

	pushSamples(state, "loss", 2.5)
	alert := detector.Check(state, "loss")
	require.NotNil(t, alert)
	assert.Equal(t, "loss", alert.Metric)
	assert.Equal(t, 2.5, alert.Current)

	// Within the cooldown nothing fires, even though evaluate is true.
	now = now.Add(30 * time.Second)
	pushSamples(state, "loss", 2.7)
	assert.Nil(t, detector.Check(state, "loss"))

	// After the cooldown a fresh alert fires with the latest value.
	now = now.Add(31 * time.Second)
	pushSamples(state, "loss", 3.0)
	alert = detector.Check(state, "loss")
	require.NotNil(t, alert)
	assert.Equal(t, 3.0, alert.Current)
}

func TestDetectorSharedCooldownAcrossRules(t *testing.T) {
	state := models.NewRunState("train.py", ".")
	now := time.Unix(1700000000, 0)
	detector := NewDetector([]Rule{
		{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: CmpGT, CooldownSecs: 60},
		{Kind: KindThreshold, Metric: "loss", Threshold: 1.0, Comparison: CmpGT, CooldownSecs: 60},
	}, func() time.Time { return now })

	pushSamples(state, "loss", 2.5)
	require.NotNil(t, detector.Check(state, "loss"))
	// The second rule shares the metric's cooldown slot.
	assert.Nil(t, detector.Check(state, "loss"))
}

func TestDetectorFirstEligibleWins(t *testing.T) {
	state := models.NewRunState("train.py", ".")
	detector := NewDetector([]Rule{
		{Kind: KindThreshold, Metric: "loss", Threshold: 5.0, Comparison: CmpGT, CooldownSecs: 60, Message: "first"},
		{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: CmpGT, CooldownSecs: 60, Message: "second"},
	}, nil)

	pushSamples(state, "loss", 3.0)
	alert := detector.Check(state, "loss")
	require.NotNil(t, alert)
	assert.Equal(t, "second", alert.Message)
}

func TestDetectorMetricFilter(t *testing.T) {
	state := models.NewRunState("train.py", ".")
	detector := NewDetector([]Rule{
		{Kind: KindThreshold, Metric: "loss", Threshold: 2.0, Comparison: CmpGT, CooldownSecs: 60},
	}, nil)

	pushSamples(state, "loss", 9.0)
	assert.Nil(t, detector.Check(state, "accuracy"))
	assert.NotNil(t, detector.Check(state, "loss"))
}

func TestParseRules(t *testing.T) {
	rules := ParseRules([]byte(`[
		{"type": "threshold", "metric": "loss", "threshold": 2.0, "comparison": "gte", "cooldown_secs": 30},
		{"type": "stall", "metric": "loss", "window": 5, "min_delta": 0.1, "direction": "increase"},
		{"type": "threshold"},
		"not an object",
		{"type": "threshold", "metric": "acc"}
	]`))
	require.Len(t, rules, 3)

	assert.Equal(t, KindThreshold, rules[0].Kind)
	assert.Equal(t, CmpGTE, rules[0].Comparison)
	assert.Equal(t, 30.0, rules[0].CooldownSecs)

	assert.Equal(t, KindStall, rules[1].Kind)
	assert.Equal(t, 5, rules[1].Window)
	assert.Equal(t, DirIncrease, rules[1].Direction)

	// Omitted fields take defaults.
	assert.Equal(t, CmpGT, rules[2].Comparison)
	assert.Equal(t, 60.0, rules[2].CooldownSecs)
}

func TestParseRulesMalformed(t *testing.T) {
	assert.Nil(t, ParseRules([]byte("not json")))
	assert.Nil(t, ParseRules([]byte(`{"metric": "loss"}`)))
	assert.Nil(t, ParseRules([]byte(`[]`)))
}

func TestLoadRulesFromEnv(t *testing.T) {
	t.Setenv(RulesEnvVar, `[{"type": "threshold", "metric": "loss", "threshold": 1.5}]`)
	rules := LoadRulesFromEnv("")
	require.Len(t, rules, 1)
	assert.Equal(t, "loss", rules[0].Metric)

	t.Setenv(RulesEnvVar, "")
	assert.Nil(t, LoadRulesFromEnv(""))
}
