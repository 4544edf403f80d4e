package runtime

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// OOMPolicy is the deterministic resource back-off applied before a
// recovery restart classified as out-of-memory: halve the batch size,
// double gradient accumulation, shrink the sequence length.
type OOMPolicy struct {
	Enabled bool

	// Ordered candidate env keys per knob. For each list the first key
	// already overridden or present in the process environment is
	// mutated; if none, the first key of the list is seeded, except for
	// SeqKeys, which are skipped when none of them is set.
	BatchKeys []string
	AccumKeys []string
	SeqKeys   []string

	MinBatchSize     int
	DefaultBatchSize int
	MaxGradAccum     int
	MinSeqLen        int
}

// DefaultOOMPolicy mirrors the knobs of the common training stacks.
func DefaultOOMPolicy() OOMPolicy {
	return OOMPolicy{
		Enabled:          true,
		BatchKeys:        []string{"BATCH_SIZE", "PER_DEVICE_TRAIN_BATCH_SIZE", "TRAIN_BATCH_SIZE"},
		AccumKeys:        []string{"GRAD_ACCUM_STEPS", "GRADIENT_ACCUMULATION_STEPS"},
		SeqKeys:          []string{"MAX_SEQ_LEN", "BLOCK_SIZE", "SEQ_LEN"},
		MinBatchSize:     1,
		DefaultBatchSize: 32,
		MaxGradAccum:     64,
		MinSeqLen:        128,
	}
}

// selectKey picks the env key to mutate: the first already overridden or
// present in the environment, else the head of the list.
func selectKey(keys []string, overrides map[string]string) (string, string, bool) {
	for _, key := range keys {
		if value, ok := overrides[key]; ok {
			return key, value, true
		}
		if value, ok := os.LookupEnv(key); ok {
			return key, value, true
		}
	}
	if len(keys) == 0 {
		return "", "", false
	}
	return keys[0], "", false
}

func parseIntValue(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return int(f)
	}
	return fallback
}

// Apply mutates the override map in place and returns the changed keys as
// "KEY: before -> after" strings. An empty result means no knob moved.
func (p OOMPolicy) Apply(overrides map[string]string) []string {
	if !p.Enabled {
		return nil
	}
	var changes []string

	// Batch size: halve, floored; a batch of 1 cannot shrink further.
	if key, raw, _ := selectKey(p.BatchKeys, overrides); key != "" {
		current := parseIntValue(raw, p.DefaultBatchSize)
		next := current / 2
		if next < p.MinBatchSize {
			next = p.MinBatchSize
		}
		if current <= 1 {
			next = 1
		}
		if next != current || raw == "" {
			overrides[key] = strconv.Itoa(next)
			if next != current {
				changes = append(changes, fmt.Sprintf("%s: %d -> %d", key, current, next))
			}
		}
	}

	// Gradient accumulation: double, capped.
	if key, raw, _ := selectKey(p.AccumKeys, overrides); key != "" {
		current := parseIntValue(raw, 1)
		if current < 1 {
			current = 1
		}
		next := current * 2
		if next > p.MaxGradAccum {
			next = p.MaxGradAccum
		}
		if next != current {
			overrides[key] = strconv.Itoa(next)
			changes = append(changes, fmt.Sprintf("%s: %d -> %d", key, current, next))
		}
	}

	// Sequence length: shrink by a fifth, truncated, floored. Skipped
	// entirely when the current value is not positive.
	if key, raw, found := selectKey(p.SeqKeys, overrides); key != "" && found {
		current := parseIntValue(raw, 0)
		if current > 0 {
			next := int(float64(current) * 0.8)
			if next < p.MinSeqLen {
				next = p.MinSeqLen
			}
			if next != current {
				overrides[key] = strconv.Itoa(next)
				changes = append(changes, fmt.Sprintf("%s: %d -> %d", key, current, next))
			}
		}
	}

	sort.Strings(changes)
	return changes
}
