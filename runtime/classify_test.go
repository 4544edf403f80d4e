package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		failure Failure
		class   string
	}{
		{"cuda oom", Failure{Status: "failed", ErrorType: "LOCAL_OOM", Message: "cuda out of memory"}, ClassOOM},
		{"killed", Failure{Status: "failed", Message: "process killed by signal"}, ClassOOM},
		{"lease", Failure{Status: "timeout", ErrorType: "ROLLOUT_LEASE_EXPIRED"}, ClassTimeout},
		{"deadline", Failure{Status: "error", Message: "context deadline exceeded"}, ClassTimeout},
		{"sandbox gone", Failure{Status: "terminated", Message: "sandbox deleted"}, ClassTerminated},
		{"quota", Failure{Status: "error", Message: "insufficient quota for request"}, ClassQuota},
		{"auth", Failure{Status: "error", Message: "401 unauthorized"}, ClassAuth},
		{"api", Failure{Status: "error", Message: "http 502 bad gateway"}, ClassAPI},
		{"rate limit", Failure{Status: "error", Message: "rate limit hit (429)"}, ClassAPI},
		{"mystery", Failure{Status: "failed", Message: "segfault"}, ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.class, Classify(tc.failure))
		})
	}
}

func TestClassifyOrderOOMBeforeTimeout(t *testing.T) {
	// A message matching several classes takes the first in priority
	// order: oom wins over timeout.
	failure := Failure{Status: "failed", Message: "out of memory after timeout"}
	assert.Equal(t, ClassOOM, Classify(failure))
}

func TestTailOverlap(t *testing.T) {
	cases := []struct {
		name    string
		prev    []string
		curr    []string
		overlap int
	}{
		{"empty prev", nil, []string{"a", "b"}, 0},
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 2},
		{"window slid one", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 2},
		{"no overlap", []string{"a", "b"}, []string{"x", "y"}, 0},
		{"partial suffix", []string{"a", "b", "c"}, []string{"c", "d", "e"}, 1},
		{"curr shorter", []string{"a", "b", "c"}, []string{"c"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.overlap, tailOverlap(tc.prev, tc.curr))
		})
	}
}
