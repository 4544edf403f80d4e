package runtime

import "strings"

// Failure classes, ordered by classification priority.
const (
	ClassOOM        = "oom"
	ClassTimeout    = "timeout"
	ClassTerminated = "terminated"
	ClassQuota      = "quota"
	ClassAuth       = "auth"
	ClassAPI        = "api"
	ClassUnknown    = "unknown"
)

type classPatterns struct {
	class    string
	patterns []string
}

// classifiers are checked in order; the first match wins. Patterns are
// matched case-insensitively against status + error type + message.
var classifiers = []classPatterns{
	{ClassOOM, []string{"oom", "out of memory", "cuda out of memory", "memoryerror", "killed"}},
	{ClassTimeout, []string{"timeout", "timed out", "deadline exceeded", "heartbeat stale"}},
	{ClassTerminated, []string{"terminated", "stopped", "not running", "not found", "deleted", "gone"}},
	{ClassQuota, []string{"insufficient balance", "insufficient quota", "insufficient_funds", "quota"}},
	{ClassAuth, []string{"unauthorized", "forbidden", "invalid api key", "authentication", "401", "403"}},
	{ClassAPI, []string{"apierror", "http", "rate limit", "429", "gateway", "dns", "connection"}},
}

// Classify maps a structured failure to its failure class.
func Classify(failure Failure) string {
	haystack := strings.ToLower(failure.Status + " " + failure.ErrorType + " " + failure.Message)
	for _, c := range classifiers {
		for _, pattern := range c.patterns {
			if strings.Contains(haystack, pattern) {
				return c.class
			}
		}
	}
	return ClassUnknown
}
