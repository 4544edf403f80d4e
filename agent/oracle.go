package agent

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"gradwatch/models"
)

// Oracle is the opaque diagnosing agent: given a context document and a
// question it returns raw reply text in the DIAGNOSIS/ACTION/CODE_CHANGES
// format. The optional alert carries the trigger. Implementations may
// block; they are always called with a context.
type Oracle interface {
	Respond(ctx context.Context, contextText, question string, alert *models.Alert) (string, error)
}

// breakerOracle wraps an oracle in a circuit breaker so a flapping model
// endpoint fails fast instead of stalling every alert on a dead call.
type breakerOracle struct {
	inner   Oracle
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker guards an oracle with a circuit breaker: after three
// consecutive failures the circuit opens for thirty seconds and calls
// fail immediately, which the engine turns into fallback explain plans.
func WithBreaker(inner Oracle) Oracle {
	settings := gobreaker.Settings{
		Name:    "oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &breakerOracle{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerOracle) Respond(ctx context.Context, contextText, question string, alert *models.Alert) (string, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Respond(ctx, contextText, question, alert)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
