package coordinator

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/router"
)

// RetryPolicy bounds how often the pipeline re-dispatches failed targets.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	return b
}

// retryable reports whether another attempt could change a failed outcome.
// Unknown and quarantined targets stay that way until an operator acts.
func retryable(out TargetOutcome) bool {
	switch out.Code {
	case router.CodeNotFound, router.CodeQuarantined:
		return false
	}
	return true
}

// failureCategory derives the dead-letter category from the final outcomes.
func failureCategory(outcomes map[string]TargetOutcome, attempts, maxAttempts int) persistence.FailureCategory {
	var failed, timeouts int
	for _, out := range outcomes {
		if out.Status == StatusSuccess || out.Status == StatusSkipped {
			continue
		}
		failed++
		if out.Code == router.CodeQuarantined {
			return persistence.CategoryPolicyViolation
		}
		if strings.HasPrefix(out.Error, "TimeoutError") {
			timeouts++
		}
	}
	switch {
	case failed > 0 && timeouts == failed:
		return persistence.CategoryTimeout
	case attempts >= maxAttempts && maxAttempts > 1:
		return persistence.CategoryRetryExhausted
	default:
		return persistence.CategoryDownstreamFailure
	}
}
