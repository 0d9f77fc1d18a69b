package common

import "github.com/pkg/errors"

var (
	// ErrAllModelsExhausted means local selection timed out on every model in
	// escalation order without finding capacity.
	ErrAllModelsExhausted = errors.New("all models exhausted: no capacity available within maxWaitMS")

	// ErrAllModelsRejectedByBackend means the coordinator refused the acquire
	// on every model in escalation order.
	ErrAllModelsRejectedByBackend = errors.New("all models rejected by backend")

	// ErrUnknownModel is returned for operations naming an undeclared model.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownJobType is returned for operations naming an undeclared job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNoOutcome means a job function returned without producing a valid
	// Outcome (neither resolved nor rejected).
	ErrNoOutcome = errors.New("job returned no outcome")

	// ErrLimiterStopped is returned by QueueJob after Stop.
	ErrLimiterStopped = errors.New("rate limiter is stopped")
)
