// Package coord is the fleet-coordination seam. The admission core only ever
// talks to the Coordinator interface; the in-memory implementation here serves
// single-binary fleets and tests, and a networked store (anything with atomic
// counters and publish/subscribe) can be dropped in behind the same interface.
package coord

import (
	"context"
	"time"
)

// ModelAllocation is one model's share for one instance. TotalSlots is the
// pool this instance may schedule; the optional limits override the model's
// declared ceilings to reflect fleet state.
type ModelAllocation struct {
	TotalSlots            int64  `json:"totalSlots"`
	TokensPerMinute       *int64 `json:"tokensPerMinute,omitempty"`
	TokensPerDay          *int64 `json:"tokensPerDay,omitempty"`
	RequestsPerMinute     *int64 `json:"requestsPerMinute,omitempty"`
	RequestsPerDay        *int64 `json:"requestsPerDay,omitempty"`
	MaxConcurrentRequests *int64 `json:"maxConcurrentRequests,omitempty"`
}

// Allocation is the per-instance snapshot the coordinator publishes.
type Allocation struct {
	InstanceCount int                        `json:"instanceCount"`
	PerModel      map[string]ModelAllocation `json:"perModel"`

	// DynamicLimits marks the per-model limits as live fleet state rather
	// than a plain declared-ceiling split; the applier must not skip them
	// even when the instance count is unchanged.
	DynamicLimits bool `json:"dynamicLimits,omitempty"`
}

// DeclaredCapacity is what one instance registers for one model.
type DeclaredCapacity struct {
	TotalSlots            int64  `json:"totalSlots"`
	TokensPerMinute       *int64 `json:"tokensPerMinute,omitempty"`
	TokensPerDay          *int64 `json:"tokensPerDay,omitempty"`
	RequestsPerMinute     *int64 `json:"requestsPerMinute,omitempty"`
	RequestsPerDay        *int64 `json:"requestsPerDay,omitempty"`
	MaxConcurrentRequests *int64 `json:"maxConcurrentRequests,omitempty"`
}

// WindowStarts carries the reservation's window boundaries through Release so
// the coordinator can attribute usage to the right windows. Zero values mean
// the corresponding counter does not exist on that model.
type WindowStarts struct {
	RPM time.Time `json:"rpm,omitempty"`
	RPD time.Time `json:"rpd,omitempty"`
	TPM time.Time `json:"tpm,omitempty"`
	TPD time.Time `json:"tpd,omitempty"`
}

// AcquireRequest asks the coordinator for distributed admission of one event.
type AcquireRequest struct {
	InstanceID        string `json:"instanceId"`
	ModelID           string `json:"modelId"`
	JobID             string `json:"jobId"`
	JobType           string `json:"jobType"`
	EstimatedTokens   int64  `json:"estimatedTokens"`
	EstimatedRequests int64  `json:"estimatedRequests"`
}

// ReleaseRequest reports one event's actual consumption back to the fleet.
type ReleaseRequest struct {
	InstanceID        string       `json:"instanceId"`
	ModelID           string       `json:"modelId"`
	JobID             string       `json:"jobId"`
	JobType           string       `json:"jobType"`
	EstimatedTokens   int64        `json:"estimatedTokens"`
	EstimatedRequests int64        `json:"estimatedRequests"`
	ActualTokens      int64        `json:"actualTokens"`
	ActualRequests    int64        `json:"actualRequests"`
	WindowStarts      WindowStarts `json:"windowStarts"`
}

// AllocationHandler receives allocation pushes. modelID is "*" for a global
// (all models) change.
type AllocationHandler func(alloc Allocation, modelID string)

// Coordinator is the fleet coordination backend as seen by the core.
type Coordinator interface {
	// Register announces this instance and its declared capacity. The returned
	// allocation may be nil, meaning "no distributed allocation, run local".
	Register(ctx context.Context, instanceID string, declared map[string]DeclaredCapacity) (*Allocation, error)

	// SubscribeAllocation attaches a handler to future allocation pushes for
	// the given instance and returns a detach func.
	SubscribeAllocation(instanceID string, handler AllocationHandler) (unsubscribe func())

	// Acquire performs the optional distributed admission check. False forces
	// delegation to the next model. Errors propagate as admission failure.
	Acquire(ctx context.Context, req AcquireRequest) (bool, error)

	// Release pushes actual usage. Best effort: callers swallow errors.
	Release(ctx context.Context, req ReleaseRequest) error

	// Heartbeat keeps this instance alive; the coordinator expires instances
	// whose heartbeat is older than its TTL.
	Heartbeat(ctx context.Context, instanceID string) error

	// Unregister removes this instance and triggers reallocation.
	Unregister(ctx context.Context, instanceID string) error
}
