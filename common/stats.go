package common

import "time"

// ModelStats is the per-model snapshot returned by the facade. Absent
// dimensions (no such ceiling configured) are nil.
type ModelStats struct {
	TokensPerMinute   *CounterStats     `json:"tokensPerMinute,omitempty"`
	TokensPerDay      *CounterStats     `json:"tokensPerDay,omitempty"`
	RequestsPerMinute *CounterStats     `json:"requestsPerMinute,omitempty"`
	RequestsPerDay    *CounterStats     `json:"requestsPerDay,omitempty"`
	Concurrency       *ConcurrencyStats `json:"concurrency,omitempty"`
}

type ConcurrencyStats struct {
	Active    int64 `json:"active"`
	Limit     int64 `json:"limit"`
	Available int64 `json:"available"`
	Waiting   int   `json:"waiting"`
}

type MemoryStats struct {
	UsedKB      int64 `json:"usedKB"`
	LimitKB     int64 `json:"limitKB"`
	AvailableKB int64 `json:"availableKB"`
}

type JobTypeStats struct {
	Ratio          float64 `json:"ratio"`
	InitialRatio   float64 `json:"initialRatio"`
	Flexible       bool    `json:"flexible"`
	AllocatedSlots int64   `json:"allocatedSlots"`
	InFlight       int64   `json:"inFlight"`
}

// Stats is the whole-limiter snapshot.
type Stats struct {
	Models   map[string]ModelStats   `json:"models"`
	Memory   *MemoryStats            `json:"memory,omitempty"`
	JobTypes map[string]JobTypeStats `json:"jobTypes,omitempty"`
}

// Availability is the derived capacity snapshot pushed to change listeners.
// Slots is the number of additional estimated-shape events this instance can
// admit right now; the remaining fields are per-resource headroom, nil where
// no such ceiling exists.
type Availability struct {
	Slots              int64  `json:"slots"`
	TokensPerMinute    *int64 `json:"tokensPerMinute,omitempty"`
	TokensPerDay       *int64 `json:"tokensPerDay,omitempty"`
	RequestsPerMinute  *int64 `json:"requestsPerMinute,omitempty"`
	RequestsPerDay     *int64 `json:"requestsPerDay,omitempty"`
	ConcurrentRequests *int64 `json:"concurrentRequests,omitempty"`
	MemoryKB           *int64 `json:"memoryKB,omitempty"`
}

// ChangeReason tags an availability change with what moved.
type ChangeReason string

const (
	ReasonTokensMinute       ChangeReason = "tokensMinute"
	ReasonTokensDay          ChangeReason = "tokensDay"
	ReasonRequestsMinute     ChangeReason = "requestsMinute"
	ReasonRequestsDay        ChangeReason = "requestsDay"
	ReasonConcurrentRequests ChangeReason = "concurrentRequests"
	ReasonMemory             ChangeReason = "memory"
	ReasonDistributed        ChangeReason = "distributed"
	ReasonAdjustment         ChangeReason = "adjustment"
)

// RatioAdjustment describes a ratio shift emitted with ReasonAdjustment.
type RatioAdjustment struct {
	JobType string  `json:"jobType"`
	Delta   float64 `json:"delta"`
}

// ActiveJobInfo describes one in-flight job.
type ActiveJobInfo struct {
	JobID             string        `json:"jobId"`
	JobType           string        `json:"jobType"`
	ModelInProgress   string        `json:"modelInProgress,omitempty"`
	WaitingOnModel    string        `json:"waitingOnModel,omitempty"`
	MaxWaitRemaining  time.Duration `json:"maxWaitRemainingMs,omitempty"`
	TriedModels       []string      `json:"triedModels,omitempty"`
	EnqueuedAt        time.Time     `json:"enqueuedAt"`
}

// CompletedJobInfo is the bounded history entry kept after a job settles.
type CompletedJobInfo struct {
	JobID       string    `json:"jobId"`
	JobType     string    `json:"jobType"`
	ModelUsed   string    `json:"modelUsed,omitempty"`
	Succeeded   bool      `json:"succeeded"`
	TotalCost   float64   `json:"totalCost"`
	Usage       []Usage   `json:"usage,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}
