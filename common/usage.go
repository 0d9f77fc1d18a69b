package common

// Usage is one attempt's measured consumption on one model.
type Usage struct {
	ModelID      string  `json:"modelId"`
	InputTokens  int64   `json:"inputTokens"`
	CachedTokens int64   `json:"cachedTokens"`
	OutputTokens int64   `json:"outputTokens"`
	RequestCount int64   `json:"requestCount"`
	Cost         float64 `json:"cost"`
}

// TotalTokens is the token count the per-minute/per-day counters charge for.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// CostOf prices a usage entry against a model's pricing table. Prices are per
// one million tokens.
func CostOf(u Usage, p Pricing) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / 1e6
}

// Outcome is the closed result type a job function returns. Exactly one of
// the constructors below produces a valid Outcome; the zero value is invalid
// and is reported to the caller as ErrNoOutcome.
type Outcome struct {
	kind     outcomeKind
	value    any
	usage    Usage
	err      error
	delegate bool
}

type outcomeKind uint8

const (
	outcomeNone outcomeKind = iota
	outcomeResolved
	outcomeRejected
)

// Resolve reports success with the job's return value and measured usage.
func Resolve(value any, usage Usage) Outcome {
	return Outcome{kind: outcomeResolved, value: value, usage: usage}
}

// Reject reports failure. The error propagates to the caller of QueueJob.
func Reject(usage Usage, err error) Outcome {
	return Outcome{kind: outcomeRejected, usage: usage, err: err}
}

// Delegate reports a cooperative failure: the attempt's reservations are
// refunded and the job is retried on the next model in escalation order.
func Delegate(usage Usage, err error) Outcome {
	return Outcome{kind: outcomeRejected, usage: usage, err: err, delegate: true}
}

func (o Outcome) Resolved() bool      { return o.kind == outcomeResolved }
func (o Outcome) Rejected() bool      { return o.kind == outcomeRejected }
func (o Outcome) WantsDelegate() bool { return o.kind == outcomeRejected && o.delegate }
func (o Outcome) Valid() bool         { return o.kind != outcomeNone }
func (o Outcome) Value() any          { return o.value }
func (o Outcome) Usage() Usage        { return o.usage }
func (o Outcome) Err() error          { return o.err }

// JobResult is what QueueJob hands back on success.
type JobResult struct {
	JobID     string  `json:"jobId"`
	ModelUsed string  `json:"modelUsed"`
	Value     any     `json:"-"`
	Usage     []Usage `json:"usage"`
	TotalCost float64 `json:"totalCost"`
}

// JobError is passed to the OnError callback.
type JobError struct {
	JobID     string  `json:"jobId"`
	Err       error   `json:"-"`
	Usage     []Usage `json:"usage"`
	TotalCost float64 `json:"totalCost"`
}
