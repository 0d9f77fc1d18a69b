package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
)

const (
	// DefaultTTL must stay comfortably longer than the heartbeat cadence so a
	// single dropped heartbeat does not evict a live instance.
	DefaultTTL       = 15 * time.Second
	DefaultKeyPrefix = "fleetlimit"
)

// Memory is an in-process Coordinator for fleets that share one binary, and
// for tests. It keeps the same data a shared key-value store would hold
// (declared capacity, membership with heartbeat freshness, per-instance usage
// keyed by prefix) and republishes allocations on every membership change.
type Memory struct {
	mu        sync.Mutex
	keyPrefix string
	ttl       time.Duration
	log       *zap.Logger
	nowFn     func() time.Time

	order    []string // instances in registration order, drives remainder hand-out
	declared map[string]map[string]DeclaredCapacity
	lastSeen map[string]time.Time
	inFlight map[string]map[string]int64 // instance -> model -> events in flight

	// usage mirrors the store layout of a networked backend: one integer per
	// <prefix>/usage/<instance>/<model>/<resource> key, cleaned by prefix scan
	// on unregister.
	usage map[string]int64

	nextSubID int
	subs      map[int]subscription
}

type subscription struct {
	instanceID string
	handler    AllocationHandler
}

type MemoryOption func(*Memory)

func WithKeyPrefix(prefix string) MemoryOption {
	return func(m *Memory) { m.keyPrefix = prefix }
}

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

func WithLogger(log *zap.Logger) MemoryOption {
	return func(m *Memory) { m.log = log }
}

// WithNowFunc overrides the clock. Test use only.
func WithNowFunc(nowFn func() time.Time) MemoryOption {
	return func(m *Memory) { m.nowFn = nowFn }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		keyPrefix: DefaultKeyPrefix,
		ttl:       DefaultTTL,
		nowFn:     time.Now,
		declared:  make(map[string]map[string]DeclaredCapacity),
		lastSeen:  make(map[string]time.Time),
		inFlight:  make(map[string]map[string]int64),
		usage:     make(map[string]int64),
		subs:      make(map[int]subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = common.EnsureLogger(m.log)
	return m
}

var _ Coordinator = (*Memory)(nil)

func (m *Memory) Register(ctx context.Context, instanceID string, declared map[string]DeclaredCapacity) (*Allocation, error) {
	if instanceID == "" {
		return nil, errors.New("instanceID must not be empty")
	}
	m.mu.Lock()
	if _, ok := m.declared[instanceID]; !ok {
		m.order = append(m.order, instanceID)
	}
	m.declared[instanceID] = declared
	m.lastSeen[instanceID] = m.nowFn()
	if m.inFlight[instanceID] == nil {
		m.inFlight[instanceID] = make(map[string]int64)
	}
	allocs := m.computeAllocationsLocked()
	subs := m.snapshotSubsLocked()
	mine := allocs[instanceID]
	m.mu.Unlock()

	m.log.Info("instance registered",
		zap.String("instance", instanceID),
		zap.Int("fleetSize", len(allocs)))
	publish(subs, allocs)
	return &mine, nil
}

func (m *Memory) SubscribeAllocation(instanceID string, handler AllocationHandler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = subscription{instanceID: instanceID, handler: handler}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Memory) Acquire(ctx context.Context, req AcquireRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.declared[req.InstanceID]; !ok {
		return false, errors.Errorf("instance %q is not registered", req.InstanceID)
	}
	allocs := m.computeAllocationsLocked()
	share, ok := allocs[req.InstanceID].PerModel[req.ModelID]
	if !ok {
		return false, nil
	}
	held := m.inFlight[req.InstanceID][req.ModelID]
	if share.TotalSlots > 0 && held >= share.TotalSlots {
		return false, nil
	}
	m.inFlight[req.InstanceID][req.ModelID] = held + 1
	return true, nil
}

func (m *Memory) Release(ctx context.Context, req ReleaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held := m.inFlight[req.InstanceID][req.ModelID]; held > 0 {
		m.inFlight[req.InstanceID][req.ModelID] = held - 1
	}
	m.usage[m.usageKey(req.InstanceID, req.ModelID, "tokens")] += req.ActualTokens
	m.usage[m.usageKey(req.InstanceID, req.ModelID, "requests")] += req.ActualRequests
	return nil
}

func (m *Memory) Heartbeat(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	if _, ok := m.declared[instanceID]; !ok {
		m.mu.Unlock()
		return errors.Errorf("instance %q is not registered", instanceID)
	}
	m.lastSeen[instanceID] = m.nowFn()
	expired := m.expireStaleLocked()
	var (
		allocs map[string]Allocation
		subs   []subscription
	)
	if expired > 0 {
		allocs = m.computeAllocationsLocked()
		subs = m.snapshotSubsLocked()
	}
	m.mu.Unlock()

	if expired > 0 {
		publish(subs, allocs)
	}
	return nil
}

func (m *Memory) Unregister(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	if _, ok := m.declared[instanceID]; !ok {
		m.mu.Unlock()
		return nil
	}
	m.removeLocked(instanceID)
	allocs := m.computeAllocationsLocked()
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	m.log.Info("instance unregistered", zap.String("instance", instanceID))
	publish(subs, allocs)
	return nil
}

// UsageFor reports the accumulated actuals the fleet has seen for one
// instance and model. Debug/stats surface.
func (m *Memory) UsageFor(instanceID, modelID string) (tokens, requests int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[m.usageKey(instanceID, modelID, "tokens")],
		m.usage[m.usageKey(instanceID, modelID, "requests")]
}

// InstanceCount reports live fleet membership after expiring stale instances.
func (m *Memory) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireStaleLocked()
	return len(m.order)
}

func (m *Memory) usageKey(instanceID, modelID, resource string) string {
	return fmt.Sprintf("%s/usage/%s/%s/%s", m.keyPrefix, instanceID, modelID, resource)
}

func (m *Memory) removeLocked(instanceID string) {
	delete(m.declared, instanceID)
	delete(m.lastSeen, instanceID)
	delete(m.inFlight, instanceID)
	for i, id := range m.order {
		if id == instanceID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	// prefix scan, the way a real store would clean up
	prefix := fmt.Sprintf("%s/usage/%s/", m.keyPrefix, instanceID)
	for key := range m.usage {
		if strings.HasPrefix(key, prefix) {
			delete(m.usage, key)
		}
	}
}

func (m *Memory) expireStaleLocked() int {
	now := m.nowFn()
	var stale []string
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.ttl {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.log.Warn("expiring stale instance", zap.String("instance", id))
		m.removeLocked(id)
	}
	return len(stale)
}

// computeAllocationsLocked splits each model's fleet-wide capacity evenly
// across live instances. Remainders from integer division go to the earliest
// registered instances, one unit each, so per-instance limits always sum to
// the fleet total.
func (m *Memory) computeAllocationsLocked() map[string]Allocation {
	n := len(m.order)
	out := make(map[string]Allocation, n)
	if n == 0 {
		return out
	}

	// fleet ceilings per model: the largest declared value wins, since all
	// instances normally declare the same model config
	modelIDs := make(map[string]bool)
	fleet := make(map[string]DeclaredCapacity)
	for _, decls := range m.declared {
		for modelID, cap := range decls {
			modelIDs[modelID] = true
			agg := fleet[modelID]
			if cap.TotalSlots > agg.TotalSlots {
				agg.TotalSlots = cap.TotalSlots
			}
			agg.TokensPerMinute = maxPtr(agg.TokensPerMinute, cap.TokensPerMinute)
			agg.TokensPerDay = maxPtr(agg.TokensPerDay, cap.TokensPerDay)
			agg.RequestsPerMinute = maxPtr(agg.RequestsPerMinute, cap.RequestsPerMinute)
			agg.RequestsPerDay = maxPtr(agg.RequestsPerDay, cap.RequestsPerDay)
			agg.MaxConcurrentRequests = maxPtr(agg.MaxConcurrentRequests, cap.MaxConcurrentRequests)
			fleet[modelID] = agg
		}
	}

	sorted := make([]string, 0, len(modelIDs))
	for id := range modelIDs {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for idx, instanceID := range m.order {
		perModel := make(map[string]ModelAllocation, len(sorted))
		for _, modelID := range sorted {
			agg := fleet[modelID]
			perModel[modelID] = ModelAllocation{
				TotalSlots:            splitShare(agg.TotalSlots, n, idx),
				TokensPerMinute:       splitSharePtr(agg.TokensPerMinute, n, idx),
				TokensPerDay:          splitSharePtr(agg.TokensPerDay, n, idx),
				RequestsPerMinute:     splitSharePtr(agg.RequestsPerMinute, n, idx),
				RequestsPerDay:        splitSharePtr(agg.RequestsPerDay, n, idx),
				MaxConcurrentRequests: splitSharePtr(agg.MaxConcurrentRequests, n, idx),
			}
		}
		out[instanceID] = Allocation{InstanceCount: n, PerModel: perModel}
	}
	return out
}

func (m *Memory) snapshotSubsLocked() []subscription {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	return subs
}

// publish fans each instance's allocation out to that instance's subscribers,
// outside the lock so handlers may call back into the coordinator.
func publish(subs []subscription, allocs map[string]Allocation) {
	for _, sub := range subs {
		if alloc, ok := allocs[sub.instanceID]; ok {
			sub.handler(alloc, "*")
		}
	}
}

// splitShare gives instance idx its floor share of total, plus one unit if
// idx falls inside the remainder.
func splitShare(total int64, n, idx int) int64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	share := total / int64(n)
	if int64(idx) < total%int64(n) {
		share++
	}
	return share
}

func splitSharePtr(total *int64, n, idx int) *int64 {
	if total == nil {
		return nil
	}
	share := splitShare(*total, n, idx)
	return &share
}

func maxPtr(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *b > *a {
		return b
	}
	return a
}
