package coord

import "context"

// Noop is the coordinator used when no fleet backend is configured: no
// allocation is published, every acquire succeeds, releases vanish, and all
// capacity figures come purely from local limits.
type Noop struct{}

var _ Coordinator = Noop{}

func (Noop) Register(context.Context, string, map[string]DeclaredCapacity) (*Allocation, error) {
	return nil, nil
}

func (Noop) SubscribeAllocation(string, AllocationHandler) (unsubscribe func()) {
	return func() {}
}

func (Noop) Acquire(context.Context, AcquireRequest) (bool, error) { return true, nil }

func (Noop) Release(context.Context, ReleaseRequest) error { return nil }

func (Noop) Heartbeat(context.Context, string) error { return nil }

func (Noop) Unregister(context.Context, string) error { return nil }
