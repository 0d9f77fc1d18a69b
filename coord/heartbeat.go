package coord

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
)

// Heartbeater drives Coordinator.Heartbeat at a fixed cadence. Transient
// failures are retried a few times inside one beat; a beat that still fails
// is logged and skipped, since the TTL tolerates isolated misses.
type Heartbeater struct {
	coord      Coordinator
	instanceID string
	interval   time.Duration
	log        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeater(c Coordinator, instanceID string, interval time.Duration, log *zap.Logger) *Heartbeater {
	return &Heartbeater{
		coord:      c,
		instanceID: instanceID,
		interval:   interval,
		log:        common.EnsureLogger(log),
	}
}

func (h *Heartbeater) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx)
}

func (h *Heartbeater) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *Heartbeater) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	err := retry.Do(
		func() error { return h.coord.Heartbeat(ctx, h.instanceID) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil && ctx.Err() == nil {
		h.log.Warn("heartbeat failed", zap.String("instance", h.instanceID), zap.Error(err))
	}
}
