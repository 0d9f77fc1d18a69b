package engine

import (
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/fleetlimit/fleetlimit/common"
)

const (
	historyTTL           = 10 * time.Minute
	historySweepInterval = time.Minute
)

// Registry tracks in-flight jobs and keeps a bounded, self-expiring history
// of settled ones. History entries age out on a TTL; nothing is persisted.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*common.ActiveJobInfo
	history *gocache.Cache
	nowFn   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[string]*common.ActiveJobInfo),
		history: gocache.New(historyTTL, historySweepInterval),
		nowFn:   time.Now,
	}
}

func (r *Registry) Add(jobID, jobType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[jobID] = &common.ActiveJobInfo{
		JobID:      jobID,
		JobType:    jobType,
		EnqueuedAt: r.nowFn(),
	}
}

func (r *Registry) SetInProgress(jobID, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.active[jobID]; ok {
		info.ModelInProgress = modelID
		info.WaitingOnModel = ""
		info.MaxWaitRemaining = 0
	}
}

func (r *Registry) SetWaiting(status WaitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.active[status.JobID]; ok {
		info.WaitingOnModel = status.WaitingOnModel
		info.MaxWaitRemaining = status.Remaining
	}
}

func (r *Registry) MarkTried(jobID, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.active[jobID]; ok {
		if !lo.Contains(info.TriedModels, modelID) {
			info.TriedModels = append(info.TriedModels, modelID)
		}
		info.ModelInProgress = ""
	}
}

func (r *Registry) ClearTried(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.active[jobID]; ok {
		info.TriedModels = nil
	}
}

// Settle moves a job from the active table into the history cache.
func (r *Registry) Settle(jobID string, entry common.CompletedJobInfo) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
	entry.CompletedAt = r.nowFn()
	r.history.SetDefault(jobID, entry)
}

func (r *Registry) ActiveJobs() []common.ActiveJobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]common.ActiveJobInfo, 0, len(r.active))
	for _, info := range r.active {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (r *Registry) CompletedJobs() []common.CompletedJobInfo {
	items := r.history.Items()
	out := make([]common.CompletedJobInfo, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(common.CompletedJobInfo))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}
