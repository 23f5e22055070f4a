package monitor

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Status is the health of one collaborator.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// DefaultFailThreshold is how many consecutive failures mark a
// collaborator failed.
const DefaultFailThreshold = 3

type depHealth struct {
	failures    int
	total       uint64
	lastErr     string
	lastFail    time.Time
	lastSuccess time.Time
	lastStatus  Status
}

// DependencyHealth tracks consecutive failure counts per collaborator.
// One failure degrades a collaborator; threshold consecutive failures fail
// it; any success restores it.
type DependencyHealth struct {
	mu        sync.Mutex
	threshold int
	deps      map[string]*depHealth
	now       func() time.Time
}

func NewDependencyHealth(threshold int) *DependencyHealth {
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	return &DependencyHealth{
		threshold: threshold,
		deps:      make(map[string]*depHealth),
		now:       time.Now,
	}
}

// Record notes the outcome of one call to dep. Status transitions are
// logged once.
func (h *DependencyHealth) Record(dep string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.deps[dep]
	if !ok {
		d = &depHealth{lastStatus: StatusHealthy}
		h.deps[dep] = d
	}
	now := h.now()
	if err != nil {
		d.failures++
		d.total++
		d.lastErr = err.Error()
		d.lastFail = now
	} else {
		d.failures = 0
		d.lastSuccess = now
	}

	status := h.statusLocked(d)
	if status != d.lastStatus {
		log.Printf("[health] %s: %s -> %s", dep, d.lastStatus, status)
		d.lastStatus = status
	}
}

func (h *DependencyHealth) statusLocked(d *depHealth) Status {
	switch {
	case d.failures >= h.threshold:
		return StatusFailed
	case d.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// Status reports dep's current health. Unknown collaborators are healthy.
func (h *DependencyHealth) Status(dep string) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.deps[dep]
	if !ok {
		return StatusHealthy
	}
	return h.statusLocked(d)
}

// DependencyStatus is a point-in-time copy for the health endpoint.
type DependencyStatus struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalFailures       uint64    `json:"totalFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitzero"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
}

// Snapshot returns every recorded collaborator, sorted by name.
func (h *DependencyHealth) Snapshot() []DependencyStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DependencyStatus, 0, len(h.deps))
	for name, d := range h.deps {
		out = append(out, DependencyStatus{
			Name:                name,
			Status:              h.statusLocked(d),
			ConsecutiveFailures: d.failures,
			TotalFailures:       d.total,
			LastError:           d.lastErr,
			LastFailure:         d.lastFail,
			LastSuccess:         d.lastSuccess,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall is the worst status across collaborators.
func (h *DependencyHealth) Overall() Status {
	worst := StatusHealthy
	for _, d := range h.Snapshot() {
		switch d.Status {
		case StatusFailed:
			return StatusFailed
		case StatusDegraded:
			worst = StatusDegraded
		}
	}
	return worst
}
