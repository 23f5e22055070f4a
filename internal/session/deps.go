package session

import (
	"context"
	"time"

	"github.com/gsi-overlay/backend/internal/platform/matchdata"
	"github.com/gsi-overlay/backend/internal/platform/predictions"
	"github.com/gsi-overlay/backend/internal/scheduler"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/ws"
)

// TaskScheduler runs delayed callbacks.
type TaskScheduler interface {
	Schedule(delay time.Duration, cb scheduler.Callback, payload any, priority int) string
	Cancel(id string) bool
}

// Slices receives throttled overlay entity slices.
type Slices interface {
	Push(token, entity string, data any) bool
	Forget(token string)
}

// Overlay receives one-shot overlay messages outside the throttle.
type Overlay interface {
	Send(token string, msg ws.Message)
}

type PredictionMarket interface {
	Create(ctx context.Context, r predictions.Request) (string, error)
	Resolve(ctx context.Context, channel, id string, winning int) error
}

type ChatSender interface {
	Send(ctx context.Context, channel, text, replyTo string) error
}

type MatchSource interface {
	MatchDetails(ctx context.Context, matchID string) (*matchdata.Details, error)
}

// HealthRecorder observes the outcome of each collaborator call.
type HealthRecorder interface {
	Record(dependency string, err error)
}

// Dependency names reported to the HealthRecorder.
const (
	DepKV          = "kv"
	DepDocuments   = "documents"
	DepPredictions = "predictions"
	DepChat        = "chat"
	DepMatchData   = "matchdata"
)

// Deps are the collaborators every Session shares. KV, Docs, Scheduler,
// Slices and Overlay are required; the rest may be nil.
type Deps struct {
	KV          storage.KV
	Docs        storage.Documents
	Scheduler   TaskScheduler
	Slices      Slices
	Overlay     Overlay
	Predictions PredictionMarket
	Chat        ChatSender
	Matches     MatchSource
	Health      HealthRecorder
	// CallTimeout bounds each outbound collaborator call.
	CallTimeout time.Duration
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) record(dep string, err error) {
	if d.Health != nil {
		d.Health.Record(dep, err)
	}
}

// callCtx bounds one outbound call.
func (d *Deps) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.CallTimeout)
}
