package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
)

const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// AuditStore is the persistence the auditor needs.
type AuditStore interface {
	AppendAccessLog(ctx context.Context, e *model.AccessLogEntry) error
	ListAccessLogs(ctx context.Context, limit int, includeHidden bool) ([]model.AccessLogEntry, error)
}

// Options carries the ambient dependencies shared by the services. Zero
// values select the wall clock, slog.Default, and no metrics.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Auditor records and queries access attempts.
type Auditor struct {
	store AuditStore
	opts  Options
}

func NewAuditor(store AuditStore, opts Options) *Auditor {
	return &Auditor{store: store, opts: opts.withDefaults()}
}

// LogAccess appends an entry to the access log. A zero Timestamp is set to
// now. Failures are logged and counted but never returned, so an audit
// outage cannot change an authorization outcome.
func (a *Auditor) LogAccess(ctx context.Context, e model.AccessLogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.opts.Clock.Now().UTC()
	}
	// The entry must be written even if the request that produced it is gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := a.store.AppendAccessLog(ctx, &e); err != nil {
		a.opts.Logger.Error("audit write failed",
			"error", err,
			"user_type", e.UserType,
			"identifier", e.Identifier,
			"endpoint", e.Endpoint,
			"status", e.StatusCode,
		)
		a.opts.Metrics.AuditWriteFailed()
	}
}

// GetAccessLogs returns the most recent entries first. A non-positive limit
// selects DefaultLogLimit; limits above MaxLogLimit are capped. Hidden
// entries are omitted unless includeHidden is set.
func (a *Auditor) GetAccessLogs(ctx context.Context, limit int, includeHidden bool) ([]model.AccessLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	entries, err := a.store.ListAccessLogs(ctx, limit, includeHidden)
	if err != nil {
		return nil, storeErr("list access logs", err)
	}
	return entries, nil
}
