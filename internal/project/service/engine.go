// Package service runs the per-project reconciliation engine: it keeps the
// project's working set, derives the activity feed and the financial
// summary from it, and applies user writes optimistically.
package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/config"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	"github.com/smallbiznis/worksite/internal/mutation"
	"github.com/smallbiznis/worksite/internal/observability/metrics"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	"github.com/smallbiznis/worksite/internal/providers/files"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
	"go.uber.org/zap"
)

const maxConfirmRetries = 5

// Deps are the collaborators shared by every engine of a registry.
type Deps struct {
	Store       recordstore.Store
	Normalizer  *normalize.Normalizer
	Aggregator  timeline.Aggregator
	Reconciler  finance.Reconciler
	Coordinator *mutation.Coordinator
	Files       files.Resolver
	Notifier    notify.Dispatcher
	Hub         *liveupdates.Hub
	Metrics     *metrics.Metrics
	Config      *config.TimelineConfigHolder
	Clock       clock.Clock
	Location    *time.Location
	Log         *zap.Logger
}

// Engine owns the working set of one project. Readers only ever see the
// latest committed Snapshot.
type Engine struct {
	projectID string
	deps      Deps
	log       *zap.Logger

	mu          sync.Mutex
	seq         uint64
	committed   uint64
	ws          *project.WorkingSet
	pending     map[string]int
	stageOwners int
	unconfirmed bool
	retry       clock.Timer
	retries     int

	current atomic.Pointer[project.Snapshot]
	closed  atomic.Bool
}

func NewEngine(projectID string, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Config == nil {
		deps.Config = config.NewStaticTimelineConfigHolder(config.DefaultTimelineConfig())
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoOpDispatcher{}
	}
	if deps.Coordinator == nil {
		deps.Coordinator = mutation.New(nil, deps.Metrics, deps.Clock, deps.Log)
	}

	e := &Engine{
		projectID: projectID,
		deps:      deps,
		log:       deps.Log.Named("project.engine").With(zap.String("project_id", projectID)),
		ws:        project.NewWorkingSet(),
		pending:   make(map[string]int),
	}
	e.current.Store(&project.Snapshot{
		ProjectID: projectID,
		Project:   recordstore.Project{ID: projectID, Stage: finance.StageNew},
		BuiltAt:   deps.Clock.Now(),
	})
	return e
}

func (e *Engine) ProjectID() string {
	return e.projectID
}

// Snapshot returns the latest committed snapshot.
func (e *Engine) Snapshot() *project.Snapshot {
	return e.current.Load()
}

// Timeline renders the feed for filter in the engine's default location.
func (e *Engine) Timeline(filter timeline.Filter, pageSize int, showAll bool) timeline.Feed {
	return e.Feed(timeline.Query{
		Filter:   filter,
		PageSize: pageSize,
		ShowAll:  showAll,
	})
}

// Feed renders the feed for an explicit query. The opportunity count is
// taken from the snapshot when the caller does not provide one.
func (e *Engine) Feed(q timeline.Query) timeline.Feed {
	snap := e.Snapshot()
	if q.Location == nil {
		q.Location = e.deps.Location
	}
	if q.OpportunityCount == nil {
		q.OpportunityCount = snap.OpportunityCount()
	}
	return e.deps.Aggregator.Build(snap.Events, q)
}

func (e *Engine) FinancialSummary() finance.FinancialSummary {
	return e.Snapshot().Summary
}

// Subscribe registers a watcher for snapshot changes of this project.
func (e *Engine) Subscribe() (*liveupdates.Subscription, []liveupdates.Update, error) {
	return e.deps.Hub.Subscribe(e.projectID)
}

// DocumentLink resolves a viewable URL for the file behind a document
// event or a quote attachment.
func (e *Engine) DocumentLink(ctx context.Context, eventID string) (string, error) {
	snap := e.Snapshot()
	event, ok := snap.Event(eventID)
	if !ok {
		return "", apperr.NotFound("event", eventID)
	}

	var path string
	if doc, ok := event.Document(); ok {
		path = doc.FilePath
		if path == "" && doc.QuoteID != "" {
			if quote, ok := snap.Quote(doc.QuoteID); ok {
				path = quote.FilePath
			}
		}
	} else if opp, ok := event.Opportunity(); ok {
		if quote, ok := snap.Quote(opp.QuoteID); ok {
			path = quote.FilePath
		}
	}
	if path == "" {
		return "", apperr.Validation("file_path", project.ErrNoFile.Error(), "no file is attached to this entry")
	}
	if e.deps.Files == nil {
		return "", apperr.Validation("file_path", "files_unavailable", "file access is not configured")
	}
	return e.deps.Files.ResolveFileURL(ctx, path)
}

// Close marks the engine irrelevant and cancels its scheduled timers.
// Requests already in flight run to completion but their results are
// ignored.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	seq := e.committed
	e.mu.Unlock()

	e.deps.Hub.Publish(liveupdates.Update{
		ProjectID: e.projectID,
		Seq:       seq,
		Reason:    liveupdates.ReasonClosed,
		At:        e.deps.Clock.Now(),
	})
	e.log.Debug("engine closed")
}

func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// commitLocked publishes snap as the current snapshot. e.mu must be held.
func (e *Engine) commitLocked(snap *project.Snapshot, reason string) {
	e.committed = snap.Seq
	e.current.Store(snap)
	e.deps.Hub.Publish(liveupdates.Update{
		ProjectID: e.projectID,
		Seq:       snap.Seq,
		Reason:    reason,
		At:        snap.BuiltAt,
	})
}

// commitLocalLocked rebuilds and commits the working set after a local
// change. e.mu must be held.
func (e *Engine) commitLocalLocked(reason string) {
	e.seq++
	start := e.deps.Clock.Now()
	snap, _ := e.buildLocked(e.seq)
	e.commitLocked(snap, reason)
	e.deps.Metrics.RecordPass(context.Background(), reason, "committed", e.deps.Clock.Now().Sub(start))
}

func (e *Engine) pendingIDsLocked() []string {
	if len(e.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) beginPendingLocked(id string) {
	e.pending[id]++
}

func (e *Engine) endPendingLocked(id string) {
	if e.pending[id] <= 1 {
		delete(e.pending, id)
		return
	}
	e.pending[id]--
}
