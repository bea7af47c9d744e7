package service

import (
	"context"
	"errors"
	"time"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/activity/dedupe"
	"github.com/smallbiznis/worksite/internal/apperr"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	timelinesvc "github.com/smallbiznis/worksite/internal/timeline/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const passRefresh = "refresh"

var sourceOfKind = map[recordstore.Kind]activity.SourceType{
	recordstore.KindStatus:      activity.SourceStatus,
	recordstore.KindQuote:       activity.SourceOpportunity,
	recordstore.KindPayment:     activity.SourcePayment,
	recordstore.KindNote:        activity.SourceNote,
	recordstore.KindTask:        activity.SourceTask,
	recordstore.KindAppointment: activity.SourceAppointment,
	recordstore.KindDocument:    activity.SourceDocument,
}

type fetchResult struct {
	project recordstore.Record
	lists   map[recordstore.Kind][]recordstore.Record
	failed  map[recordstore.Kind]error
}

// Refresh fetches the project and every record list concurrently and
// merges the results into the working set. Lists that fail to load keep
// their cached records; the joined failure is returned after the
// successful part is committed. A pass that resolves after a newer
// snapshot was committed is discarded with ErrStalePass.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.closed.Load() {
		return project.ErrEngineClosed
	}
	start := e.deps.Clock.Now()

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	res, err := e.fetchAll(ctx)
	if err != nil {
		e.deps.Metrics.RecordPass(ctx, passRefresh, "failed", e.deps.Clock.Now().Sub(start))
		return err
	}

	outcome, err := e.commitPass(seq, res)
	e.deps.Metrics.RecordPass(ctx, passRefresh, outcome, e.deps.Clock.Now().Sub(start))
	return err
}

func (e *Engine) fetchAll(ctx context.Context) (fetchResult, error) {
	kinds := recordstore.ChildKinds
	lists := make([][]recordstore.Record, len(kinds))
	errs := make([]error, len(kinds))
	var projectRecord recordstore.Record

	var g errgroup.Group
	g.Go(func() error {
		r, err := e.deps.Store.Get(ctx, recordstore.KindProject, e.projectID)
		if err != nil {
			return err
		}
		projectRecord = r
		return nil
	})
	for i, kind := range kinds {
		g.Go(func() error {
			out, err := e.deps.Store.Fetch(ctx, kind, e.projectID)
			if err == nil && !out.Success {
				err = apperr.Network("fetch."+string(kind), errors.New("unsuccessful response"))
			}
			if err != nil {
				errs[i] = err
				return nil
			}
			lists[i] = out.Records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fetchResult{}, err
	}

	res := fetchResult{
		project: projectRecord,
		lists:   make(map[recordstore.Kind][]recordstore.Record, len(kinds)),
		failed:  make(map[recordstore.Kind]error),
	}
	for i, kind := range kinds {
		if errs[i] != nil {
			res.failed[kind] = errs[i]
			continue
		}
		res.lists[kind] = lists[i]
	}
	return res, nil
}

func (e *Engine) commitPass(seq uint64, res fetchResult) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return "discarded", project.ErrEngineClosed
	}
	if seq < e.committed {
		e.log.Debug("stale pass discarded", zap.Uint64("seq", seq), zap.Uint64("committed", e.committed))
		return "discarded", project.ErrStalePass
	}

	canonical := res.project
	if e.stageOwners > 0 {
		// Stage fields written optimistically stay until their write lands.
		if local, ok := e.ws.Project(); ok {
			canonical = canonical.Clone()
			canonical.Fields = mergeFields(canonical.Fields, stageFields(local.Fields))
		}
	}
	e.ws.SetProject(canonical)
	for _, kind := range recordstore.ChildKinds {
		records, ok := res.lists[kind]
		if !ok {
			continue
		}
		fresh := records[:0:0]
		for _, r := range records {
			if _, inFlight := e.pending[r.ID]; inFlight {
				continue
			}
			fresh = append(fresh, r)
		}
		e.ws.Merge(kind, fresh)
	}

	var failures []error
	for _, kind := range recordstore.ChildKinds {
		if err, ok := res.failed[kind]; ok {
			e.log.Warn("record list fetch failed", zap.String("kind", string(kind)), zap.Error(err))
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 && e.unconfirmed {
		e.unconfirmed = false
		e.retries = 0
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
	}

	snap, drops := e.buildLocked(seq)
	for _, drop := range drops {
		e.deps.Metrics.RecordDroppedRecord(context.Background(), string(drop.SourceType), drop.Reason)
	}
	e.commitLocked(snap, liveupdates.ReasonRefresh)

	if len(failures) > 0 {
		return "partial", errors.Join(failures...)
	}
	return "committed", nil
}

// buildLocked derives a snapshot from the working set. e.mu must be held.
func (e *Engine) buildLocked(seq uint64) (*project.Snapshot, []activity.Drop) {
	now := e.deps.Clock.Now()
	snap := &project.Snapshot{
		Seq:         seq,
		ProjectID:   e.projectID,
		Project:     recordstore.Project{ID: e.projectID, Stage: finance.StageNew},
		QuotesKnown: e.ws.Fetched(recordstore.KindQuote),
		Pending:     e.pendingIDsLocked(),
		Unconfirmed: e.unconfirmed,
		BuiltAt:     now,
	}
	projectRecord, hasProject := e.ws.Project()
	if hasProject {
		snap.Project = recordstore.ProjectFromRecord(projectRecord)
		snap.Project.ID = e.projectID
	}

	snap.Quotes = e.quotesLocked()
	snap.Payments = e.paymentsLocked()
	snap.Summary = e.deps.Reconciler.Summarize(snap.Quotes, snap.Payments)

	raws := e.rawRecordsLocked(snap.Project)
	events, drops := e.deps.Normalizer.NormalizeAll(raws)
	events = dedupe.Dedupe(events)
	timelinesvc.SortEvents(events)
	snap.Events = events
	snap.Drops = drops
	return snap, drops
}

func (e *Engine) quotesLocked() []finance.Quote {
	records := e.ws.List(recordstore.KindQuote)
	quotes := make([]finance.Quote, 0, len(records))
	for _, r := range records {
		q, err := finance.QuoteFromFields(r.ID, r.Fields)
		if err != nil {
			continue
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = r.CreatedAt
		}
		quotes = append(quotes, q)
	}
	return quotes
}

func (e *Engine) paymentsLocked() []finance.Payment {
	records := e.ws.List(recordstore.KindPayment)
	payments := make([]finance.Payment, 0, len(records))
	for _, r := range records {
		p, err := finance.PaymentFromFields(r.ID, r.Fields)
		if err != nil {
			continue
		}
		if p.Date.IsZero() {
			p.Date = r.CreatedAt
		}
		payments = append(payments, p)
	}
	return payments
}

// rawRecordsLocked flattens the working set into normalizer input in a
// stable order. Quote attachments become document records and the inline
// project notes are used only when the note list is empty.
func (e *Engine) rawRecordsLocked(p recordstore.Project) []activity.RawRecord {
	var raws []activity.RawRecord
	for _, kind := range recordstore.ChildKinds {
		for _, r := range e.ws.List(kind) {
			fields := withCreatedAt(r.Fields, r.CreatedAt)
			raws = append(raws, activity.RawRecord{
				SourceType: sourceOfKind[kind],
				ID:         r.ID,
				Fields:     fields,
			})
			if kind == recordstore.KindQuote {
				if doc, ok := quoteAttachment(r.ID, fields); ok {
					raws = append(raws, doc)
				}
			}
		}
	}

	if len(e.ws.List(recordstore.KindNote)) == 0 && p.Notes != "" {
		projectRecord, _ := e.ws.Project()
		fields := map[string]any{
			activity.FieldBody:   p.Notes,
			activity.FieldInline: true,
		}
		if !projectRecord.UpdatedAt.IsZero() {
			fields[activity.FieldDate] = projectRecord.UpdatedAt.UTC().Format(time.RFC3339)
		}
		raws = append(raws, activity.RawRecord{
			SourceType: activity.SourceNote,
			ID:         "inline-" + e.projectID,
			Fields:     fields,
		})
	}
	return raws
}

func quoteAttachment(quoteID string, fields map[string]any) (activity.RawRecord, bool) {
	name, _ := fields[finance.FieldFileName].(string)
	path, _ := fields[finance.FieldFilePath].(string)
	if name == "" && path == "" {
		return activity.RawRecord{}, false
	}
	if name == "" {
		name = baseName(path)
	}
	doc := map[string]any{
		activity.FieldFileName: name,
		activity.FieldFilePath: path,
		activity.FieldOrigin:   string(activity.OriginQuote),
		activity.FieldQuoteID:  quoteID,
		activity.FieldTitle:    name,
	}
	for _, key := range []string{activity.FieldCreatedAt, activity.FieldAuthor} {
		if v, ok := fields[key]; ok {
			doc[key] = v
		}
	}
	return activity.RawRecord{
		SourceType: activity.SourceDocument,
		ID:         "quote-" + quoteID,
		Fields:     doc,
	}, true
}

func withCreatedAt(fields map[string]any, createdAt time.Time) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	_, hasDate := out[activity.FieldDate]
	_, hasCreated := out[activity.FieldCreatedAt]
	if !hasDate && !hasCreated && !createdAt.IsZero() {
		out[activity.FieldCreatedAt] = createdAt.UTC().Format(time.RFC3339)
	}
	return out
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// confirm reloads canonical state after a successful write. When the
// reload fails the optimistic state stays visible, flagged unconfirmed,
// and a retry is scheduled.
func (e *Engine) confirm(ctx context.Context, expect *stageExpectation) error {
	if e.closed.Load() {
		return nil
	}
	if err := e.Refresh(ctx); err != nil {
		if errors.Is(err, project.ErrEngineClosed) {
			return nil
		}
		e.markUnconfirmed(err)
		return err
	}
	if expect != nil {
		e.correctStage(ctx, *expect)
	}
	return nil
}

func (e *Engine) markUnconfirmed(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return
	}
	e.unconfirmed = true
	e.commitLocalLocked(liveupdates.ReasonUnconfirmed)
	e.scheduleRetryLocked()
	e.log.Warn("write not confirmed, retry scheduled", zap.Error(cause))
}

func (e *Engine) scheduleRetryLocked() {
	if e.closed.Load() {
		return
	}
	if e.retry != nil {
		e.retry.Stop()
	}
	delay := e.deps.Config.Get().ConfirmRetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	e.retry = e.deps.Clock.AfterFunc(delay, e.retryConfirm)
}

func (e *Engine) retryConfirm() {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.retry = nil
	e.mu.Unlock()

	err := e.Refresh(context.Background())
	if err == nil || errors.Is(err, project.ErrEngineClosed) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.unconfirmed {
		return
	}
	e.retries++
	if e.retries >= maxConfirmRetries {
		e.log.Warn("giving up confirmation retries", zap.Int("attempts", e.retries), zap.Error(err))
		return
	}
	e.scheduleRetryLocked()
}
