package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/clock"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	financeservice "github.com/smallbiznis/worksite/internal/finance/service"
	"github.com/smallbiznis/worksite/internal/mutation"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	"github.com/smallbiznis/worksite/internal/providers/files"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	"github.com/smallbiznis/worksite/internal/recordstore/repository"
	recordstoresvc "github.com/smallbiznis/worksite/internal/recordstore/service"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
	timelinesvc "github.com/smallbiznis/worksite/internal/timeline/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Dispatch(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) types() []notify.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Type, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Type)
	}
	return out
}

func testDeps(store recordstore.Store, clk *clock.FakeClock, notifier notify.Dispatcher) Deps {
	log := zap.NewNop()
	return Deps{
		Store:       store,
		Normalizer:  normalize.New(nil, clk, log),
		Aggregator:  timelinesvc.New(nil, clk),
		Reconciler:  financeservice.New(log),
		Coordinator: mutation.New(mutation.NewLocalGuard(), nil, clk, log),
		Files:       files.NewStatic("https://files.example.com"),
		Notifier:    notifier,
		Hub:         liveupdates.NewHub(),
		Clock:       clk,
		Location:    time.UTC,
		Log:         log,
	}
}

func newTestEngine(t *testing.T, store recordstore.Store, projectID string) (*Engine, *clock.FakeClock, *recordingNotifier) {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	notifier := &recordingNotifier{}
	e := NewEngine(projectID, testDeps(store, clk, notifier))
	t.Cleanup(e.Close)
	return e, clk, notifier
}

func newGormStore(t *testing.T) *recordstoresvc.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return recordstoresvc.NewStore(recordstoresvc.Params{
		DB:         db,
		Node:       node,
		Repo:       repository.Provide(),
		Reconciler: financeservice.New(zap.NewNop()),
		Clock:      clock.NewFakeClock(testNow),
		Log:        zap.NewNop(),
	})
}

func mustCreate(t *testing.T, s recordstore.Store, kind recordstore.Kind, parentID string, fields map[string]any) recordstore.Record {
	t.Helper()
	r, err := s.Create(context.Background(), kind, parentID, fields)
	require.NoError(t, err)
	return r
}

func TestMarkPaidSettlesProject(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", map[string]any{
		recordstore.FieldName:  "Dupont kitchen",
		recordstore.FieldStage: string(finance.StageQuoteSent),
	})
	quoteA := mustCreate(t, store, recordstore.KindQuote, p.ID, map[string]any{
		finance.FieldTitle:  "Kitchen",
		finance.FieldAmount: "10000",
		finance.FieldStatus: "accepted",
	})
	mustCreate(t, store, recordstore.KindQuote, p.ID, map[string]any{
		finance.FieldTitle:  "Bathroom",
		finance.FieldAmount: "5000",
		finance.FieldStatus: "refused",
	})

	e, _, notifier := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))

	summary := e.FinancialSummary()
	assert.True(t, summary.TotalAccepted.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, int64(0), summary.ProgressPercent)

	feed := e.Timeline(timeline.FilterAll, 0, false)
	assert.Equal(t, 2, feed.Counts[timeline.FilterOpportunities])

	out := e.MutateQuote(ctx, quoteA.ID, project.QuoteAction{Type: project.QuoteMarkPaid})
	require.Equal(t, mutation.StatusConfirmed, out.Status, out.Message)
	require.NotNil(t, out.Stage)
	assert.Equal(t, mutation.StageChange{
		Progressed: true,
		From:       string(finance.StageQuoteSent),
		To:         string(finance.StageInvoiceSettled),
	}, *out.Stage)

	snap := e.Snapshot()
	assert.Equal(t, int64(100), snap.Summary.ProgressPercent)
	assert.True(t, snap.Summary.RemainingAmount.IsZero())
	assert.Equal(t, finance.StageInvoiceSettled, snap.Project.Stage)
	assert.Contains(t, notifier.types(), notify.TypeInvoiceSettled)
	assert.False(t, snap.Unconfirmed)
	assert.Empty(t, snap.Pending)
}

func TestMarkPaidRejectedForPendingQuote(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", nil)
	quote := mustCreate(t, store, recordstore.KindQuote, p.ID, map[string]any{finance.FieldAmount: "800"})

	e, _, _ := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))
	before := e.Snapshot()

	out := e.MutateQuote(ctx, quote.ID, project.QuoteAction{Type: project.QuoteMarkPaid})
	assert.Equal(t, mutation.StatusRejected, out.Status)
	assert.Equal(t, "validation_error", out.Kind)
	assert.Equal(t, before.Seq, e.Snapshot().Seq)

	out = e.MutateQuote(ctx, "404", project.QuoteAction{Type: project.QuoteAccept})
	assert.Equal(t, "not_found", out.Kind)
}

func TestDepositAdvancesAndDeletionReverts(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", map[string]any{
		recordstore.FieldStage: string(finance.StageQuoteSent),
	})

	e, _, notifier := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))

	amount := decimal.NewFromInt(1500)
	kind := finance.PaymentKindDeposit
	out := e.MutatePayment(ctx, "", project.PaymentAction{
		Type:  project.PaymentAdd,
		Input: project.PaymentInput{Amount: &amount, Kind: &kind},
	})
	require.Equal(t, mutation.StatusConfirmed, out.Status, out.Message)
	assert.False(t, strings.HasPrefix(out.EntityID, provisionalPrefix))
	require.NotNil(t, out.Stage)
	assert.True(t, out.Stage.Progressed)
	assert.Equal(t, string(finance.StageQuoteSent), out.Stage.From)
	assert.Equal(t, string(finance.StageDepositReceived), out.Stage.To)

	snap := e.Snapshot()
	assert.Equal(t, finance.StageDepositReceived, snap.Project.Stage)
	assert.Equal(t, finance.StageQuoteSent, snap.Project.PreDepositStage)
	require.Len(t, snap.Payments, 1)
	assert.Equal(t, out.EntityID, snap.Payments[0].ID)
	assert.ElementsMatch(t, []notify.Type{notify.TypePaymentRecorded, notify.TypeStageChanged}, notifier.types())

	out = e.MutatePayment(ctx, out.EntityID, project.PaymentAction{Type: project.PaymentDelete})
	require.Equal(t, mutation.StatusConfirmed, out.Status, out.Message)
	require.NotNil(t, out.Stage)
	assert.Equal(t, mutation.StageChange{
		Reverted: true,
		From:     string(finance.StageDepositReceived),
		To:       string(finance.StageQuoteSent),
	}, *out.Stage)

	snap = e.Snapshot()
	assert.Equal(t, finance.StageQuoteSent, snap.Project.Stage)
	assert.Equal(t, finance.Stage(""), snap.Project.PreDepositStage)
	assert.Empty(t, snap.Payments)
	assert.True(t, e.ws.Tombstoned(recordstore.KindPayment, out.EntityID))
}

func TestEditPaymentValidatesAmount(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", nil)
	payment := mustCreate(t, store, recordstore.KindPayment, p.ID, map[string]any{finance.FieldAmount: "300"})

	e, _, _ := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))

	zero := decimal.Zero
	out := e.MutatePayment(ctx, payment.ID, project.PaymentAction{Type: project.PaymentEdit, Input: project.PaymentInput{Amount: &zero}})
	assert.Equal(t, mutation.StatusRejected, out.Status)
	assert.Equal(t, "validation_error", out.Kind)

	method := "transfer"
	larger := decimal.NewFromInt(450)
	out = e.MutatePayment(ctx, payment.ID, project.PaymentAction{Type: project.PaymentEdit, Input: project.PaymentInput{Amount: &larger, Method: &method}})
	require.Equal(t, mutation.StatusConfirmed, out.Status, out.Message)
	got, ok := e.Snapshot().Payment(payment.ID)
	require.True(t, ok)
	assert.True(t, got.Amount.Equal(larger))
	assert.Equal(t, "transfer", got.Method)
}

func TestDocumentLinkResolvesAttachments(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", nil)
	doc := mustCreate(t, store, recordstore.KindDocument, p.ID, map[string]any{
		activity.FieldFileName: "plan.pdf",
		activity.FieldFilePath: "projects/42/plan v2.pdf",
	})
	quote := mustCreate(t, store, recordstore.KindQuote, p.ID, map[string]any{
		finance.FieldAmount:   "900",
		finance.FieldFileName: "devis-12.pdf",
		finance.FieldFilePath: "quotes/devis-12.pdf",
	})
	mustCreate(t, store, recordstore.KindNote, p.ID, map[string]any{activity.FieldBody: "Call back Monday"})

	e, _, _ := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))

	link, err := e.DocumentLink(ctx, "document:"+doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/projects/42/plan%20v2.pdf", link)

	link, err = e.DocumentLink(ctx, "opportunity:"+quote.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/quotes/devis-12.pdf", link)

	docs := e.Timeline(timeline.FilterDocuments, 0, true)
	assert.Equal(t, 2, docs.Counts[timeline.FilterDocuments])

	var noteID string
	for _, ev := range e.Snapshot().Events {
		if ev.Category == activity.CategoryNote {
			noteID = ev.ID
		}
	}
	_, err = e.DocumentLink(ctx, noteID)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.DocumentLink(ctx, "document:missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInlineNotesUsedOnlyWithoutNoteRecords(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", map[string]any{
		recordstore.FieldInlineNotes: "Client prefers mornings",
	})

	e, _, _ := newTestEngine(t, store, p.ID)
	require.NoError(t, e.Refresh(ctx))
	notes := notesOf(e.Snapshot().Events)
	require.Len(t, notes, 1)
	assert.Equal(t, "Client prefers mornings", notes[0].Description)

	mustCreate(t, store, recordstore.KindNote, p.ID, map[string]any{activity.FieldBody: "Measured the walls"})
	require.NoError(t, e.Refresh(ctx))
	notes = notesOf(e.Snapshot().Events)
	require.Len(t, notes, 1)
	assert.Equal(t, "Measured the walls", notes[0].Description)
}

func notesOf(events []activity.Event) []activity.Event {
	var out []activity.Event
	for _, ev := range events {
		if ev.Category == activity.CategoryNote {
			out = append(out, ev)
		}
	}
	return out
}

func TestRefreshPublishesUpdates(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", nil)

	e, _, _ := newTestEngine(t, store, p.ID)
	sub, _, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, e.Refresh(ctx))
	select {
	case update := <-sub.Updates():
		assert.Equal(t, liveupdates.ReasonRefresh, update.Reason)
		assert.Equal(t, e.Snapshot().Seq, update.Seq)
	case <-time.After(time.Second):
		t.Fatalf("expected an update after refresh")
	}
}

func TestRegistryOpensOneEnginePerProject(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	p := mustCreate(t, store, recordstore.KindProject, "", nil)

	registry := NewRegistry(testDeps(store, clock.NewFakeClock(testNow), notify.NoOpDispatcher{}))
	first, err := registry.Open(ctx, p.ID)
	require.NoError(t, err)
	second, err := registry.Open(ctx, p.ID)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = registry.Open(ctx, "999")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, registry.Len())

	registry.CloseAll()
	assert.True(t, first.Closed())
	assert.Equal(t, 0, registry.Len())
}
