package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/clock"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	financeservice "github.com/smallbiznis/worksite/internal/finance/service"
	"github.com/smallbiznis/worksite/internal/mutation"
	"github.com/smallbiznis/worksite/internal/observability"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	projectservice "github.com/smallbiznis/worksite/internal/project/service"
	"github.com/smallbiznis/worksite/internal/providers/files"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	"github.com/smallbiznis/worksite/internal/recordstore/httpstore"
	"github.com/smallbiznis/worksite/internal/recordstore/repository"
	recordservice "github.com/smallbiznis/worksite/internal/recordstore/service"
	timelineservice "github.com/smallbiznis/worksite/internal/timeline/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type testServer struct {
	srv      *Server
	store    *recordservice.Store
	registry *projectservice.Registry
	hub      *liveupdates.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(testNow)
	reconciler := financeservice.New(log)

	store := recordservice.NewStore(recordservice.Params{
		DB:         db,
		Node:       node,
		Repo:       repository.Provide(),
		Reconciler: reconciler,
		Clock:      clk,
		Log:        log,
	})
	hub := liveupdates.NewHub()
	registry := projectservice.NewRegistry(projectservice.Deps{
		Store:       store,
		Normalizer:  normalize.New(nil, clk, log),
		Aggregator:  timelineservice.New(nil, clk),
		Reconciler:  reconciler,
		Coordinator: mutation.New(mutation.NewLocalGuard(), nil, clk, log),
		Files:       files.NewStatic("https://files.example.com"),
		Notifier:    notify.NoOpDispatcher{},
		Hub:         hub,
		Clock:       clk,
		Location:    time.UTC,
		Log:         log,
	})
	t.Cleanup(registry.CloseAll)

	engine := NewEngine(observability.Config{Environment: "test"}, log)
	srv := New(engine, registry, store, hub, log)
	srv.RegisterRoutes()
	return &testServer{srv: srv, store: store, registry: registry, hub: hub}
}

func (ts *testServer) create(t *testing.T, kind recordstore.Kind, parentID string, fields map[string]any) recordstore.Record {
	t.Helper()
	r, err := ts.store.Create(context.Background(), kind, parentID, fields)
	require.NoError(t, err)
	return r
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func errorOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error payload, got %v", body)
	return payload
}

func TestTimelineAndSummary(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", map[string]any{
		recordstore.FieldName:  "Martin bathroom",
		recordstore.FieldStage: string(finance.StageQuoteSent),
	})
	ts.create(t, recordstore.KindQuote, p.ID, map[string]any{
		finance.FieldTitle:  "Bathroom",
		finance.FieldAmount: "10000",
		finance.FieldStatus: "accepted",
	})
	ts.create(t, recordstore.KindPayment, p.ID, map[string]any{
		finance.FieldAmount: "2500",
		finance.FieldKind:   "regular",
	})

	rec, body := ts.do(t, http.MethodGet, "/projects/"+p.ID+"/timeline?filter=opportunities&tz=Europe/Paris", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	feed := body["feed"].(map[string]any)
	assert.Equal(t, "opportunities", feed["filter"])
	counts := feed["counts"].(map[string]any)
	assert.Equal(t, float64(1), counts["opportunities"])
	assert.Equal(t, float64(1), counts["payments"])

	rec, body = ts.do(t, http.MethodGet, "/projects/"+p.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, "10000", summary["total_accepted"])
	assert.Equal(t, "2500", summary["total_payments_recorded"])
	project := body["project"].(map[string]any)
	assert.Equal(t, "Martin bathroom", project["name"])
	assert.Equal(t, 1, ts.registry.Len())
}

func TestTimelineRejectsInvalidQuery(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", nil)

	cases := map[string]string{
		"?filter=invoices": "filter",
		"?page_size=0":     "page_size",
		"?show_all=maybe":  "show_all",
		"?tz=Mars/Olympus": "tz",
	}
	for query, field := range cases {
		rec, body := ts.do(t, http.MethodGet, "/projects/"+p.ID+"/timeline"+query, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, rec.Code)
		}
		payload := errorOf(t, body)
		assert.Equal(t, "validation_error", payload["type"])
		errs := payload["errors"].([]any)
		assert.Equal(t, field, errs[0].(map[string]any)["field"], query)
	}
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/projects/999/summary", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorOf(t, body)["type"])
	assert.Equal(t, 0, ts.registry.Len())
}

func TestQuoteActionMarkPaid(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", map[string]any{
		recordstore.FieldStage: string(finance.StageQuoteSent),
	})
	quote := ts.create(t, recordstore.KindQuote, p.ID, map[string]any{
		finance.FieldAmount: "4000",
		finance.FieldStatus: "accepted",
	})

	rec, body := ts.do(t, http.MethodPost, "/projects/"+p.ID+"/quotes/"+quote.ID+"/actions/mark_paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := body["outcome"].(map[string]any)
	assert.Equal(t, "confirmed", outcome["status"])
	stage := outcome["stage"].(map[string]any)
	assert.Equal(t, true, stage["progressed"])
	assert.Equal(t, string(finance.StageQuoteSent), stage["from"])
	assert.Equal(t, string(finance.StageInvoiceSettled), stage["to"])
	assert.Equal(t, string(finance.StageInvoiceSettled), body["project"].(map[string]any)["stage"])
	assert.Equal(t, float64(100), body["summary"].(map[string]any)["progress_percent"])
}

func TestQuoteActionValidation(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", nil)
	quote := ts.create(t, recordstore.KindQuote, p.ID, map[string]any{finance.FieldAmount: "900"})

	rec, _ := ts.do(t, http.MethodPost, "/projects/"+p.ID+"/quotes/"+quote.ID+"/actions/archive", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/projects/"+p.ID+"/quotes/"+quote.ID+"/actions/set_amount", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := ts.do(t, http.MethodPost, "/projects/"+p.ID+"/quotes/"+quote.ID+"/actions/mark_paid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "rejected", body["outcome"].(map[string]any)["status"])
	assert.Equal(t, "validation_error", errorOf(t, body)["type"])

	rec, body = ts.do(t, http.MethodPost, "/projects/"+p.ID+"/quotes/"+quote.ID+"/actions/set_amount", map[string]any{"amount": "1250.50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", body["outcome"].(map[string]any)["status"])
}

func TestPaymentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", map[string]any{
		recordstore.FieldStage: string(finance.StageQuoteSent),
	})

	rec, body := ts.do(t, http.MethodPost, "/projects/"+p.ID+"/payments", map[string]any{"amount": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "rejected", body["outcome"].(map[string]any)["status"])

	rec, body = ts.do(t, http.MethodPost, "/projects/"+p.ID+"/payments", map[string]any{
		"amount": "1500",
		"kind":   "deposit",
		"method": "transfer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paymentID := body["outcome"].(map[string]any)["entity_id"].(string)
	assert.Equal(t, string(finance.StageDepositReceived), body["project"].(map[string]any)["stage"])

	rec, body = ts.do(t, http.MethodPatch, "/projects/"+p.ID+"/payments/"+paymentID, map[string]any{"amount": "1800"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1800", body["summary"].(map[string]any)["total_payments_recorded"])

	rec, body = ts.do(t, http.MethodDelete, "/projects/"+p.ID+"/payments/"+paymentID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(finance.StageQuoteSent), body["project"].(map[string]any)["stage"])

	rec, _ = ts.do(t, http.MethodDelete, "/projects/"+p.ID+"/payments/"+paymentID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentLink(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", nil)
	doc := ts.create(t, recordstore.KindDocument, p.ID, map[string]any{
		activity.FieldFileName: "plan.pdf",
		activity.FieldFilePath: "projects/plan.pdf",
	})

	rec, body := ts.do(t, http.MethodGet, "/projects/"+p.ID+"/events/document:"+doc.ID+"/link", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://files.example.com/projects/plan.pdf", body["url"])

	rec, _ = ts.do(t, http.MethodGet, "/projects/"+p.ID+"/events/missing/link", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	p := ts.create(t, recordstore.KindProject, "", nil)

	rec, body := ts.do(t, http.MethodPost, "/projects/"+p.ID+"/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["partial"])
	assert.Greater(t, body["seq"].(float64), float64(0))
}

func TestMapErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.Validation("amount", "invalid_amount", "bad"), http.StatusBadRequest},
		{apperr.NotFound("quote", "1"), http.StatusNotFound},
		{apperr.Conflict("quote:1", "busy"), http.StatusConflict},
		{apperr.Network("patch", errors.New("reset")), http.StatusBadGateway},
		{liveupdates.ErrHubUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		if status != tc.status {
			t.Fatalf("expected %d for %v, got %d", tc.status, tc.err, status)
		}
	}
}

func TestRecordRoutesServeRemoteClient(t *testing.T) {
	ts := newTestServer(t)
	remote := httptest.NewServer(ts.srv.Engine())
	defer remote.Close()

	client := httpstore.New(httpstore.Options{BaseURL: remote.URL})
	ctx := context.Background()

	rec, body := ts.do(t, http.MethodPost, "/projects", map[string]any{"fields": map[string]any{"name": "Remote"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	projectID := body["id"].(string)

	created, err := client.Create(ctx, recordstore.KindQuote, projectID, map[string]any{
		finance.FieldAmount: "700",
		finance.FieldStatus: "accepted",
	})
	require.NoError(t, err)

	list, err := client.Fetch(ctx, recordstore.KindQuote, projectID)
	require.NoError(t, err)
	require.True(t, list.Success)
	require.Len(t, list.Records, 1)
	assert.Equal(t, created.ID, list.Records[0].ID)

	patched, err := client.Patch(ctx, recordstore.KindQuote, created.ID, map[string]any{finance.FieldInvoicePaid: true})
	require.NoError(t, err)
	assert.True(t, patched.StageProgressed)
	assert.Equal(t, finance.StageInvoiceSettled, patched.NewStage)

	_, err = client.Create(ctx, recordstore.KindPayment, projectID, map[string]any{finance.FieldAmount: "0"})
	var vErr *apperr.ValidationError
	require.True(t, errors.As(err, &vErr), "expected validation error, got %v", err)
	assert.Equal(t, "amount", vErr.Field)

	_, err = client.Get(ctx, recordstore.KindPayment, "12345")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	rec, _ = ts.do(t, http.MethodGet, "/records/widget/1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
