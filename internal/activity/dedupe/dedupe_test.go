package dedupe

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newNormalizer() *normalize.Normalizer {
	return normalize.New(nil, clock.NewFakeClock(base), zap.NewNop())
}

func TestScenarioSameFileFromThreeSourcesCollapses(t *testing.T) {
	events, drops := newNormalizer().NormalizeAll([]activity.RawRecord{
		{SourceType: activity.SourceStatus, ID: "s1", Fields: map[string]any{
			activity.FieldDescription: "Document attached: contract.pdf",
			activity.FieldAuthor:      "system",
			activity.FieldDate:        base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceDocument, ID: "d1", Fields: map[string]any{
			activity.FieldFileName: "contract.pdf",
			activity.FieldFilePath: "projects/42/contract.pdf",
			activity.FieldDate:     base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceDocument, ID: "quote-q1", Fields: map[string]any{
			activity.FieldFileName: "contract.pdf",
			activity.FieldOrigin:   string(activity.OriginQuote),
			activity.FieldQuoteID:  "q1",
			activity.FieldDate:     base.Add(-time.Hour).Format(time.RFC3339),
		}},
	})
	require.Empty(t, drops)
	require.Len(t, events, 3)

	out := Dedupe(events)
	require.Len(t, out, 1)
	assert.Equal(t, activity.CategoryDocument, out[0].Category)
	assert.Equal(t, "d1", out[0].SourceID)

	meta, ok := out[0].Document()
	require.True(t, ok)
	assert.Equal(t, "projects/42/contract.pdf", meta.FilePath)
}

func TestDedupeIsIdempotent(t *testing.T) {
	events, _ := newNormalizer().NormalizeAll([]activity.RawRecord{
		{SourceType: activity.SourcePayment, ID: "p1", Fields: map[string]any{
			activity.FieldAmount: "500", activity.FieldMethod: "transfer", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s1", Fields: map[string]any{
			activity.FieldDescription: "Payment of 500 € recorded", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s2", Fields: map[string]any{
			activity.FieldPaymentID: "p1", activity.FieldAmount: 500, activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceNote, ID: "n1", Fields: map[string]any{
			activity.FieldTitle: "Call back", activity.FieldBody: "Client asked for a call", activity.FieldAuthor: "Marie",
			activity.FieldDate: base.Add(10 * time.Second).Format(time.RFC3339),
		}},
		{SourceType: activity.SourceNote, ID: "n2", Fields: map[string]any{
			activity.FieldTitle: "call back ", activity.FieldBody: "Client asked for a call", activity.FieldAuthor: "marie",
			activity.FieldDate: base.Add(40 * time.Second).Format(time.RFC3339),
		}},
		{SourceType: activity.SourceTask, ID: "t1", Fields: map[string]any{
			activity.FieldTitle: "Order tiles", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s3", Fields: map[string]any{
			activity.FieldTitle: "Status changed to in_progress", activity.FieldAuthor: "system",
			activity.FieldDate: base.Format(time.RFC3339),
		}},
	})

	once := Dedupe(events)
	twice := Dedupe(once)
	assert.Equal(t, once, twice)

	ids := make([]string, 0, len(once))
	for _, e := range once {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"payment:p1", "note:n1", "task:t1", "status:s3"}, ids)
}

func TestContentKeySkipsFinancialCategories(t *testing.T) {
	a := activity.Event{ID: "payment:1", SourceType: activity.SourcePayment, Category: activity.CategoryPayment, SourceID: "1",
		Title: "Payment recorded", OccurredAt: base, Metadata: activity.PaymentMeta{PaymentID: "1", Amount: decimal.NewFromInt(10)}}
	b := activity.Event{ID: "payment:2", SourceType: activity.SourcePayment, Category: activity.CategoryPayment, SourceID: "2", Ordinal: 1,
		Title: "Payment recorded", OccurredAt: base, Metadata: activity.PaymentMeta{PaymentID: "2", Amount: decimal.NewFromInt(10)}}

	_, ok := ContentKey(a)
	assert.False(t, ok)
	assert.Len(t, Dedupe([]activity.Event{a, b}), 2)
}

func TestWinnerFallsBackToRichnessThenOrdinal(t *testing.T) {
	sparse := activity.Event{ID: "document:a", SourceType: activity.SourceDocument, Category: activity.CategoryDocument, SourceID: "a",
		Metadata: activity.DocumentMeta{DocumentID: "a", FileName: "Plan Étage.PDF", Origin: activity.OriginQuote, QuoteID: "q1"}}
	rich := activity.Event{ID: "document:b", SourceType: activity.SourceDocument, Category: activity.CategoryDocument, SourceID: "b", Ordinal: 1,
		Metadata: activity.DocumentMeta{DocumentID: "b", FileName: "plan etage.pdf", FilePath: "x/plan.pdf", Origin: activity.OriginQuote, QuoteID: "q2"}}

	out := Dedupe([]activity.Event{sparse, rich})
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].SourceID)

	twin := sparse
	twin.ID = "document:c"
	twin.SourceID = "c"
	twin.Ordinal = 2
	out = Dedupe([]activity.Event{twin, sparse})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].SourceID)
}

func TestListedDocumentsWithSameNameStayDistinct(t *testing.T) {
	events, drops := newNormalizer().NormalizeAll([]activity.RawRecord{
		{SourceType: activity.SourceDocument, ID: "d1", Fields: map[string]any{
			activity.FieldFileName: "photo.jpg", activity.FieldFilePath: "projects/42/uploads/1/photo.jpg",
			activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceDocument, ID: "d2", Fields: map[string]any{
			activity.FieldFileName: "photo.jpg", activity.FieldFilePath: "projects/42/uploads/2/photo.jpg",
			activity.FieldDate: base.Add(time.Minute).Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s1", Fields: map[string]any{
			activity.FieldDescription: "Document attached: photo.jpg", activity.FieldDate: base.Format(time.RFC3339),
		}},
	})
	require.Empty(t, drops)

	out := Dedupe(events)
	require.Len(t, out, 2)
	assert.Equal(t, "d1", out[0].SourceID)
	assert.Equal(t, "d2", out[1].SourceID)
	assert.Equal(t, out, Dedupe(out))
}

func TestStatusMentioningAnotherFileSurvives(t *testing.T) {
	events, _ := newNormalizer().NormalizeAll([]activity.RawRecord{
		{SourceType: activity.SourceDocument, ID: "d1", Fields: map[string]any{
			activity.FieldFileName: "plan.pdf", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s1", Fields: map[string]any{
			activity.FieldTitle: "Client reviewed floorplan.pdf", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s2", Fields: map[string]any{
			activity.FieldTitle: "Client reviewed plan.pdf", activity.FieldDate: base.Format(time.RFC3339),
		}},
	})

	out := Dedupe(events)
	ids := make([]string, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"document:d1", "status:s1"}, ids)
}

func TestStatusAmountsMustBeMoneyMatchingAPayment(t *testing.T) {
	events, drops := newNormalizer().NormalizeAll([]activity.RawRecord{
		{SourceType: activity.SourcePayment, ID: "p1", Fields: map[string]any{
			activity.FieldAmount: "2", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourcePayment, ID: "p2", Fields: map[string]any{
			activity.FieldAmount: "1500", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s1", Fields: map[string]any{
			activity.FieldTitle: "Phase 2 started", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s2", Fields: map[string]any{
			activity.FieldTitle: "Deposit of 300 € received", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s3", Fields: map[string]any{
			activity.FieldTitle: "Payment of €1,500.00 recorded", activity.FieldDate: base.Format(time.RFC3339),
		}},
		{SourceType: activity.SourceStatus, ID: "s4", Fields: map[string]any{
			activity.FieldTitle: "Balance 1 500,00 EUR received", activity.FieldDate: base.Format(time.RFC3339),
		}},
	})
	require.Empty(t, drops)

	out := Dedupe(events)
	ids := make([]string, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"payment:p1", "payment:p2", "status:s1", "status:s2"}, ids)
}

func TestDedupeEmpty(t *testing.T) {
	out := Dedupe(nil)
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty slice, got %#v", out)
	}
}
