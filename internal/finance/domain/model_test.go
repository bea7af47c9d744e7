package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteStatusTransitions(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	q := Quote{ID: "q1", Amount: decimal.NewFromInt(100), Status: QuoteStatusPending}

	accepted, err := q.WithStatus(QuoteStatusAccepted, now)
	require.NoError(t, err)
	require.NotNil(t, accepted.ValidatedAt)
	assert.True(t, accepted.ValidatedAt.Equal(now))

	paid, err := accepted.WithInvoicePaid(true)
	require.NoError(t, err)
	assert.True(t, paid.InvoicePaid)

	refused, err := paid.WithStatus(QuoteStatusRefused, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, refused.InvoicePaid)
	assert.True(t, refused.ValidatedAt.Equal(now.Add(time.Hour)))

	pending, err := refused.WithStatus(QuoteStatusPending, now)
	require.NoError(t, err)
	assert.Nil(t, pending.ValidatedAt)

	if !paid.InvoicePaid {
		t.Fatalf("expected original value to stay untouched")
	}
}

func TestQuoteCannotBePaidUnlessAccepted(t *testing.T) {
	q := Quote{ID: "q1", Status: QuoteStatusRefused}
	_, err := q.WithInvoicePaid(true)
	if !errors.Is(err, ErrQuoteNotAccepted) {
		t.Fatalf("expected ErrQuoteNotAccepted, got %v", err)
	}

	unpaid, err := q.WithInvoicePaid(false)
	require.NoError(t, err)
	assert.False(t, unpaid.InvoicePaid)

	_, err = q.WithStatus("archived", time.Now())
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
	}{
		{name: "float", input: 12.5, want: "12.5"},
		{name: "int", input: 10000, want: "10000"},
		{name: "json number", input: json.Number("42.10"), want: "42.1"},
		{name: "plain string", input: "1500.25", want: "1500.25"},
		{name: "french format", input: "1 234,56 €", want: "1234.56"},
		{name: "thousands comma", input: "1,234", want: "1234"},
		{name: "mixed separators", input: "1.234,5", want: "1234.5"},
		{name: "english grouping", input: "$2,500.75", want: "2500.75"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAmount(tc.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s", got)
		})
	}

	for _, bad := range []any{nil, "", "n/a", true, []string{"1"}} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %v", bad)
	}
}

func TestParseDate(t *testing.T) {
	got, ok := ParseDate("2026-05-01T08:15:00Z")
	require.True(t, ok)
	assert.Equal(t, 8, got.Hour())

	got, ok = ParseDate("2026-05-01")
	require.True(t, ok)
	assert.Equal(t, time.May, got.Month())

	_, ok = ParseDate("yesterday")
	assert.False(t, ok)
	_, ok = ParseDate(nil)
	assert.False(t, ok)
}

func TestQuoteFieldsRoundTripKeepsInvariant(t *testing.T) {
	validated := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	q := Quote{
		ID:          "q1",
		Title:       "Kitchen",
		FileName:    "devis.pdf",
		Amount:      decimal.RequireFromString("1000.50"),
		Status:      QuoteStatusAccepted,
		InvoicePaid: true,
		ValidatedAt: &validated,
	}
	decoded, err := QuoteFromFields("q1", q.Fields())
	require.NoError(t, err)
	assert.True(t, decoded.Amount.Equal(q.Amount))
	assert.True(t, decoded.InvoicePaid)
	assert.Equal(t, "devis.pdf", decoded.FileName)

	stale, err := QuoteFromFields("q2", map[string]any{
		FieldAmount:      "10",
		FieldStatus:      "refused",
		FieldInvoicePaid: true,
	})
	require.NoError(t, err)
	assert.False(t, stale.InvoicePaid)

	_, err = QuoteFromFields("q3", map[string]any{FieldStatus: "accepted"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPaymentFromFields(t *testing.T) {
	p, err := PaymentFromFields("p1", map[string]any{
		FieldAmount: "250",
		FieldKind:   "deposit",
		FieldDate:   "2026-02-10",
		FieldNotes:  "acompte",
	})
	require.NoError(t, err)
	assert.True(t, p.IsDeposit())
	require.NotNil(t, p.Notes)
	assert.Equal(t, "acompte", *p.Notes)

	_, err = PaymentFromFields("p2", map[string]any{FieldAmount: "0"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = PaymentFromFields("p3", map[string]any{FieldAmount: "5", FieldKind: "refund"})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestStageOrdering(t *testing.T) {
	assert.True(t, StageQuoteSent.Before(StageDepositReceived))
	assert.False(t, StageInvoiceSettled.Before(StageInProgress))

	stage, err := ParseStage(" Deposit_Received ")
	require.NoError(t, err)
	assert.Equal(t, StageDepositReceived, stage)

	_, err = ParseStage("archived")
	assert.ErrorIs(t, err, ErrInvalidStage)
}
