package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidStatus     = errors.New("invalid_quote_status")
	ErrInvalidKind       = errors.New("invalid_payment_kind")
	ErrInvalidStage      = errors.New("invalid_stage")
	ErrQuoteNotAccepted  = errors.New("quote_not_accepted")
	ErrMissingIdentifier = errors.New("missing_identifier")
)

type QuoteStatus string

const (
	QuoteStatusPending  QuoteStatus = "pending"
	QuoteStatusAccepted QuoteStatus = "accepted"
	QuoteStatusRefused  QuoteStatus = "refused"
)

func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusPending, QuoteStatusAccepted, QuoteStatusRefused:
		return true
	default:
		return false
	}
}

// Quote is a priced proposal attached to a project. InvoicePaid can only
// be true while Status is accepted.
type Quote struct {
	ID          string
	Title       string
	FileName    string
	FilePath    string
	Amount      decimal.Decimal
	Status      QuoteStatus
	InvoicePaid bool
	CreatedAt   time.Time
	ValidatedAt *time.Time
}

// WithStatus returns a copy of q moved to status. Entering accepted or
// refused stamps ValidatedAt, returning to pending clears it, and leaving
// accepted resets InvoicePaid.
func (q Quote) WithStatus(status QuoteStatus, now time.Time) (Quote, error) {
	if !status.Valid() {
		return q, ErrInvalidStatus
	}
	if q.Status == status {
		return q, nil
	}
	next := q
	if q.Status == QuoteStatusAccepted {
		next.InvoicePaid = false
	}
	next.Status = status
	switch status {
	case QuoteStatusAccepted, QuoteStatusRefused:
		stamped := now.UTC()
		next.ValidatedAt = &stamped
	case QuoteStatusPending:
		next.ValidatedAt = nil
	}
	return next, nil
}

// WithInvoicePaid returns a copy of q with the paid flag set. Only an
// accepted quote can be marked paid.
func (q Quote) WithInvoicePaid(paid bool) (Quote, error) {
	if paid && q.Status != QuoteStatusAccepted {
		return q, ErrQuoteNotAccepted
	}
	next := q
	next.InvoicePaid = paid
	return next, nil
}

func (q Quote) WithAmount(amount decimal.Decimal) (Quote, error) {
	if amount.IsNegative() {
		return q, ErrInvalidAmount
	}
	next := q
	next.Amount = amount
	return next, nil
}

type PaymentKind string

const (
	PaymentKindDeposit PaymentKind = "deposit"
	PaymentKindRegular PaymentKind = "regular"
)

type Payment struct {
	ID     string          `validate:"required"`
	Amount decimal.Decimal `validate:"-"`
	Kind   PaymentKind     `validate:"required,oneof=deposit regular"`
	Method string          `validate:"omitempty,max=64"`
	Date   time.Time       `validate:"required"`
	Notes  *string         `validate:"omitempty"`
}

func (p Payment) IsDeposit() bool {
	return p.Kind == PaymentKindDeposit
}

// FinancialSummary is derived from the quote and payment sets on every
// pass and never stored.
type FinancialSummary struct {
	TotalAccepted         decimal.Decimal `json:"total_accepted"`
	TotalPaidQuotes       decimal.Decimal `json:"total_paid_quotes"`
	TotalPaymentsRecorded decimal.Decimal `json:"total_payments_recorded"`
	ProgressPercent       int64           `json:"progress_percent"`
	RemainingAmount       decimal.Decimal `json:"remaining_amount"`
}

// StageSignal reports a stage change implied by a quote or payment change.
type StageSignal struct {
	Progressed bool
	Reverted   bool
	NewStage   Stage
	// PreviousStage is set when a deposit advance must remember the stage
	// it moved away from.
	PreviousStage Stage
}

func (s StageSignal) Changed() bool {
	return s.Progressed || s.Reverted
}

// Reconciler derives the financial summary and the stage changes implied
// by quote and payment changes.
type Reconciler interface {
	Summarize(quotes []Quote, payments []Payment) FinancialSummary
	EvaluateQuotePaid(quotes []Quote, current Stage) StageSignal
	EvaluatePaymentRecorded(payments []Payment, recorded Payment, current Stage) StageSignal
	EvaluatePaymentDeleted(before []Payment, deleted Payment, current, preDeposit Stage) StageSignal
	InitialDeposit(payments []Payment) (Payment, bool)
}
