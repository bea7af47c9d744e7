package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
)

var (
	ErrInvalidAction  = errors.New("invalid_action")
	ErrEngineClosed   = errors.New("engine_closed")
	ErrStalePass      = errors.New("stale_pass")
	ErrNoFile         = errors.New("no_file_attached")
	ErrMissingProject = errors.New("missing_project_id")
)

type QuoteActionType string

const (
	QuoteAccept     QuoteActionType = "accept"
	QuoteRefuse     QuoteActionType = "refuse"
	QuotePend       QuoteActionType = "pend"
	QuoteMarkPaid   QuoteActionType = "mark_paid"
	QuoteMarkUnpaid QuoteActionType = "mark_unpaid"
	QuoteSetAmount  QuoteActionType = "set_amount"
)

func ParseQuoteActionType(raw string) (QuoteActionType, error) {
	action := QuoteActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case QuoteAccept, QuoteRefuse, QuotePend, QuoteMarkPaid, QuoteMarkUnpaid, QuoteSetAmount:
		return action, nil
	}
	return "", ErrInvalidAction
}

type QuoteAction struct {
	Type QuoteActionType
	// Amount is read by QuoteSetAmount only.
	Amount decimal.Decimal
}

// TargetStatus returns the status an action moves the quote to, if any.
func (a QuoteAction) TargetStatus() (finance.QuoteStatus, bool) {
	switch a.Type {
	case QuoteAccept:
		return finance.QuoteStatusAccepted, true
	case QuoteRefuse:
		return finance.QuoteStatusRefused, true
	case QuotePend:
		return finance.QuoteStatusPending, true
	}
	return "", false
}

type PaymentActionType string

const (
	PaymentAdd    PaymentActionType = "add"
	PaymentEdit   PaymentActionType = "edit"
	PaymentDelete PaymentActionType = "delete"
)

// PaymentInput carries the payment fields a caller sets. Nil fields are
// left unchanged on edit.
type PaymentInput struct {
	Amount *decimal.Decimal     `json:"amount,omitempty"`
	Kind   *finance.PaymentKind `json:"kind,omitempty"`
	Method *string              `json:"method,omitempty"`
	Date   *time.Time           `json:"date,omitempty"`
	Notes  *string              `json:"notes,omitempty"`
}

// Apply overlays the set fields of in onto p.
func (in PaymentInput) Apply(p finance.Payment) finance.Payment {
	if in.Amount != nil {
		p.Amount = *in.Amount
	}
	if in.Kind != nil {
		p.Kind = finance.PaymentKind(strings.ToLower(string(*in.Kind)))
	}
	if in.Method != nil {
		p.Method = strings.TrimSpace(*in.Method)
	}
	if in.Date != nil {
		p.Date = in.Date.UTC()
	}
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		if notes == "" {
			p.Notes = nil
		} else {
			p.Notes = &notes
		}
	}
	return p
}

type PaymentAction struct {
	Type  PaymentActionType
	Input PaymentInput
}
