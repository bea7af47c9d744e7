package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record field names shared by the record store and the reconciler.
const (
	FieldTitle       = "title"
	FieldAmount      = "amount"
	FieldStatus      = "status"
	FieldInvoicePaid = "invoice_paid"
	FieldCreatedAt   = "created_at"
	FieldValidatedAt = "validated_at"
	FieldFileName    = "file_name"
	FieldFilePath    = "file_path"
	FieldKind        = "kind"
	FieldMethod      = "method"
	FieldDate        = "date"
	FieldNotes       = "notes"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseAmount reads a money amount out of a loosely typed field value.
// Strings may carry currency symbols, spaces as thousands separators and a
// decimal comma. A missing or unreadable value returns ErrInvalidAmount.
func ParseAmount(value any) (decimal.Decimal, error) {
	switch typed := value.(type) {
	case nil:
		return decimal.Zero, ErrInvalidAmount
	case decimal.Decimal:
		return typed, nil
	case *decimal.Decimal:
		if typed == nil {
			return decimal.Zero, ErrInvalidAmount
		}
		return *typed, nil
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return decimal.Zero, ErrInvalidAmount
		}
		return decimal.NewFromFloat(typed), nil
	case float32:
		f := float64(typed)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, ErrInvalidAmount
		}
		return decimal.NewFromFloat32(typed), nil
	case int:
		return decimal.NewFromInt(int64(typed)), nil
	case int32:
		return decimal.NewFromInt(int64(typed)), nil
	case int64:
		return decimal.NewFromInt(typed), nil
	case json.Number:
		return parseAmountString(typed.String())
	case string:
		return parseAmountString(typed)
	default:
		return decimal.Zero, ErrInvalidAmount
	}
}

func parseAmountString(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, raw)
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, ErrInvalidAmount
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(cleaned, ",") == 1 && len(cleaned)-lastComma-1 <= 2 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return amount, nil
}

// ParseDate reads a timestamp out of a loosely typed field value.
func ParseDate(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, false
		}
		return typed, true
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return time.Time{}, false
		}
		return *typed, true
	case string:
		raw := strings.TrimSpace(typed)
		if raw == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case int64:
		return time.Unix(typed, 0).UTC(), typed > 0
	case float64:
		if typed <= 0 || math.IsNaN(typed) || math.IsInf(typed, 0) {
			return time.Time{}, false
		}
		return time.Unix(int64(typed), 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func readString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	switch typed := fields[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return ""
	}
}

func readBool(fields map[string]any, key string) bool {
	if fields == nil {
		return false
	}
	switch typed := fields[key].(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case int64:
		return typed != 0
	default:
		return false
	}
}

// QuoteFromFields decodes a stored quote record.
func QuoteFromFields(id string, fields map[string]any) (Quote, error) {
	if strings.TrimSpace(id) == "" {
		return Quote{}, ErrMissingIdentifier
	}
	amount, err := ParseAmount(fields[FieldAmount])
	if err != nil {
		return Quote{}, err
	}
	if amount.IsNegative() {
		return Quote{}, ErrInvalidAmount
	}

	status := QuoteStatus(strings.ToLower(readString(fields, FieldStatus)))
	if status == "" {
		status = QuoteStatusPending
	}
	if !status.Valid() {
		return Quote{}, ErrInvalidStatus
	}

	quote := Quote{
		ID:       id,
		Title:    readString(fields, FieldTitle),
		FileName: readString(fields, FieldFileName),
		FilePath: readString(fields, FieldFilePath),
		Amount:   amount,
		Status:   status,
	}
	if created, ok := ParseDate(fields[FieldCreatedAt]); ok {
		quote.CreatedAt = created.UTC()
	}
	if validated, ok := ParseDate(fields[FieldValidatedAt]); ok {
		stamped := validated.UTC()
		quote.ValidatedAt = &stamped
	}
	// A paid flag on a non-accepted quote is stale data and is ignored.
	quote.InvoicePaid = status == QuoteStatusAccepted && readBool(fields, FieldInvoicePaid)
	return quote, nil
}

// Fields encodes q into record fields.
func (q Quote) Fields() map[string]any {
	fields := map[string]any{
		FieldAmount:      q.Amount.String(),
		FieldStatus:      string(q.Status),
		FieldInvoicePaid: q.InvoicePaid,
		FieldValidatedAt: nil,
	}
	if q.Title != "" {
		fields[FieldTitle] = q.Title
	}
	if q.FileName != "" {
		fields[FieldFileName] = q.FileName
	}
	if q.FilePath != "" {
		fields[FieldFilePath] = q.FilePath
	}
	if !q.CreatedAt.IsZero() {
		fields[FieldCreatedAt] = q.CreatedAt.UTC().Format(time.RFC3339)
	}
	if q.ValidatedAt != nil {
		fields[FieldValidatedAt] = q.ValidatedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// PaymentFromFields decodes a stored payment record.
func PaymentFromFields(id string, fields map[string]any) (Payment, error) {
	if strings.TrimSpace(id) == "" {
		return Payment{}, ErrMissingIdentifier
	}
	amount, err := ParseAmount(fields[FieldAmount])
	if err != nil {
		return Payment{}, err
	}
	if !amount.IsPositive() {
		return Payment{}, ErrInvalidAmount
	}
	kind := PaymentKind(strings.ToLower(readString(fields, FieldKind)))
	switch kind {
	case "":
		kind = PaymentKindRegular
	case PaymentKindDeposit, PaymentKindRegular:
	default:
		return Payment{}, ErrInvalidKind
	}

	payment := Payment{
		ID:     id,
		Amount: amount,
		Kind:   kind,
		Method: readString(fields, FieldMethod),
	}
	if date, ok := ParseDate(fields[FieldDate]); ok {
		payment.Date = date.UTC()
	}
	if notes := readString(fields, FieldNotes); notes != "" {
		payment.Notes = &notes
	}
	return payment, nil
}

// Fields encodes p into record fields.
func (p Payment) Fields() map[string]any {
	fields := map[string]any{
		FieldAmount: p.Amount.String(),
		FieldKind:   string(p.Kind),
	}
	if p.Method != "" {
		fields[FieldMethod] = p.Method
	}
	if !p.Date.IsZero() {
		fields[FieldDate] = p.Date.UTC().Format(time.RFC3339)
	}
	if p.Notes != nil {
		fields[FieldNotes] = *p.Notes
	}
	return fields
}
