package service

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/worksite/internal/apperr"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
)

var validate = validator.New()

// ValidatePayment checks a payment before it is written.
func ValidatePayment(p finance.Payment) error {
	if !p.Amount.IsPositive() {
		return apperr.Validation("amount", "invalid_amount", "amount must be greater than zero")
	}
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Validation(toSnake(fe.Field()), fe.Tag(), fe.Field()+" failed "+fe.Tag())
		}
		return apperr.Validation("", "invalid_payment", err.Error())
	}
	return nil
}

// ValidateQuoteAmount rejects negative quote amounts.
func ValidateQuoteAmount(q finance.Quote) error {
	if q.Amount.IsNegative() {
		return apperr.Validation("amount", "invalid_amount", "amount cannot be negative")
	}
	return nil
}

// AsValidation maps finance domain errors to validation errors. Errors
// that already carry a taxonomy kind pass through.
func AsValidation(err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.Kind(err) != "internal":
		return err
	case errors.Is(err, finance.ErrInvalidAmount):
		return apperr.Validation(finance.FieldAmount, err.Error(), "amount is missing or invalid")
	case errors.Is(err, finance.ErrInvalidStatus):
		return apperr.Validation(finance.FieldStatus, err.Error(), "unknown quote status")
	case errors.Is(err, finance.ErrQuoteNotAccepted):
		return apperr.Validation(finance.FieldInvoicePaid, err.Error(), "only an accepted quote can be marked paid")
	case errors.Is(err, finance.ErrInvalidKind):
		return apperr.Validation(finance.FieldKind, err.Error(), "payment kind must be deposit or regular")
	case errors.Is(err, finance.ErrInvalidStage):
		return apperr.Validation("stage", err.Error(), "unknown project stage")
	default:
		return apperr.Validation("", err.Error(), err.Error())
	}
}

func toSnake(field string) string {
	out := make([]rune, 0, len(field)+4)
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
