package service

import (
	"sort"

	"github.com/shopspring/decimal"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	Log *zap.Logger
}

type Reconciler struct {
	log *zap.Logger
}

func NewService(p Params) finance.Reconciler {
	return New(p.Log)
}

func New(log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{log: log.Named("finance.reconciler")}
}

func (r *Reconciler) Summarize(quotes []finance.Quote, payments []finance.Payment) finance.FinancialSummary {
	summary := finance.FinancialSummary{
		TotalAccepted:         decimal.Zero,
		TotalPaidQuotes:       decimal.Zero,
		TotalPaymentsRecorded: decimal.Zero,
		RemainingAmount:       decimal.Zero,
	}

	for _, quote := range quotes {
		if quote.Status != finance.QuoteStatusAccepted {
			continue
		}
		summary.TotalAccepted = summary.TotalAccepted.Add(quote.Amount)
		if quote.InvoicePaid {
			summary.TotalPaidQuotes = summary.TotalPaidQuotes.Add(quote.Amount)
		}
	}
	for _, payment := range payments {
		summary.TotalPaymentsRecorded = summary.TotalPaymentsRecorded.Add(payment.Amount)
	}

	summary.RemainingAmount = summary.TotalAccepted.Sub(summary.TotalPaidQuotes)
	if summary.TotalAccepted.IsPositive() {
		summary.ProgressPercent = summary.TotalPaidQuotes.
			Mul(hundred).
			Div(summary.TotalAccepted).
			Round(0).
			IntPart()
	}
	return summary
}

// EvaluateQuotePaid reports progression to invoice_settled once every
// accepted quote is paid.
func (r *Reconciler) EvaluateQuotePaid(quotes []finance.Quote, current finance.Stage) finance.StageSignal {
	accepted := 0
	for _, quote := range quotes {
		if quote.Status != finance.QuoteStatusAccepted {
			continue
		}
		accepted++
		if !quote.InvoicePaid {
			return finance.StageSignal{}
		}
	}
	if accepted == 0 || current == finance.StageInvoiceSettled {
		return finance.StageSignal{}
	}

	r.log.Debug("all accepted quotes paid",
		zap.Int("accepted_quotes", accepted),
		zap.String("from_stage", string(current)),
	)
	return finance.StageSignal{
		Progressed:    true,
		NewStage:      finance.StageInvoiceSettled,
		PreviousStage: current,
	}
}

// EvaluatePaymentRecorded advances an early project to deposit_received
// when recorded is its initial deposit. payments includes recorded.
func (r *Reconciler) EvaluatePaymentRecorded(payments []finance.Payment, recorded finance.Payment, current finance.Stage) finance.StageSignal {
	if !recorded.IsDeposit() {
		return finance.StageSignal{}
	}
	initial, ok := r.InitialDeposit(payments)
	if !ok || initial.ID != recorded.ID {
		return finance.StageSignal{}
	}
	if !current.Before(finance.StageDepositReceived) {
		return finance.StageSignal{}
	}
	return finance.StageSignal{
		Progressed:    true,
		NewStage:      finance.StageDepositReceived,
		PreviousStage: current,
	}
}

// EvaluatePaymentDeleted reverts the stage to preDeposit when deleted was
// the initial deposit and no other deposit remains. before is the payment
// set prior to the deletion. Intervening stage changes are not replayed.
func (r *Reconciler) EvaluatePaymentDeleted(before []finance.Payment, deleted finance.Payment, current, preDeposit finance.Stage) finance.StageSignal {
	initial, ok := r.InitialDeposit(before)
	if !ok || initial.ID != deleted.ID {
		return finance.StageSignal{}
	}
	for _, payment := range before {
		if payment.ID != deleted.ID && payment.IsDeposit() {
			return finance.StageSignal{}
		}
	}

	target := preDeposit
	if !target.Valid() || !target.Before(finance.StageDepositReceived) {
		target = finance.StageQuoteSent
	}
	if target == current {
		return finance.StageSignal{}
	}

	r.log.Debug("initial deposit removed",
		zap.String("payment_id", deleted.ID),
		zap.String("from_stage", string(current)),
		zap.String("to_stage", string(target)),
	)
	return finance.StageSignal{
		Reverted:      true,
		NewStage:      target,
		PreviousStage: current,
	}
}

// InitialDeposit returns the earliest deposit by date, then id.
func (r *Reconciler) InitialDeposit(payments []finance.Payment) (finance.Payment, bool) {
	deposits := make([]finance.Payment, 0, len(payments))
	for _, payment := range payments {
		if payment.IsDeposit() {
			deposits = append(deposits, payment)
		}
	}
	if len(deposits) == 0 {
		return finance.Payment{}, false
	}
	sort.SliceStable(deposits, func(i, j int) bool {
		if !deposits[i].Date.Equal(deposits[j].Date) {
			return deposits[i].Date.Before(deposits[j].Date)
		}
		return deposits[i].ID < deposits[j].ID
	})
	return deposits[0], true
}
