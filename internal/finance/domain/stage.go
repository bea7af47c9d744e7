package domain

import "strings"

type Stage string

const (
	StageNew             Stage = "new"
	StageContacted       Stage = "contacted"
	StageQuoteSent       Stage = "quote_sent"
	StageDepositReceived Stage = "deposit_received"
	StageInProgress      Stage = "in_progress"
	StageInvoiceSettled  Stage = "invoice_settled"
)

var stageOrder = []Stage{
	StageNew,
	StageContacted,
	StageQuoteSent,
	StageDepositReceived,
	StageInProgress,
	StageInvoiceSettled,
}

// Rank returns the position of s in the project lifecycle, or -1.
func (s Stage) Rank() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s.Rank() >= 0
}

func (s Stage) Before(other Stage) bool {
	return s.Rank() < other.Rank()
}

func ParseStage(raw string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if stage == "" {
		return StageNew, nil
	}
	if !stage.Valid() {
		return "", ErrInvalidStage
	}
	return stage, nil
}
