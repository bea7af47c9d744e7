package domain

import (
	"time"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
)

// Snapshot is an immutable view of a project committed by one pass or
// one optimistic change. Callers must not modify its slices.
type Snapshot struct {
	Seq       uint64
	ProjectID string
	Project   recordstore.Project

	Quotes []finance.Quote
	// QuotesKnown is set once the quote list has been fetched.
	QuotesKnown bool
	Payments    []finance.Payment
	Summary     finance.FinancialSummary

	// Events are deduplicated and sorted newest first.
	Events []activity.Event
	Drops  []activity.Drop

	// Pending lists entity ids with a write in flight.
	Pending []string
	// Unconfirmed is set when a write succeeded but the canonical reload
	// after it failed.
	Unconfirmed bool
	BuiltAt     time.Time
}

func (s *Snapshot) Quote(id string) (finance.Quote, bool) {
	for _, q := range s.Quotes {
		if q.ID == id {
			return q, true
		}
	}
	return finance.Quote{}, false
}

func (s *Snapshot) Payment(id string) (finance.Payment, bool) {
	for _, p := range s.Payments {
		if p.ID == id {
			return p, true
		}
	}
	return finance.Payment{}, false
}

func (s *Snapshot) Event(id string) (activity.Event, bool) {
	for _, e := range s.Events {
		if e.ID == id {
			return e, true
		}
	}
	return activity.Event{}, false
}

// OpportunityCount returns the authoritative quote count once known.
func (s *Snapshot) OpportunityCount() *int {
	if !s.QuotesKnown {
		return nil
	}
	n := len(s.Quotes)
	return &n
}
