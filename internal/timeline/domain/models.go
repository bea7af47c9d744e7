package domain

import (
	"errors"
	"strings"
	"time"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
)

var ErrInvalidFilter = errors.New("invalid_filter")

type Filter string

const (
	FilterAll           Filter = "all"
	FilterStatus        Filter = "status"
	FilterOpportunities Filter = "opportunities"
	FilterTasks         Filter = "tasks"
	FilterAppointments  Filter = "appointments"
	FilterDocuments     Filter = "documents"
	FilterNotes         Filter = "notes"
	FilterPayments      Filter = "payments"
)

var Filters = []Filter{
	FilterAll,
	FilterStatus,
	FilterOpportunities,
	FilterTasks,
	FilterAppointments,
	FilterDocuments,
	FilterNotes,
	FilterPayments,
}

var filterCategories = map[Filter]activity.Category{
	FilterStatus:        activity.CategoryStatus,
	FilterOpportunities: activity.CategoryOpportunity,
	FilterTasks:         activity.CategoryTask,
	FilterAppointments:  activity.CategoryAppointment,
	FilterDocuments:     activity.CategoryDocument,
	FilterNotes:         activity.CategoryNote,
	FilterPayments:      activity.CategoryPayment,
}

func ParseFilter(raw string) (Filter, error) {
	filter := Filter(strings.ToLower(strings.TrimSpace(raw)))
	if filter == "" {
		return FilterAll, nil
	}
	if filter == FilterAll {
		return filter, nil
	}
	if _, ok := filterCategories[filter]; !ok {
		return "", ErrInvalidFilter
	}
	return filter, nil
}

// Matches reports whether event belongs to the filter bucket.
func (f Filter) Matches(event activity.Event) bool {
	if f == FilterAll || f == "" {
		return true
	}
	category, ok := filterCategories[f]
	return ok && event.Category == category
}

// FilterFor returns the filter bucket of a category.
func FilterFor(category activity.Category) Filter {
	for filter, c := range filterCategories {
		if c == category {
			return filter
		}
	}
	return FilterAll
}

type NodeKind string

const (
	NodeEvent NodeKind = "event"
	NodeGroup NodeKind = "group"
)

// RunGroup folds consecutive automated entries into one collapsible node.
type RunGroup struct {
	Author string           `json:"author"`
	Start  time.Time        `json:"start"`
	End    time.Time        `json:"end"`
	Events []activity.Event `json:"events"`
}

type Node struct {
	Kind  NodeKind        `json:"kind"`
	Event *activity.Event `json:"event,omitempty"`
	Group *RunGroup       `json:"group,omitempty"`
}

type DayGroup struct {
	Day   time.Time `json:"day"`
	Label string    `json:"label"`
	Nodes []Node    `json:"nodes"`
}

// Feed is one rendered page of the activity timeline.
type Feed struct {
	Filter  Filter         `json:"filter"`
	Days    []DayGroup     `json:"days"`
	Shown   int            `json:"shown"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
	Counts  map[Filter]int `json:"counts"`
}

type Query struct {
	Filter   Filter
	PageSize int
	ShowAll  bool
	Location *time.Location
	// OpportunityCount is the authoritative quote count when the quote
	// list has been fetched.
	OpportunityCount *int
}

// Aggregator builds the feed from deduplicated events.
type Aggregator interface {
	Build(events []activity.Event, q Query) Feed
}
