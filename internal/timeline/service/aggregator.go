package service

import (
	"sort"
	"strings"
	"time"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/config"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
	"go.uber.org/fx"
)

const dayLabelLayout = "Monday, 2 January 2006"

type Params struct {
	fx.In

	Config *config.TimelineConfigHolder
	Clock  clock.Clock
}

type Aggregator struct {
	cfg   *config.TimelineConfigHolder
	clock clock.Clock
}

func NewService(p Params) timeline.Aggregator {
	return New(p.Config, p.Clock)
}

func New(cfg *config.TimelineConfigHolder, clk clock.Clock) *Aggregator {
	if cfg == nil {
		cfg = config.NewStaticTimelineConfigHolder(config.DefaultTimelineConfig())
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{cfg: cfg, clock: clk}
}

func (a *Aggregator) Build(events []activity.Event, q timeline.Query) timeline.Feed {
	settings := a.cfg.Get()
	if q.Filter == "" {
		q.Filter = timeline.FilterAll
	}
	if q.PageSize <= 0 {
		q.PageSize = settings.PageSize
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	filtered := make([]activity.Event, 0, len(events))
	for _, event := range events {
		if q.Filter.Matches(event) {
			filtered = append(filtered, event)
		}
	}
	SortEvents(filtered)

	shown := filtered
	if !q.ShowAll && len(shown) > q.PageSize {
		shown = shown[:q.PageSize]
	}

	return timeline.Feed{
		Filter:  q.Filter,
		Days:    a.groupByDay(shown, loc, settings.SystemActors),
		Shown:   len(shown),
		Total:   len(filtered),
		HasMore: len(shown) < len(filtered),
		Counts:  Counts(events, q.OpportunityCount),
	}
}

// SortEvents orders events newest first, breaking ties by insertion order.
func SortEvents(events []activity.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].Ordinal < events[j].Ordinal
	})
}

// Counts returns the number of events per filter bucket.
func Counts(events []activity.Event, opportunityCount *int) map[timeline.Filter]int {
	counts := make(map[timeline.Filter]int, len(timeline.Filters))
	for _, filter := range timeline.Filters {
		counts[filter] = 0
	}
	counts[timeline.FilterAll] = len(events)

	opportunities := make(map[string]struct{})
	for _, event := range events {
		filter := timeline.FilterFor(event.Category)
		if filter == timeline.FilterOpportunities {
			ref := event.SourceID
			if meta, ok := event.Opportunity(); ok && meta.QuoteID != "" {
				ref = meta.QuoteID
			}
			opportunities[ref] = struct{}{}
			continue
		}
		if filter != timeline.FilterAll {
			counts[filter]++
		}
	}

	counts[timeline.FilterOpportunities] = len(opportunities)
	if opportunityCount != nil {
		counts[timeline.FilterOpportunities] = *opportunityCount
	}
	return counts
}

func (a *Aggregator) groupByDay(events []activity.Event, loc *time.Location, systemActors []string) []timeline.DayGroup {
	today := startOfDay(a.clock.Now().In(loc))
	yesterday := today.AddDate(0, 0, -1)

	days := make([]timeline.DayGroup, 0)
	var bucket []activity.Event
	var current time.Time

	flush := func() {
		if len(bucket) == 0 {
			return
		}
		days = append(days, timeline.DayGroup{
			Day:   current,
			Label: dayLabel(current, today, yesterday),
			Nodes: compressRuns(bucket, systemActors),
		})
		bucket = nil
	}

	for _, event := range events {
		day := startOfDay(event.OccurredAt.In(loc))
		if !day.Equal(current) {
			flush()
			current = day
		}
		bucket = append(bucket, event)
	}
	flush()
	return days
}

// compressRuns folds consecutive groupable events written by system actors.
// A run of one stays a plain event node.
func compressRuns(events []activity.Event, systemActors []string) []timeline.Node {
	nodes := make([]timeline.Node, 0, len(events))
	var run []activity.Event

	flush := func() {
		switch len(run) {
		case 0:
		case 1:
			event := run[0]
			nodes = append(nodes, timeline.Node{Kind: timeline.NodeEvent, Event: &event})
		default:
			group := &timeline.RunGroup{
				Author: run[0].Author,
				Start:  run[len(run)-1].OccurredAt,
				End:    run[0].OccurredAt,
				Events: append([]activity.Event(nil), run...),
			}
			nodes = append(nodes, timeline.Node{Kind: timeline.NodeGroup, Group: group})
		}
		run = nil
	}

	for _, event := range events {
		if event.Groupable && isSystemActor(event.Author, systemActors) {
			run = append(run, event)
			continue
		}
		flush()
		event := event
		nodes = append(nodes, timeline.Node{Kind: timeline.NodeEvent, Event: &event})
	}
	flush()
	return nodes
}

func isSystemActor(author string, systemActors []string) bool {
	author = strings.TrimSpace(author)
	if author == "" {
		return false
	}
	for _, actor := range systemActors {
		if strings.EqualFold(author, strings.TrimSpace(actor)) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, today, yesterday time.Time) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(yesterday):
		return "Yesterday"
	default:
		return day.Format(dayLabelLayout)
	}
}
