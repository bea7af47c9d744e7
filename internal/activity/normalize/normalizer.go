// Package normalize turns raw source records into activity events.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/config"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrMissingFileName = errors.New("missing_file_name")

type Params struct {
	fx.In

	Config *config.TimelineConfigHolder
	Clock  clock.Clock
	Log    *zap.Logger
}

type Normalizer struct {
	cfg   *config.TimelineConfigHolder
	clock clock.Clock
	log   *zap.Logger
}

func NewService(p Params) *Normalizer {
	return New(p.Config, p.Clock, p.Log)
}

func New(cfg *config.TimelineConfigHolder, clk clock.Clock, log *zap.Logger) *Normalizer {
	if cfg == nil {
		cfg = config.NewStaticTimelineConfigHolder(config.DefaultTimelineConfig())
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{cfg: cfg, clock: clk, log: log.Named("activity.normalizer")}
}

// NormalizeAll converts records in order. Records that cannot produce an
// event are reported as drops and never abort the pass.
func (n *Normalizer) NormalizeAll(records []activity.RawRecord) ([]activity.Event, []activity.Drop) {
	settings := n.cfg.Get()
	events := make([]activity.Event, 0, len(records))
	var drops []activity.Drop

	for _, raw := range records {
		event, err := n.normalize(settings, raw, len(events))
		if err != nil {
			n.log.Debug("record dropped",
				zap.String("source_type", string(raw.SourceType)),
				zap.String("record_id", raw.ID),
				zap.String("reason", err.Error()),
			)
			drops = append(drops, activity.Drop{
				SourceType: raw.SourceType,
				RecordID:   raw.ID,
				Reason:     err.Error(),
			})
			continue
		}
		events = append(events, event)
	}
	return events, drops
}

// Normalize converts a single record. ordinal is the insertion position
// used to break ordering ties.
func (n *Normalizer) Normalize(raw activity.RawRecord, ordinal int) (activity.Event, error) {
	return n.normalize(n.cfg.Get(), raw, ordinal)
}

func (n *Normalizer) normalize(settings config.TimelineConfig, raw activity.RawRecord, ordinal int) (activity.Event, error) {
	if !raw.SourceType.Valid() {
		return activity.Event{}, activity.ErrUnknownSource
	}
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return activity.Event{}, activity.ErrMissingID
	}
	fields := raw.Fields

	event := activity.Event{
		ID:          string(raw.SourceType) + ":" + id,
		SourceType:  raw.SourceType,
		Category:    activity.CategoryOf(raw.SourceType),
		SourceID:    id,
		OccurredAt:  n.occurredAt(fields),
		Title:       readString(fields, activity.FieldTitle),
		Description: readString(fields, activity.FieldDescription),
		Author:      readString(fields, activity.FieldAuthor),
		Ordinal:     ordinal,
	}

	var err error
	switch raw.SourceType {
	case activity.SourceNote:
		err = normalizeNote(settings, fields, &event)
	case activity.SourcePayment:
		err = normalizePayment(fields, &event)
	case activity.SourceDocument:
		err = normalizeDocument(fields, &event)
	case activity.SourceOpportunity:
		err = normalizeOpportunity(fields, &event)
	case activity.SourceStatus:
		normalizeStatus(fields, &event)
	case activity.SourceTask:
		normalizeTask(fields, &event)
	case activity.SourceAppointment:
		normalizeAppointment(fields, &event)
	}
	if err != nil {
		return activity.Event{}, err
	}

	if raw.SourceType != activity.SourceDocument && raw.SourceType != activity.SourcePayment {
		if name, ok := attachedFileName(settings.DocumentPrefixes, event.Description, event.Title); ok {
			event.Category = activity.CategoryDocument
			event.Title = name
			event.Metadata = activity.DocumentMeta{FileName: name, Origin: activity.OriginStatusLog}
		}
	}

	if raw.SourceType != activity.SourcePayment {
		if paymentID := readID(fields, activity.FieldPaymentID); paymentID != "" {
			amount, err := finance.ParseAmount(fields[activity.FieldAmount])
			if err != nil {
				return activity.Event{}, activity.ErrMissingAmount
			}
			event.Category = activity.CategoryPayment
			event.Metadata = activity.PaymentMeta{PaymentID: paymentID, Amount: amount}
		}
	}

	event.Groupable = event.Category == activity.CategoryStatus
	if event.Title == "" {
		event.Title = defaultTitle(event.Category)
	}
	return event, nil
}

func (n *Normalizer) occurredAt(fields map[string]any) time.Time {
	for _, key := range []string{activity.FieldDate, activity.FieldCreatedAt} {
		if ts, ok := finance.ParseDate(fields[key]); ok {
			return ts.UTC()
		}
	}
	return n.clock.Now()
}

func normalizeNote(settings config.TimelineConfig, fields map[string]any, event *activity.Event) error {
	body := readString(fields, activity.FieldBody)
	if body == "" {
		body = event.Description
	}
	if body == "" {
		return activity.ErrEmptyNote
	}
	for _, placeholder := range settings.NotePlaceholders {
		if strings.EqualFold(body, strings.TrimSpace(placeholder)) {
			return activity.ErrPlaceholderNote
		}
	}
	event.Description = body
	event.Metadata = activity.NoteMeta{Inline: readBool(fields, activity.FieldInline)}
	return nil
}

func normalizePayment(fields map[string]any, event *activity.Event) error {
	amount, err := finance.ParseAmount(fields[activity.FieldAmount])
	if err != nil || !amount.IsPositive() {
		return activity.ErrMissingAmount
	}
	paymentID := readID(fields, activity.FieldPaymentID)
	if paymentID == "" {
		paymentID = event.SourceID
	}
	meta := activity.PaymentMeta{
		PaymentID:   paymentID,
		Amount:      amount,
		PaymentKind: readString(fields, activity.FieldKind),
		Method:      readString(fields, activity.FieldMethod),
	}
	event.Metadata = meta
	if event.Description == "" {
		event.Description = describePayment(meta)
	}
	return nil
}

func normalizeDocument(fields map[string]any, event *activity.Event) error {
	name := readString(fields, activity.FieldFileName)
	if name == "" {
		name = event.Title
	}
	if name == "" {
		return ErrMissingFileName
	}
	origin := activity.DocumentOrigin(readString(fields, activity.FieldOrigin))
	if origin == "" {
		origin = activity.OriginDocuments
	}
	event.Metadata = activity.DocumentMeta{
		DocumentID: event.SourceID,
		FileName:   name,
		FilePath:   readString(fields, activity.FieldFilePath),
		Origin:     origin,
		QuoteID:    readString(fields, activity.FieldQuoteID),
	}
	if event.Title == "" {
		event.Title = name
	}
	return nil
}

func normalizeOpportunity(fields map[string]any, event *activity.Event) error {
	amount, err := finance.ParseAmount(fields[activity.FieldAmount])
	if err != nil || amount.IsNegative() {
		return activity.ErrMissingAmount
	}
	status := readString(fields, activity.FieldStatus)
	if status == "" {
		status = string(finance.QuoteStatusPending)
	}
	event.Metadata = activity.OpportunityMeta{
		QuoteID: event.SourceID,
		Amount:  amount,
		Status:  status,
	}
	if event.Description == "" {
		event.Description = fmt.Sprintf("%s (%s)", amount.StringFixed(2), status)
	}
	return nil
}

func normalizeStatus(fields map[string]any, event *activity.Event) {
	meta := activity.StatusMeta{
		From: readString(fields, activity.FieldFromStatus),
		To:   readString(fields, activity.FieldToStatus),
	}
	event.Metadata = meta
	if event.Title == "" && meta.To != "" {
		event.Title = "Status changed to " + meta.To
	}
}

func normalizeTask(fields map[string]any, event *activity.Event) {
	meta := activity.TaskMeta{Done: readBool(fields, activity.FieldDone)}
	if due, ok := finance.ParseDate(fields[activity.FieldDue]); ok {
		due = due.UTC()
		meta.Due = &due
	}
	event.Metadata = meta
}

func normalizeAppointment(fields map[string]any, event *activity.Event) {
	meta := activity.AppointmentMeta{Location: readString(fields, activity.FieldLocation)}
	if ends, ok := finance.ParseDate(fields[activity.FieldEndsAt]); ok {
		ends = ends.UTC()
		meta.EndsAt = &ends
	}
	event.Metadata = meta
}

// attachedFileName extracts the file name of a "document attached: <name>"
// entry from the first candidate text that carries a configured prefix.
func attachedFileName(prefixes []string, candidates ...string) (string, bool) {
	for _, text := range candidates {
		for _, prefix := range prefixes {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" {
				continue
			}
			end, ok := foldPrefix(text, prefix)
			if !ok {
				continue
			}
			name := strings.TrimSpace(text[end:])
			name = strings.Trim(name, `"'«» `)
			if name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// foldPrefix matches prefix at the start of text ignoring case and returns
// the byte offset in text where the match ends.
func foldPrefix(text, prefix string) (int, bool) {
	end := 0
	for _, want := range prefix {
		if end >= len(text) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(text[end:])
		if got != want && !strings.EqualFold(string(got), string(want)) {
			return 0, false
		}
		end += size
	}
	return end, true
}

func describePayment(meta activity.PaymentMeta) string {
	description := meta.Amount.StringFixed(2)
	if meta.Method != "" {
		description += " via " + meta.Method
	}
	return description
}

func defaultTitle(category activity.Category) string {
	switch category {
	case activity.CategoryNote:
		return "Note"
	case activity.CategoryPayment:
		return "Payment recorded"
	case activity.CategoryOpportunity:
		return "Quote"
	case activity.CategoryTask:
		return "Task"
	case activity.CategoryAppointment:
		return "Appointment"
	case activity.CategoryDocument:
		return "Document"
	default:
		return "Status update"
	}
}

func readString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	switch typed := fields[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case fmt.Stringer:
		return strings.TrimSpace(typed.String())
	default:
		return ""
	}
}

func readID(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	switch typed := fields[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int:
		return strconv.Itoa(typed)
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
	default:
		return false
	}
}
