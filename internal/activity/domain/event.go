package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyNote       = errors.New("empty_note")
	ErrPlaceholderNote = errors.New("placeholder_note")
	ErrMissingAmount   = errors.New("missing_amount")
	ErrMissingID       = errors.New("missing_id")
	ErrUnknownSource   = errors.New("unknown_source_type")
)

// SourceType names the record list an event was produced from.
type SourceType string

const (
	SourceStatus      SourceType = "status"
	SourceOpportunity SourceType = "opportunity"
	SourceTask        SourceType = "task"
	SourceAppointment SourceType = "appointment"
	SourceDocument    SourceType = "document"
	SourceNote        SourceType = "note"
	SourcePayment     SourceType = "payment"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceStatus, SourceOpportunity, SourceTask, SourceAppointment, SourceDocument, SourceNote, SourcePayment:
		return true
	default:
		return false
	}
}

// Category is the filter bucket of an event. It starts as the source type
// and may be re-tagged by the normalizer.
type Category string

const (
	CategoryStatus      Category = "status"
	CategoryOpportunity Category = "opportunity"
	CategoryTask        Category = "task"
	CategoryAppointment Category = "appointment"
	CategoryDocument    Category = "document"
	CategoryNote        Category = "note"
	CategoryPayment     Category = "payment"
)

func CategoryOf(source SourceType) Category {
	return Category(source)
}

// Financial reports whether events in c carry exact identities.
func (c Category) Financial() bool {
	return c == CategoryPayment || c == CategoryDocument
}

// Event is one immutable entry of the merged activity feed.
type Event struct {
	ID          string     `json:"id"`
	SourceType  SourceType `json:"source_type"`
	Category    Category   `json:"category"`
	SourceID    string     `json:"source_id"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Author      string     `json:"author,omitempty"`
	Groupable   bool       `json:"groupable"`
	Ordinal     int        `json:"-"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// Metadata is the per-source payload of an event. The concrete type is
// fixed by the event category.
type Metadata interface {
	Kind() Category
	isMetadata()
}

type DocumentOrigin string

const (
	OriginDocuments DocumentOrigin = "documents"
	OriginQuote     DocumentOrigin = "quote"
	OriginStatusLog DocumentOrigin = "status_log"
)

type PaymentMeta struct {
	PaymentID   string          `json:"payment_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentKind string          `json:"kind,omitempty"`
	Method      string          `json:"method,omitempty"`
}

type DocumentMeta struct {
	DocumentID string         `json:"document_id,omitempty"`
	FileName   string         `json:"file_name"`
	FilePath   string         `json:"file_path,omitempty"`
	Origin     DocumentOrigin `json:"origin"`
	QuoteID    string         `json:"quote_id,omitempty"`
}

type StatusMeta struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type OpportunityMeta struct {
	QuoteID string          `json:"quote_id"`
	Amount  decimal.Decimal `json:"amount"`
	Status  string          `json:"status"`
}

type NoteMeta struct {
	Inline bool `json:"inline,omitempty"`
}

type TaskMeta struct {
	Done bool       `json:"done"`
	Due  *time.Time `json:"due,omitempty"`
}

type AppointmentMeta struct {
	Location string     `json:"location,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

func (PaymentMeta) Kind() Category     { return CategoryPayment }
func (DocumentMeta) Kind() Category    { return CategoryDocument }
func (StatusMeta) Kind() Category      { return CategoryStatus }
func (OpportunityMeta) Kind() Category { return CategoryOpportunity }
func (NoteMeta) Kind() Category        { return CategoryNote }
func (TaskMeta) Kind() Category        { return CategoryTask }
func (AppointmentMeta) Kind() Category { return CategoryAppointment }

func (PaymentMeta) isMetadata()     {}
func (DocumentMeta) isMetadata()    {}
func (StatusMeta) isMetadata()      {}
func (OpportunityMeta) isMetadata() {}
func (NoteMeta) isMetadata()        {}
func (TaskMeta) isMetadata()        {}
func (AppointmentMeta) isMetadata() {}

func (e Event) Document() (DocumentMeta, bool) {
	meta, ok := e.Metadata.(DocumentMeta)
	return meta, ok
}

func (e Event) Payment() (PaymentMeta, bool) {
	meta, ok := e.Metadata.(PaymentMeta)
	return meta, ok
}

func (e Event) Opportunity() (OpportunityMeta, bool) {
	meta, ok := e.Metadata.(OpportunityMeta)
	return meta, ok
}
