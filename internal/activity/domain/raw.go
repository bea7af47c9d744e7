package domain

// Raw record field names read by the normalizer.
const (
	FieldTitle       = "title"
	FieldBody        = "body"
	FieldDescription = "description"
	FieldAuthor      = "author"
	FieldDate        = "date"
	FieldCreatedAt   = "created_at"
	FieldAmount      = "amount"
	FieldPaymentID   = "payment_id"
	FieldFileName    = "file_name"
	FieldFilePath    = "file_path"
	FieldOrigin      = "origin"
	FieldQuoteID     = "quote_id"
	FieldStatus      = "status"
	FieldFromStatus  = "from_status"
	FieldToStatus    = "to_status"
	FieldKind        = "kind"
	FieldMethod      = "method"
	FieldDone        = "done"
	FieldDue         = "due"
	FieldLocation    = "location"
	FieldEndsAt      = "ends_at"
	FieldInline      = "inline"
)

// RawRecord is one record as fetched from a source list.
type RawRecord struct {
	SourceType SourceType
	ID         string
	Fields     map[string]any
}

// Drop records why a raw record produced no event.
type Drop struct {
	SourceType SourceType `json:"source_type"`
	RecordID   string     `json:"record_id"`
	Reason     string     `json:"reason"`
}
