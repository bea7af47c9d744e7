package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	finance "github.com/smallbiznis/worksite/internal/finance/domain"
)

//go:generate mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

var (
	ErrInvalidKind     = errors.New("invalid_record_kind")
	ErrInvalidParent   = errors.New("invalid_parent_id")
	ErrInvalidRecordID = errors.New("invalid_record_id")
)

// Kind names a record list of a project.
type Kind string

const (
	KindProject     Kind = "project"
	KindQuote       Kind = "quote"
	KindPayment     Kind = "payment"
	KindNote        Kind = "note"
	KindTask        Kind = "task"
	KindAppointment Kind = "appointment"
	KindDocument    Kind = "document"
	KindStatus      Kind = "status"
)

// ChildKinds lists the record lists fetched for a project.
var ChildKinds = []Kind{
	KindStatus,
	KindQuote,
	KindPayment,
	KindNote,
	KindTask,
	KindAppointment,
	KindDocument,
}

func (k Kind) Valid() bool {
	if k == KindProject {
		return true
	}
	for _, kind := range ChildKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", ErrInvalidKind
	}
	return kind, nil
}

// Record is one stored entity. Fields carries the entity payload as
// decoded JSON.
type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	ParentID  string         `json:"parent_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy of r whose field map can be modified freely.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

type FetchResult struct {
	Success bool     `json:"success"`
	Records []Record `json:"data"`
}

type PatchResult struct {
	Record          Record        `json:"result"`
	StageProgressed bool          `json:"stage_progressed,omitempty"`
	NewStage        finance.Stage `json:"new_stage,omitempty"`
}

type DeleteResult struct {
	StageReverted bool          `json:"stage_reverted,omitempty"`
	NewStage      finance.Stage `json:"new_stage,omitempty"`
}

// Store is the authoritative record backend.
type Store interface {
	Fetch(ctx context.Context, kind Kind, parentID string) (FetchResult, error)
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	Patch(ctx context.Context, kind Kind, id string, fields map[string]any) (PatchResult, error)
	Delete(ctx context.Context, kind Kind, id string) (DeleteResult, error)
	Create(ctx context.Context, kind Kind, parentID string, fields map[string]any) (Record, error)
}
