package domain

import (
	"strings"

	finance "github.com/smallbiznis/worksite/internal/finance/domain"
)

// Project record field names.
const (
	FieldName            = "name"
	FieldStage           = "stage"
	FieldPreDepositStage = "pre_deposit_stage"
	FieldInlineNotes     = "notes"
	FieldClientName      = "client_name"
)

// Project is the typed view of a project record.
type Project struct {
	ID              string
	Name            string
	ClientName      string
	Stage           finance.Stage
	PreDepositStage finance.Stage
	// Notes is the inline notes field kept on the project record itself.
	Notes string
}

func ProjectFromRecord(r Record) Project {
	p := Project{
		ID:         r.ID,
		Name:       fieldString(r.Fields, FieldName),
		ClientName: fieldString(r.Fields, FieldClientName),
		Notes:      fieldString(r.Fields, FieldInlineNotes),
	}
	if stage, err := finance.ParseStage(fieldString(r.Fields, FieldStage)); err == nil {
		p.Stage = stage
	} else {
		p.Stage = finance.StageNew
	}
	if stage, err := finance.ParseStage(fieldString(r.Fields, FieldPreDepositStage)); err == nil && fieldString(r.Fields, FieldPreDepositStage) != "" {
		p.PreDepositStage = stage
	}
	return p
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
