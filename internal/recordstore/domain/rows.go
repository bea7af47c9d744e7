package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProjectRow is the stored form of a project record.
type ProjectRow struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Fields    datatypes.JSONMap `gorm:"type:json;not null"`
	CreatedAt time.Time         `gorm:"not null"`
	UpdatedAt time.Time         `gorm:"not null"`
}

func (ProjectRow) TableName() string { return "projects" }

// RecordRow is the stored form of a child record of a project.
type RecordRow struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	ProjectID snowflake.ID      `gorm:"not null;index:idx_project_records_project_kind,priority:1"`
	Kind      string            `gorm:"type:text;not null;index:idx_project_records_project_kind,priority:2"`
	Fields    datatypes.JSONMap `gorm:"type:json;not null"`
	CreatedAt time.Time         `gorm:"not null"`
	UpdatedAt time.Time         `gorm:"not null"`
}

func (RecordRow) TableName() string { return "project_records" }

func (r ProjectRow) ToRecord() Record {
	return Record{
		ID:        r.ID.String(),
		Kind:      KindProject,
		Fields:    map[string]any(r.Fields),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r RecordRow) ToRecord() Record {
	return Record{
		ID:        r.ID.String(),
		Kind:      Kind(r.Kind),
		ParentID:  r.ProjectID.String(),
		Fields:    map[string]any(r.Fields),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Repository persists projects and their records.
type Repository interface {
	InsertProject(ctx context.Context, db *gorm.DB, row *ProjectRow) error
	FindProject(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProjectRow, error)
	UpdateProjectFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields datatypes.JSONMap, at time.Time) error

	InsertRecord(ctx context.Context, db *gorm.DB, row *RecordRow) error
	FindRecord(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID) (*RecordRow, error)
	ListRecords(ctx context.Context, db *gorm.DB, projectID snowflake.ID, kind Kind) ([]RecordRow, error)
	UpdateRecordFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields datatypes.JSONMap, at time.Time) error
	DeleteRecord(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
}
