package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/worksite/internal/recordstore/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Migrate creates the record store tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.ProjectRow{}, &domain.RecordRow{})
}

func (r *repo) InsertProject(ctx context.Context, db *gorm.DB, row *domain.ProjectRow) error {
	return db.WithContext(ctx).Create(row).Error
}

func (r *repo) FindProject(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ProjectRow, error) {
	var row domain.ProjectRow
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) UpdateProjectFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields datatypes.JSONMap, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.ProjectRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"fields": fields, "updated_at": at}).Error
}

func (r *repo) InsertRecord(ctx context.Context, db *gorm.DB, row *domain.RecordRow) error {
	return db.WithContext(ctx).Create(row).Error
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID) (*domain.RecordRow, error) {
	var row domain.RecordRow
	err := db.WithContext(ctx).
		Where("id = ? AND kind = ?", id, string(kind)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) ListRecords(ctx context.Context, db *gorm.DB, projectID snowflake.ID, kind domain.Kind) ([]domain.RecordRow, error) {
	var rows []domain.RecordRow
	err := db.WithContext(ctx).
		Where("project_id = ? AND kind = ?", projectID, string(kind)).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpdateRecordFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields datatypes.JSONMap, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.RecordRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"fields": fields, "updated_at": at}).Error
}

func (r *repo) DeleteRecord(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.RecordRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
