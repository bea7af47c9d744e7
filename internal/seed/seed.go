// Package seed creates a demo project in an empty database-backed record
// store.
package seed

import (
	"context"
	"errors"
	"time"

	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	"github.com/smallbiznis/worksite/internal/config"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	recordservice "github.com/smallbiznis/worksite/internal/recordstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	demoProjectName = "Dupont kitchen renovation"
	demoClientName  = "Claire Dupont"
	demoAuthor      = "Marc"
)

var Module = fx.Module("seed",
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, cfg config.Config, db *gorm.DB, store *recordservice.Store, log *zap.Logger) {
	if !cfg.SeedDemo {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			id, err := EnsureDemoProject(ctx, db, store, time.Now().UTC())
			if err != nil {
				return err
			}
			if id != "" {
				log.Named("seed").Info("demo project created", zap.String("project_id", id))
			}
			return nil
		},
	})
}

// EnsureDemoProject creates the demo project when no project exists yet
// and returns its id, or "" when the store already holds projects.
func EnsureDemoProject(ctx context.Context, db *gorm.DB, store recordstore.Store, now time.Time) (string, error) {
	if db == nil || store == nil {
		return "", errors.New("seed database handle is required")
	}

	var count int64
	if err := db.WithContext(ctx).Model(&recordstore.ProjectRow{}).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	project, err := store.Create(ctx, recordstore.KindProject, "", map[string]any{
		recordstore.FieldName:        demoProjectName,
		recordstore.FieldClientName:  demoClientName,
		recordstore.FieldStage:       string(finance.StageQuoteSent),
		recordstore.FieldInlineNotes: "Access code 4512, parking in the courtyard.",
	})
	if err != nil {
		return "", err
	}

	day := func(offset int, hour int) string {
		return now.AddDate(0, 0, offset).Truncate(24 * time.Hour).Add(time.Duration(hour) * time.Hour).Format(time.RFC3339)
	}

	children := []struct {
		kind   recordstore.Kind
		fields map[string]any
	}{
		{recordstore.KindStatus, map[string]any{
			activity.FieldFromStatus: "new",
			activity.FieldToStatus:   "quote_sent",
			activity.FieldAuthor:     "system",
			activity.FieldDate:       day(-9, 9),
		}},
		{recordstore.KindQuote, map[string]any{
			finance.FieldTitle:     "Kitchen cabinets and worktop",
			finance.FieldAmount:    "12400",
			finance.FieldStatus:    string(finance.QuoteStatusAccepted),
			finance.FieldCreatedAt: day(-9, 10),
			finance.FieldFileName:  "quote-kitchen.pdf",
			finance.FieldFilePath:  "quotes/quote-kitchen.pdf",
		}},
		{recordstore.KindQuote, map[string]any{
			finance.FieldTitle:     "Tiling option",
			finance.FieldAmount:    "2100",
			finance.FieldStatus:    string(finance.QuoteStatusPending),
			finance.FieldCreatedAt: day(-8, 15),
		}},
		{recordstore.KindNote, map[string]any{
			activity.FieldBody:   "Client prefers oak finish for the cabinets.",
			activity.FieldAuthor: demoAuthor,
			activity.FieldDate:   day(-7, 11),
		}},
		{recordstore.KindTask, map[string]any{
			activity.FieldTitle: "Order worktop",
			activity.FieldDone:  false,
			activity.FieldDue:   day(3, 9),
			activity.FieldDate:  day(-6, 14),
		}},
		{recordstore.KindAppointment, map[string]any{
			activity.FieldTitle:    "On-site measurement",
			activity.FieldLocation: "12 rue des Lilas",
			activity.FieldDate:     day(-5, 8),
			activity.FieldEndsAt:   day(-5, 10),
		}},
		{recordstore.KindDocument, map[string]any{
			activity.FieldFileName: "floor-plan.pdf",
			activity.FieldFilePath: "projects/floor-plan.pdf",
			activity.FieldAuthor:   demoAuthor,
			activity.FieldDate:     day(-5, 11),
		}},
		{recordstore.KindPayment, map[string]any{
			finance.FieldAmount: "3720",
			finance.FieldKind:   string(finance.PaymentKindDeposit),
			finance.FieldMethod: "transfer",
			finance.FieldDate:   day(-2, 16),
		}},
	}
	for _, child := range children {
		if _, err := store.Create(ctx, child.kind, project.ID, child.fields); err != nil {
			return "", err
		}
	}
	return project.ID, nil
}
