package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/clock"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	financeservice "github.com/smallbiznis/worksite/internal/finance/service"
	"github.com/smallbiznis/worksite/internal/recordstore/domain"
	"github.com/smallbiznis/worksite/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Node       *snowflake.Node
	Repo       domain.Repository
	Reconciler finance.Reconciler
	Clock      clock.Clock
	Log        *zap.Logger
}

// Store is the database-backed record store. It applies the quote state
// machine and the project stage rules as part of each write.
type Store struct {
	db         *gorm.DB
	node       *snowflake.Node
	repo       domain.Repository
	reconciler finance.Reconciler
	clock      clock.Clock
	log        *zap.Logger
}

func NewStore(p Params) *Store {
	return &Store{
		db:         p.DB,
		node:       p.Node,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		clock:      p.Clock,
		log:        p.Log.Named("recordstore.store"),
	}
}

func (s *Store) Fetch(ctx context.Context, kind domain.Kind, parentID string) (domain.FetchResult, error) {
	if !kind.Valid() {
		return domain.FetchResult{}, apperr.Validation("kind", domain.ErrInvalidKind.Error(), "unknown record kind")
	}
	projectID, err := parseID(domain.KindProject, parentID)
	if err != nil {
		return domain.FetchResult{}, err
	}

	if kind == domain.KindProject {
		project, err := s.repo.FindProject(ctx, s.db, projectID)
		if err != nil {
			return domain.FetchResult{}, err
		}
		if project == nil {
			return domain.FetchResult{}, apperr.NotFound(string(domain.KindProject), parentID)
		}
		return domain.FetchResult{Success: true, Records: []domain.Record{project.ToRecord()}}, nil
	}

	rows, err := s.repo.ListRecords(ctx, s.db, projectID, kind)
	if err != nil {
		return domain.FetchResult{}, err
	}
	records := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.ToRecord())
	}
	return domain.FetchResult{Success: true, Records: records}, nil
}

func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	rowID, err := parseID(kind, id)
	if err != nil {
		return domain.Record{}, err
	}
	if kind == domain.KindProject {
		project, err := s.repo.FindProject(ctx, s.db, rowID)
		if err != nil {
			return domain.Record{}, err
		}
		if project == nil {
			return domain.Record{}, apperr.NotFound(string(kind), id)
		}
		return project.ToRecord(), nil
	}

	row, err := s.repo.FindRecord(ctx, s.db, kind, rowID)
	if err != nil {
		return domain.Record{}, err
	}
	if row == nil {
		return domain.Record{}, apperr.NotFound(string(kind), id)
	}
	return row.ToRecord(), nil
}

func (s *Store) Patch(ctx context.Context, kind domain.Kind, id string, fields map[string]any) (domain.PatchResult, error) {
	rowID, err := parseID(kind, id)
	if err != nil {
		return domain.PatchResult{}, err
	}
	now := s.clock.Now()

	var result domain.PatchResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if kind == domain.KindProject {
			project, err := s.repo.FindProject(ctx, tx, rowID)
			if err != nil {
				return err
			}
			if project == nil {
				return apperr.NotFound(string(kind), id)
			}
			if raw, ok := fields[domain.FieldStage]; ok {
				if _, err := finance.ParseStage(toString(raw)); err != nil {
					return apperr.Validation(domain.FieldStage, finance.ErrInvalidStage.Error(), "unknown project stage")
				}
			}
			merged := mergeFields(project.Fields, fields)
			if err := s.repo.UpdateProjectFields(ctx, tx, rowID, merged, now); err != nil {
				return err
			}
			project.Fields = merged
			project.UpdatedAt = now
			result.Record = project.ToRecord()
			return nil
		}

		row, err := s.repo.FindRecord(ctx, tx, kind, rowID)
		if err != nil {
			return err
		}
		if row == nil {
			return apperr.NotFound(string(kind), id)
		}

		switch kind {
		case domain.KindQuote:
			result, err = s.patchQuote(ctx, tx, row, fields, now)
			return err
		case domain.KindPayment:
			merged := mergeFields(row.Fields, fields)
			payment, err := finance.PaymentFromFields(id, merged)
			if err != nil {
				return financeservice.AsValidation(err)
			}
			if err := financeservice.ValidatePayment(payment); err != nil {
				return err
			}
			merged = mergeFields(merged, payment.Fields())
			if err := s.repo.UpdateRecordFields(ctx, tx, rowID, merged, now); err != nil {
				return err
			}
			row.Fields = merged
		default:
			merged := mergeFields(row.Fields, fields)
			if err := s.repo.UpdateRecordFields(ctx, tx, rowID, merged, now); err != nil {
				return err
			}
			row.Fields = merged
		}
		row.UpdatedAt = now
		result.Record = row.ToRecord()
		return nil
	})
	if err != nil {
		return domain.PatchResult{}, err
	}
	return result, nil
}

func (s *Store) patchQuote(ctx context.Context, tx *gorm.DB, row *domain.RecordRow, fields map[string]any, now time.Time) (domain.PatchResult, error) {
	id := row.ID.String()
	current, err := finance.QuoteFromFields(id, row.Fields)
	if err != nil {
		return domain.PatchResult{}, financeservice.AsValidation(err)
	}

	next := current
	if raw, ok := fields[finance.FieldStatus]; ok {
		status := finance.QuoteStatus(strings.ToLower(toString(raw)))
		if next, err = next.WithStatus(status, now); err != nil {
			return domain.PatchResult{}, financeservice.AsValidation(err)
		}
	}
	if raw, ok := fields[finance.FieldInvoicePaid]; ok {
		if next, err = next.WithInvoicePaid(toBool(raw)); err != nil {
			return domain.PatchResult{}, financeservice.AsValidation(err)
		}
	}
	if raw, ok := fields[finance.FieldAmount]; ok {
		amount, err := finance.ParseAmount(raw)
		if err != nil {
			return domain.PatchResult{}, financeservice.AsValidation(err)
		}
		if next, err = next.WithAmount(amount); err != nil {
			return domain.PatchResult{}, financeservice.AsValidation(err)
		}
	}

	merged := mergeFields(row.Fields, fields)
	merged = mergeFields(merged, next.Fields())
	if err := s.repo.UpdateRecordFields(ctx, tx, row.ID, merged, now); err != nil {
		return domain.PatchResult{}, err
	}
	row.Fields = merged
	row.UpdatedAt = now
	result := domain.PatchResult{Record: row.ToRecord()}

	if !next.InvoicePaid || current.InvoicePaid {
		return result, nil
	}

	project, err := s.repo.FindProject(ctx, tx, row.ProjectID)
	if err != nil {
		return domain.PatchResult{}, err
	}
	if project == nil {
		return result, nil
	}
	quotes, err := s.loadQuotes(ctx, tx, row.ProjectID)
	if err != nil {
		return domain.PatchResult{}, err
	}
	for i := range quotes {
		if quotes[i].ID == id {
			quotes[i] = next
		}
	}

	view := domain.ProjectFromRecord(project.ToRecord())
	signal := s.reconciler.EvaluateQuotePaid(quotes, view.Stage)
	if !signal.Progressed {
		return result, nil
	}
	if err := s.setProjectStage(ctx, tx, project, signal.NewStage, nil, now); err != nil {
		return domain.PatchResult{}, err
	}
	s.log.Info("project stage progressed",
		zap.String("project_id", project.ID.String()),
		zap.String("quote_id", id),
		zap.String("stage", string(signal.NewStage)),
	)
	result.StageProgressed = true
	result.NewStage = signal.NewStage
	return result, nil
}

func (s *Store) Delete(ctx context.Context, kind domain.Kind, id string) (domain.DeleteResult, error) {
	if kind == domain.KindProject {
		return domain.DeleteResult{}, apperr.Validation("kind", "unsupported_kind", "projects cannot be deleted")
	}
	rowID, err := parseID(kind, id)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	now := s.clock.Now()

	var result domain.DeleteResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.repo.FindRecord(ctx, tx, kind, rowID)
		if err != nil {
			return err
		}
		if row == nil {
			return apperr.NotFound(string(kind), id)
		}

		var signal finance.StageSignal
		var project *domain.ProjectRow
		if kind == domain.KindPayment {
			before, err := s.loadPayments(ctx, tx, row.ProjectID)
			if err != nil {
				return err
			}
			deleted, err := finance.PaymentFromFields(id, row.Fields)
			if err == nil {
				project, err = s.repo.FindProject(ctx, tx, row.ProjectID)
				if err != nil {
					return err
				}
				if project != nil {
					view := domain.ProjectFromRecord(project.ToRecord())
					signal = s.reconciler.EvaluatePaymentDeleted(before, deleted, view.Stage, view.PreDepositStage)
				}
			}
		}

		if _, err := s.repo.DeleteRecord(ctx, tx, rowID); err != nil {
			return err
		}

		if signal.Reverted && project != nil {
			cleared := finance.Stage("")
			if err := s.setProjectStage(ctx, tx, project, signal.NewStage, &cleared, now); err != nil {
				return err
			}
			s.log.Info("project stage reverted",
				zap.String("project_id", project.ID.String()),
				zap.String("payment_id", id),
				zap.String("stage", string(signal.NewStage)),
			)
			result.StageReverted = true
			result.NewStage = signal.NewStage
		}
		return nil
	})
	if err != nil {
		return domain.DeleteResult{}, err
	}
	return result, nil
}

func (s *Store) Create(ctx context.Context, kind domain.Kind, parentID string, fields map[string]any) (domain.Record, error) {
	if !kind.Valid() {
		return domain.Record{}, apperr.Validation("kind", domain.ErrInvalidKind.Error(), "unknown record kind")
	}
	now := s.clock.Now()
	id := s.node.Generate()

	if kind == domain.KindProject {
		stored := mergeFields(nil, fields)
		if _, ok := stored[domain.FieldStage]; !ok {
			stored[domain.FieldStage] = string(finance.StageNew)
		}
		row := &domain.ProjectRow{ID: id, Fields: stored, CreatedAt: now, UpdatedAt: now}
		if err := s.repo.InsertProject(ctx, s.db, row); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.Record{}, apperr.Conflict(id.String(), "duplicate_record")
			}
			return domain.Record{}, err
		}
		return row.ToRecord(), nil
	}

	projectID, err := parseID(domain.KindProject, parentID)
	if err != nil {
		return domain.Record{}, err
	}

	var created domain.Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := s.repo.FindProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return apperr.NotFound(string(domain.KindProject), parentID)
		}

		stored := mergeFields(nil, fields)
		var payment finance.Payment
		switch kind {
		case domain.KindQuote:
			quote, err := finance.QuoteFromFields(id.String(), stored)
			if err != nil {
				return financeservice.AsValidation(err)
			}
			if quote.CreatedAt.IsZero() {
				quote.CreatedAt = now
			}
			stored = mergeFields(stored, quote.Fields())
		case domain.KindPayment:
			payment, err = finance.PaymentFromFields(id.String(), stored)
			if err != nil {
				return financeservice.AsValidation(err)
			}
			if payment.Date.IsZero() {
				payment.Date = now
			}
			if err := financeservice.ValidatePayment(payment); err != nil {
				return err
			}
			stored = mergeFields(stored, payment.Fields())
		}

		row := &domain.RecordRow{
			ID:        id,
			ProjectID: projectID,
			Kind:      string(kind),
			Fields:    stored,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertRecord(ctx, tx, row); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return apperr.Conflict(id.String(), "duplicate_record")
			}
			return err
		}
		created = row.ToRecord()

		if kind != domain.KindPayment {
			return nil
		}
		payments, err := s.loadPayments(ctx, tx, projectID)
		if err != nil {
			return err
		}
		view := domain.ProjectFromRecord(project.ToRecord())
		signal := s.reconciler.EvaluatePaymentRecorded(payments, payment, view.Stage)
		if !signal.Progressed {
			return nil
		}
		previous := signal.PreviousStage
		if err := s.setProjectStage(ctx, tx, project, signal.NewStage, &previous, now); err != nil {
			return err
		}
		s.log.Info("project stage advanced by deposit",
			zap.String("project_id", project.ID.String()),
			zap.String("payment_id", payment.ID),
			zap.String("stage", string(signal.NewStage)),
		)
		return nil
	})
	if err != nil {
		return domain.Record{}, err
	}
	return created, nil
}

// setProjectStage writes stage and, when preDeposit is non-nil, the
// remembered pre-deposit stage ("" clears it).
func (s *Store) setProjectStage(ctx context.Context, tx *gorm.DB, project *domain.ProjectRow, stage finance.Stage, preDeposit *finance.Stage, now time.Time) error {
	update := map[string]any{domain.FieldStage: string(stage)}
	if preDeposit != nil {
		if *preDeposit == "" {
			update[domain.FieldPreDepositStage] = nil
		} else {
			update[domain.FieldPreDepositStage] = string(*preDeposit)
		}
	}
	merged := mergeFields(project.Fields, update)
	if err := s.repo.UpdateProjectFields(ctx, tx, project.ID, merged, now); err != nil {
		return err
	}
	project.Fields = merged
	project.UpdatedAt = now
	return nil
}

func (s *Store) loadQuotes(ctx context.Context, tx *gorm.DB, projectID snowflake.ID) ([]finance.Quote, error) {
	rows, err := s.repo.ListRecords(ctx, tx, projectID, domain.KindQuote)
	if err != nil {
		return nil, err
	}
	quotes := make([]finance.Quote, 0, len(rows))
	for _, row := range rows {
		quote, err := finance.QuoteFromFields(row.ID.String(), row.Fields)
		if err != nil {
			s.log.Warn("skipping unreadable quote", zap.String("quote_id", row.ID.String()), zap.Error(err))
			continue
		}
		quotes = append(quotes, quote)
	}
	return quotes, nil
}

func (s *Store) loadPayments(ctx context.Context, tx *gorm.DB, projectID snowflake.ID) ([]finance.Payment, error) {
	rows, err := s.repo.ListRecords(ctx, tx, projectID, domain.KindPayment)
	if err != nil {
		return nil, err
	}
	payments := make([]finance.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := finance.PaymentFromFields(row.ID.String(), row.Fields)
		if err != nil {
			s.log.Warn("skipping unreadable payment", zap.String("payment_id", row.ID.String()), zap.Error(err))
			continue
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func parseID(kind domain.Kind, raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, apperr.NotFound(string(kind), raw)
	}
	return id, nil
}

func mergeFields(base map[string]any, overlay map[string]any) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func toString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case nil:
		return ""
	default:
		return ""
	}
}

func toBool(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	case float64:
		return typed != 0
	default:
		return false
	}
}
