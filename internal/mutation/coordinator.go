// Package mutation runs optimistic writes: apply locally, write remotely,
// then confirm against canonical data or roll back.
package mutation

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusUnconfirmed Status = "unconfirmed"
	StatusRolledBack  Status = "rolled_back"
	StatusRejected    Status = "rejected"
)

// Mutation describes one optimistic write.
//
// Apply changes local state and returns the function that restores it.
// Write performs the remote call. Confirm reloads canonical state; its
// failure leaves the optimistic state visible.
type Mutation struct {
	Entity   string
	EntityID string
	Action   string

	Apply   func(ctx context.Context) (rollback func(), err error)
	Write   func(ctx context.Context) error
	Confirm func(ctx context.Context) error
}

func (m Mutation) key() string {
	return m.Entity + ":" + m.EntityID
}

// StageChange is a project stage transition caused by a mutation.
type StageChange struct {
	Progressed bool   `json:"progressed,omitempty"`
	Reverted   bool   `json:"reverted,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// Outcome is the structured result of a mutation. Stage is set when the
// write moved the project stage.
type Outcome struct {
	Entity   string        `json:"entity"`
	EntityID string        `json:"entity_id"`
	Action   string        `json:"action"`
	Status   Status        `json:"status"`
	Kind     string        `json:"error_kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	Stage    *StageChange  `json:"stage,omitempty"`
	Elapsed  time.Duration `json:"-"`
	Err      error         `json:"-"`
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusConfirmed || o.Status == StatusUnconfirmed
}

type Params struct {
	fx.In

	Guard   Guard
	Metrics *metrics.Metrics `optional:"true"`
	Clock   clock.Clock
	Log     *zap.Logger
}

type Coordinator struct {
	guard   Guard
	metrics *metrics.Metrics
	clock   clock.Clock
	tracer  trace.Tracer
	log     *zap.Logger
}

func NewService(p Params) *Coordinator {
	return New(p.Guard, p.Metrics, p.Clock, p.Log)
}

func New(guard Guard, m *metrics.Metrics, clk clock.Clock, log *zap.Logger) *Coordinator {
	if guard == nil {
		guard = NewLocalGuard()
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		guard:   guard,
		metrics: m,
		clock:   clk,
		tracer:  otel.Tracer("worksite/mutation"),
		log:     log.Named("mutation.coordinator"),
	}
}

// Run executes m. It never panics on remote failure: every failure is
// reported through the returned Outcome.
func (c *Coordinator) Run(ctx context.Context, m Mutation) Outcome {
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "mutation."+m.Entity+"."+m.Action, trace.WithAttributes(
		attribute.String("entity", m.Entity),
		attribute.String("entity_id", m.EntityID),
		attribute.String("action", m.Action),
	))
	defer span.End()

	out := c.run(ctx, m)
	out.Elapsed = c.clock.Now().Sub(start)

	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	if out.Err != nil && out.Status != StatusUnconfirmed {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Kind)
	}
	c.metrics.RecordMutation(ctx, m.Entity, m.Action, string(out.Status))
	return out
}

func (c *Coordinator) run(ctx context.Context, m Mutation) Outcome {
	out := Outcome{Entity: m.Entity, EntityID: m.EntityID, Action: m.Action}

	release, err := c.guard.Acquire(ctx, m.key())
	if err != nil {
		c.log.Info("mutation rejected",
			zap.String("entity", m.Entity),
			zap.String("entity_id", m.EntityID),
			zap.Error(err),
		)
		return out.fail(StatusRejected, err)
	}
	defer release()

	if m.Apply == nil || m.Write == nil {
		return out.fail(StatusRejected, errors.New("incomplete_mutation"))
	}

	rollback, err := m.Apply(ctx)
	if err != nil {
		return out.fail(StatusRejected, err)
	}

	if err := m.Write(ctx); err != nil {
		if rollback != nil {
			rollback()
		}
		c.log.Warn("mutation rolled back",
			zap.String("entity", m.Entity),
			zap.String("entity_id", m.EntityID),
			zap.String("action", m.Action),
			zap.String("error_kind", apperr.Kind(err)),
			zap.Error(err),
		)
		return out.fail(StatusRolledBack, err)
	}

	if m.Confirm != nil {
		if err := m.Confirm(ctx); err != nil {
			c.log.Warn("mutation unconfirmed",
				zap.String("entity", m.Entity),
				zap.String("entity_id", m.EntityID),
				zap.Error(err),
			)
			return out.fail(StatusUnconfirmed, err)
		}
	}

	out.Status = StatusConfirmed
	return out
}

func (o Outcome) fail(status Status, err error) Outcome {
	o.Status = status
	o.Err = err
	o.Kind = apperr.Kind(err)
	o.Message = apperr.Message(err)
	return o
}
