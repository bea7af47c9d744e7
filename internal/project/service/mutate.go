package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/worksite/internal/apperr"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	financeservice "github.com/smallbiznis/worksite/internal/finance/service"
	"github.com/smallbiznis/worksite/internal/mutation"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	"go.uber.org/zap"
)

const provisionalPrefix = "tmp_"

// stageExpectation is the stage a confirmed write should have produced.
// It is enforced against the record store when the store did not apply
// the rule itself.
type stageExpectation struct {
	Stage      finance.Stage
	PreDeposit *finance.Stage
	Revert     bool
	Transition string
}

// MutateQuote applies action to quote id optimistically and writes it to
// the record store.
func (e *Engine) MutateQuote(ctx context.Context, id string, action project.QuoteAction) mutation.Outcome {
	var (
		patch     map[string]any
		signal    finance.StageSignal
		fromStage finance.Stage
		written   *stageWrite
		change    *mutation.StageChange
	)

	m := mutation.Mutation{
		Entity:   string(recordstore.KindQuote),
		EntityID: id,
		Action:   string(action.Type),
	}
	m.Apply = func(context.Context) (func(), error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed.Load() {
			return nil, project.ErrEngineClosed
		}

		before, ok := e.ws.Get(recordstore.KindQuote, id)
		if !ok {
			return nil, apperr.NotFound(string(recordstore.KindQuote), id)
		}
		current, err := finance.QuoteFromFields(id, before.Fields)
		if err != nil {
			return nil, financeservice.AsValidation(err)
		}
		next, fields, err := applyQuoteAction(current, action, e.deps.Clock.Now())
		if err != nil {
			return nil, err
		}
		patch = fields

		projectBefore, _ := e.ws.Project()
		fromStage = recordstore.ProjectFromRecord(projectBefore).Stage
		updated := before.Clone()
		updated.Fields = mergeFields(updated.Fields, next.Fields())
		e.ws.Put(updated)

		if action.Type == project.QuoteMarkPaid {
			signal = e.deps.Reconciler.EvaluateQuotePaid(e.quotesLocked(), fromStage)
			if signal.Progressed {
				written = e.setProjectStageLocked(signal.NewStage, nil)
			}
		}

		e.beginPendingLocked(id)
		e.commitLocalLocked(liveupdates.ReasonOptimistic)
		return e.rollbackFunc(id, func() {
			e.ws.Put(before)
			e.revertStageLocked(written)
		}), nil
	}
	m.Write = func(ctx context.Context) error {
		res, err := e.deps.Store.Patch(ctx, recordstore.KindQuote, id, patch)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if !e.closed.Load() && res.Record.ID != "" {
			res.Record.Kind = recordstore.KindQuote
			e.ws.Put(res.Record)
		}
		e.endPendingLocked(id)
		e.releaseStageLocked(written)
		e.mu.Unlock()

		now := e.deps.Clock.Now()
		if action.Type == project.QuoteAccept {
			e.deps.Notifier.Dispatch(notify.New(notify.TypeQuoteAccepted, e.projectID, id, "Quote accepted", now))
		}
		if res.StageProgressed || signal.Progressed {
			stage := res.NewStage
			if stage == "" {
				stage = signal.NewStage
			}
			change = &mutation.StageChange{Progressed: true, From: string(fromStage), To: string(stage)}
			e.deps.Metrics.RecordStageTransition(ctx, "progressed", string(stage))
			e.deps.Notifier.Dispatch(notify.New(notify.TypeInvoiceSettled, e.projectID, id, "All accepted quotes are paid", now))
		}
		return nil
	}
	m.Confirm = func(ctx context.Context) error {
		var expect *stageExpectation
		if signal.Progressed {
			expect = &stageExpectation{Stage: signal.NewStage, Transition: "progressed"}
		}
		return e.confirm(ctx, expect)
	}

	return withStageChange(e.deps.Coordinator.Run(ctx, m), change)
}

func applyQuoteAction(q finance.Quote, action project.QuoteAction, now time.Time) (finance.Quote, map[string]any, error) {
	if status, ok := action.TargetStatus(); ok {
		next, err := q.WithStatus(status, now)
		if err != nil {
			return finance.Quote{}, nil, financeservice.AsValidation(err)
		}
		return next, map[string]any{finance.FieldStatus: string(status)}, nil
	}

	switch action.Type {
	case project.QuoteMarkPaid, project.QuoteMarkUnpaid:
		paid := action.Type == project.QuoteMarkPaid
		next, err := q.WithInvoicePaid(paid)
		if err != nil {
			return finance.Quote{}, nil, financeservice.AsValidation(err)
		}
		return next, map[string]any{finance.FieldInvoicePaid: paid}, nil
	case project.QuoteSetAmount:
		next, err := q.WithAmount(action.Amount)
		if err != nil {
			return finance.Quote{}, nil, financeservice.AsValidation(err)
		}
		return next, map[string]any{finance.FieldAmount: action.Amount.String()}, nil
	}
	return finance.Quote{}, nil, apperr.Validation("action", project.ErrInvalidAction.Error(), fmt.Sprintf("unknown quote action %q", action.Type))
}

// MutatePayment adds, edits or deletes a payment optimistically. For an
// add, id is ignored and the outcome carries the id assigned by the
// record store.
func (e *Engine) MutatePayment(ctx context.Context, id string, action project.PaymentAction) mutation.Outcome {
	switch action.Type {
	case project.PaymentAdd:
		return e.addPayment(ctx, action.Input)
	case project.PaymentEdit:
		return e.editPayment(ctx, id, action.Input)
	case project.PaymentDelete:
		return e.deletePayment(ctx, id)
	}
	return e.deps.Coordinator.Run(ctx, mutation.Mutation{
		Entity:   string(recordstore.KindPayment),
		EntityID: id,
		Action:   string(action.Type),
		Apply: func(context.Context) (func(), error) {
			return nil, apperr.Validation("action", project.ErrInvalidAction.Error(), fmt.Sprintf("unknown payment action %q", action.Type))
		},
		Write: func(context.Context) error { return nil },
	})
}

func (e *Engine) addPayment(ctx context.Context, input project.PaymentInput) mutation.Outcome {
	provisional := provisionalPrefix + strings.ToLower(ulid.Make().String())
	var (
		payment   finance.Payment
		signal    finance.StageSignal
		createdID string
		written   *stageWrite
		change    *mutation.StageChange
	)

	m := mutation.Mutation{
		Entity:   string(recordstore.KindPayment),
		EntityID: provisional,
		Action:   string(project.PaymentAdd),
	}
	m.Apply = func(context.Context) (func(), error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed.Load() {
			return nil, project.ErrEngineClosed
		}

		now := e.deps.Clock.Now()
		payment = input.Apply(finance.Payment{ID: provisional, Kind: finance.PaymentKindRegular, Date: now})
		if err := financeservice.ValidatePayment(payment); err != nil {
			return nil, err
		}

		projectBefore, _ := e.ws.Project()
		e.ws.Put(recordstore.Record{
			ID:        provisional,
			Kind:      recordstore.KindPayment,
			ParentID:  e.projectID,
			Fields:    payment.Fields(),
			CreatedAt: now,
			UpdatedAt: now,
		})

		stage := recordstore.ProjectFromRecord(projectBefore).Stage
		signal = e.deps.Reconciler.EvaluatePaymentRecorded(e.paymentsLocked(), payment, stage)
		if signal.Progressed {
			previous := signal.PreviousStage
			written = e.setProjectStageLocked(signal.NewStage, &previous)
		}

		e.beginPendingLocked(provisional)
		e.commitLocalLocked(liveupdates.ReasonOptimistic)
		return e.rollbackFunc(provisional, func() {
			e.ws.Remove(recordstore.KindPayment, provisional)
			e.revertStageLocked(written)
		}), nil
	}
	m.Write = func(ctx context.Context) error {
		fields := payment.Fields()
		created, err := e.deps.Store.Create(ctx, recordstore.KindPayment, e.projectID, fields)
		if err != nil {
			return err
		}
		createdID = created.ID

		e.mu.Lock()
		e.ws.Remove(recordstore.KindPayment, provisional)
		if !e.closed.Load() && created.ID != "" {
			created.Kind = recordstore.KindPayment
			e.ws.Put(created)
		}
		e.endPendingLocked(provisional)
		e.releaseStageLocked(written)
		e.mu.Unlock()

		now := e.deps.Clock.Now()
		e.deps.Notifier.Dispatch(notify.New(notify.TypePaymentRecorded, e.projectID, created.ID,
			fmt.Sprintf("Payment of %s recorded", payment.Amount.StringFixed(2)), now))
		if signal.Progressed {
			change = &mutation.StageChange{Progressed: true, From: string(signal.PreviousStage), To: string(signal.NewStage)}
			e.deps.Metrics.RecordStageTransition(ctx, "deposit_advanced", string(signal.NewStage))
			e.deps.Notifier.Dispatch(notify.New(notify.TypeStageChanged, e.projectID, created.ID,
				"Project moved to "+string(signal.NewStage), now))
		}
		return nil
	}
	m.Confirm = func(ctx context.Context) error {
		var expect *stageExpectation
		if signal.Progressed {
			previous := signal.PreviousStage
			expect = &stageExpectation{Stage: signal.NewStage, PreDeposit: &previous, Transition: "deposit_advanced"}
		}
		return e.confirm(ctx, expect)
	}

	out := withStageChange(e.deps.Coordinator.Run(ctx, m), change)
	if createdID != "" {
		out.EntityID = createdID
	}
	return out
}

func (e *Engine) editPayment(ctx context.Context, id string, input project.PaymentInput) mutation.Outcome {
	var patch map[string]any

	m := mutation.Mutation{
		Entity:   string(recordstore.KindPayment),
		EntityID: id,
		Action:   string(project.PaymentEdit),
	}
	m.Apply = func(context.Context) (func(), error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed.Load() {
			return nil, project.ErrEngineClosed
		}

		before, ok := e.ws.Get(recordstore.KindPayment, id)
		if !ok {
			return nil, apperr.NotFound(string(recordstore.KindPayment), id)
		}
		current, err := finance.PaymentFromFields(id, before.Fields)
		if err != nil {
			return nil, financeservice.AsValidation(err)
		}
		next := input.Apply(current)
		if err := financeservice.ValidatePayment(next); err != nil {
			return nil, err
		}

		patch = next.Fields()
		if input.Notes != nil && next.Notes == nil {
			patch[finance.FieldNotes] = nil
		}
		updated := before.Clone()
		updated.Fields = mergeFields(updated.Fields, patch)
		e.ws.Put(updated)

		e.beginPendingLocked(id)
		e.commitLocalLocked(liveupdates.ReasonOptimistic)
		return e.rollbackFunc(id, func() {
			e.ws.Put(before)
		}), nil
	}
	m.Write = func(ctx context.Context) error {
		res, err := e.deps.Store.Patch(ctx, recordstore.KindPayment, id, patch)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if !e.closed.Load() && res.Record.ID != "" {
			res.Record.Kind = recordstore.KindPayment
			e.ws.Put(res.Record)
		}
		e.endPendingLocked(id)
		e.mu.Unlock()
		return nil
	}
	m.Confirm = func(ctx context.Context) error {
		return e.confirm(ctx, nil)
	}

	return e.deps.Coordinator.Run(ctx, m)
}

func (e *Engine) deletePayment(ctx context.Context, id string) mutation.Outcome {
	var (
		signal    finance.StageSignal
		fromStage finance.Stage
		written   *stageWrite
		change    *mutation.StageChange
	)

	m := mutation.Mutation{
		Entity:   string(recordstore.KindPayment),
		EntityID: id,
		Action:   string(project.PaymentDelete),
	}
	m.Apply = func(context.Context) (func(), error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed.Load() {
			return nil, project.ErrEngineClosed
		}

		before, ok := e.ws.Get(recordstore.KindPayment, id)
		if !ok {
			return nil, apperr.NotFound(string(recordstore.KindPayment), id)
		}
		projectBefore, _ := e.ws.Project()
		view := recordstore.ProjectFromRecord(projectBefore)
		fromStage = view.Stage
		if deleted, err := finance.PaymentFromFields(id, before.Fields); err == nil {
			signal = e.deps.Reconciler.EvaluatePaymentDeleted(e.paymentsLocked(), deleted, view.Stage, view.PreDepositStage)
		}

		e.ws.Remove(recordstore.KindPayment, id)
		e.ws.Tombstone(recordstore.KindPayment, id)
		if signal.Reverted {
			cleared := finance.Stage("")
			written = e.setProjectStageLocked(signal.NewStage, &cleared)
		}

		e.beginPendingLocked(id)
		e.commitLocalLocked(liveupdates.ReasonOptimistic)
		return e.rollbackFunc(id, func() {
			e.ws.Untombstone(recordstore.KindPayment, id)
			e.ws.Put(before)
			e.revertStageLocked(written)
		}), nil
	}
	m.Write = func(ctx context.Context) error {
		res, err := e.deps.Store.Delete(ctx, recordstore.KindPayment, id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.endPendingLocked(id)
		e.releaseStageLocked(written)
		e.mu.Unlock()

		if res.StageReverted || signal.Reverted {
			stage := res.NewStage
			if stage == "" {
				stage = signal.NewStage
			}
			change = &mutation.StageChange{Reverted: true, From: string(fromStage), To: string(stage)}
			e.deps.Metrics.RecordStageTransition(ctx, "reverted", string(stage))
			e.deps.Notifier.Dispatch(notify.New(notify.TypeStageChanged, e.projectID, id,
				"Project moved back to "+string(stage), e.deps.Clock.Now()))
		}
		return nil
	}
	m.Confirm = func(ctx context.Context) error {
		var expect *stageExpectation
		if signal.Reverted {
			cleared := finance.Stage("")
			expect = &stageExpectation{Stage: signal.NewStage, PreDeposit: &cleared, Revert: true, Transition: "reverted"}
		}
		return e.confirm(ctx, expect)
	}

	return withStageChange(e.deps.Coordinator.Run(ctx, m), change)
}

// withStageChange reports change on out when the write went through.
func withStageChange(out mutation.Outcome, change *mutation.StageChange) mutation.Outcome {
	if change != nil && out.Succeeded() {
		out.Stage = change
	}
	return out
}

// rollbackFunc wraps restore so it runs under the engine lock, releases
// the pending mark and commits the restored state.
func (e *Engine) rollbackFunc(id string, restore func()) func() {
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.endPendingLocked(id)
		if e.closed.Load() {
			return
		}
		restore()
		e.commitLocalLocked(liveupdates.ReasonRolledBack)
	}
}

// stageWrite remembers the project stage fields one mutation changed
// optimistically and the values they held before.
type stageWrite struct {
	before   map[string]fieldValue
	after    map[string]any
	created  bool
	released bool
}

type fieldValue struct {
	value any
	ok    bool
}

// setProjectStageLocked changes the cached project stage. A non-nil
// preDeposit is written too, "" clearing it. The returned write keeps the
// stage owned by the caller until releaseStageLocked.
func (e *Engine) setProjectStageLocked(stage finance.Stage, preDeposit *finance.Stage) *stageWrite {
	rec, ok := e.ws.Project()
	if !ok {
		rec = recordstore.Record{ID: e.projectID, Kind: recordstore.KindProject}
	}
	update := map[string]any{recordstore.FieldStage: string(stage)}
	if preDeposit != nil {
		if *preDeposit == "" {
			update[recordstore.FieldPreDepositStage] = nil
		} else {
			update[recordstore.FieldPreDepositStage] = string(*preDeposit)
		}
	}

	w := &stageWrite{before: make(map[string]fieldValue, len(update)), after: update, created: !ok}
	for key := range update {
		value, present := rec.Fields[key]
		w.before[key] = fieldValue{value: value, ok: present}
	}

	rec.Fields = mergeFields(rec.Fields, update)
	e.ws.SetProject(rec)
	e.stageOwners++
	return w
}

// releaseStageLocked ends the ownership taken by setProjectStageLocked.
func (e *Engine) releaseStageLocked(w *stageWrite) {
	if w == nil || w.released {
		return
	}
	w.released = true
	e.stageOwners--
}

// revertStageLocked undoes w when the project still shows the values w
// wrote. A stage moved since by another write is left in place.
func (e *Engine) revertStageLocked(w *stageWrite) {
	if w == nil {
		return
	}
	defer e.releaseStageLocked(w)

	rec, ok := e.ws.Project()
	if !ok {
		return
	}
	for key, value := range w.after {
		if !sameField(rec.Fields[key], value) {
			e.log.Debug("project stage changed since the optimistic write, keeping it",
				zap.String("field", key),
				zap.Any("current", rec.Fields[key]),
			)
			return
		}
	}
	if w.created {
		e.ws.ClearProject()
		return
	}

	fields := mergeFields(rec.Fields, nil)
	for key, prev := range w.before {
		if prev.ok {
			fields[key] = prev.value
		} else {
			delete(fields, key)
		}
	}
	rec.Fields = fields
	e.ws.SetProject(rec)
}

func sameField(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// stageFields picks the stage fields out of a project record.
func stageFields(fields map[string]any) map[string]any {
	out := make(map[string]any, 2)
	for _, key := range []string{recordstore.FieldStage, recordstore.FieldPreDepositStage} {
		if value, ok := fields[key]; ok {
			out[key] = value
		}
	}
	return out
}

// correctStage writes the expected stage when the confirmed canonical
// state does not show it. A progression is never applied over a stage
// that already ranks at or above it.
func (e *Engine) correctStage(ctx context.Context, expect stageExpectation) {
	current := e.Snapshot().Project.Stage
	if current == expect.Stage {
		return
	}
	if !expect.Revert && !current.Before(expect.Stage) {
		return
	}

	fields := map[string]any{recordstore.FieldStage: string(expect.Stage)}
	if expect.PreDeposit != nil {
		if *expect.PreDeposit == "" {
			fields[recordstore.FieldPreDepositStage] = nil
		} else {
			fields[recordstore.FieldPreDepositStage] = string(*expect.PreDeposit)
		}
	}
	if _, err := e.deps.Store.Patch(ctx, recordstore.KindProject, e.projectID, fields); err != nil {
		e.log.Warn("stage correction failed",
			zap.String("transition", expect.Transition),
			zap.String("stage", string(expect.Stage)),
			zap.Error(err),
		)
		return
	}
	e.log.Info("project stage corrected",
		zap.String("transition", expect.Transition),
		zap.String("from", string(current)),
		zap.String("to", string(expect.Stage)),
	)
	if err := e.Refresh(ctx); err != nil {
		e.markUnconfirmed(err)
	}
}

func mergeFields(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
