package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator() *Coordinator {
	return New(NewLocalGuard(), nil, nil, zap.NewNop())
}

func TestRunConfirmsSuccessfulWrite(t *testing.T) {
	c := newTestCoordinator()
	state := "before"

	out := c.Run(context.Background(), Mutation{
		Entity:   "quote",
		EntityID: "q1",
		Action:   "accept",
		Apply: func(context.Context) (func(), error) {
			prev := state
			state = "optimistic"
			return func() { state = prev }, nil
		},
		Write:   func(context.Context) error { return nil },
		Confirm: func(context.Context) error { state = "canonical"; return nil },
	})

	assert.Equal(t, StatusConfirmed, out.Status)
	assert.True(t, out.Succeeded())
	assert.NoError(t, out.Err)
	assert.Equal(t, "canonical", state)
}

func TestRunRollsBackOnWriteFailure(t *testing.T) {
	c := newTestCoordinator()
	state := "before"
	confirmed := false

	out := c.Run(context.Background(), Mutation{
		Entity:   "payment",
		EntityID: "p1",
		Action:   "delete",
		Apply: func(context.Context) (func(), error) {
			prev := state
			state = "optimistic"
			return func() { state = prev }, nil
		},
		Write:   func(context.Context) error { return apperr.Network("payment.delete", errors.New("boom")) },
		Confirm: func(context.Context) error { confirmed = true; return nil },
	})

	if out.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", out.Status)
	}
	assert.Equal(t, "before", state)
	assert.False(t, confirmed)
	assert.Equal(t, "network_error", out.Kind)
	assert.True(t, errors.Is(out.Err, apperr.ErrNetwork))
}

func TestRunLeavesOptimisticStateWhenConfirmFails(t *testing.T) {
	c := newTestCoordinator()
	state := "before"

	out := c.Run(context.Background(), Mutation{
		Entity:   "quote",
		EntityID: "q1",
		Action:   "mark_paid",
		Apply: func(context.Context) (func(), error) {
			state = "optimistic"
			return func() { state = "before" }, nil
		},
		Write:   func(context.Context) error { return nil },
		Confirm: func(context.Context) error { return apperr.Network("refresh", nil) },
	})

	assert.Equal(t, StatusUnconfirmed, out.Status)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "optimistic", state)
}

func TestRunRejectsValidationWithoutWriting(t *testing.T) {
	c := newTestCoordinator()
	wrote := false

	out := c.Run(context.Background(), Mutation{
		Entity:   "payment",
		EntityID: "new",
		Action:   "add",
		Apply: func(context.Context) (func(), error) {
			return nil, apperr.Validation("amount", "invalid", "amount must be positive")
		},
		Write: func(context.Context) error { wrote = true; return nil },
	})

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "validation_error", out.Kind)
	assert.False(t, wrote)
}

func TestRunSerializesPerEntity(t *testing.T) {
	c := newTestCoordinator()
	entered := make(chan struct{})
	unblock := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var first Outcome
	go func() {
		defer wg.Done()
		first = c.Run(context.Background(), Mutation{
			Entity:   "quote",
			EntityID: "q1",
			Action:   "accept",
			Apply:    func(context.Context) (func(), error) { return func() {}, nil },
			Write: func(context.Context) error {
				close(entered)
				<-unblock
				return nil
			},
		})
	}()
	<-entered

	second := c.Run(context.Background(), Mutation{
		Entity:   "quote",
		EntityID: "q1",
		Action:   "refuse",
		Apply:    func(context.Context) (func(), error) { t.Fatalf("apply must not run"); return nil, nil },
		Write:    func(context.Context) error { return nil },
	})
	require.Equal(t, StatusRejected, second.Status)
	assert.True(t, errors.Is(second.Err, apperr.ErrConflict))

	other := c.Run(context.Background(), Mutation{
		Entity:   "quote",
		EntityID: "q2",
		Action:   "accept",
		Apply:    func(context.Context) (func(), error) { return func() {}, nil },
		Write:    func(context.Context) error { return nil },
	})
	assert.Equal(t, StatusConfirmed, other.Status)

	close(unblock)
	wg.Wait()
	assert.Equal(t, StatusConfirmed, first.Status)

	third := c.Run(context.Background(), Mutation{
		Entity:   "quote",
		EntityID: "q1",
		Action:   "refuse",
		Apply:    func(context.Context) (func(), error) { return func() {}, nil },
		Write:    func(context.Context) error { return nil },
	})
	assert.Equal(t, StatusConfirmed, third.Status)
}
