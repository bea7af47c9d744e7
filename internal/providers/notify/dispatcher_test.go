package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookDeliversQueuedNotifications(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		assert.Equal(t, n.ID, r.Header.Get("Idempotency-Key"))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhook(WebhookOptions{URL: srv.URL, Log: zap.NewNop()})
	d.Start()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d.Dispatch(New(TypeQuoteAccepted, "42", "q1", "Quote accepted", at))
	d.Dispatch(New(TypePaymentRecorded, "42", "p1", "Payment recorded", at))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, TypeQuoteAccepted, got[0].Type)
	assert.Equal(t, "p1", got[1].EntityID)

	// Dispatch after stop is ignored.
	d.Dispatch(New(TypeStageChanged, "42", "", "late", at))
}

func TestWebhookDropsWhenQueueFull(t *testing.T) {
	d := NewWebhook(WebhookOptions{URL: "http://127.0.0.1:0", QueueSize: 1, Log: zap.NewNop()})
	d.Dispatch(New(TypeStageChanged, "1", "", "a", time.Now()))
	d.Dispatch(New(TypeStageChanged, "1", "", "b", time.Now()))
	assert.Len(t, d.queue, 1)
}
