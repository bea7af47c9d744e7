// Package notify delivers confirmed project changes to outside parties.
// Delivery is fire-and-forget and never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	TypeQuoteAccepted   Type = "quote_accepted"
	TypeInvoiceSettled  Type = "invoice_settled"
	TypePaymentRecorded Type = "payment_recorded"
	TypeStageChanged    Type = "stage_changed"
)

type Notification struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New stamps a notification with a fresh id.
func New(kind Type, projectID, entityID, message string, at time.Time) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Type:       kind,
		ProjectID:  projectID,
		EntityID:   entityID,
		Message:    message,
		OccurredAt: at.UTC(),
	}
}

type Dispatcher interface {
	Dispatch(n Notification)
}

type NoOpDispatcher struct{}

func (NoOpDispatcher) Dispatch(Notification) {}

// LogDispatcher writes notifications to the log only.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notify")}
}

func (d *LogDispatcher) Dispatch(n Notification) {
	d.log.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("project_id", n.ProjectID),
		zap.String("entity_id", n.EntityID),
		zap.String("message", n.Message),
	)
}

// WebhookDispatcher posts notifications as JSON from a background worker.
// When the queue is full new notifications are dropped.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	log    *zap.Logger

	queue    chan Notification
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

type WebhookOptions struct {
	URL        string
	QueueSize  int
	HTTPClient *http.Client
	Log        *zap.Logger
}

func NewWebhook(opts WebhookOptions) *WebhookDispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		url:    opts.URL,
		client: client,
		log:    log.Named("notify.webhook"),
		queue:  make(chan Notification, size),
	}
}

func (d *WebhookDispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains queued notifications or gives up when ctx ends.
func (d *WebhookDispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *WebhookDispatcher) Dispatch(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.log.Warn("notification dropped", zap.String("notification_id", n.ID), zap.String("type", string(n.Type)))
	}
}

func (d *WebhookDispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.post(n); err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("type", string(n.Type)),
				zap.Error(err),
			)
		}
	}
}

func (d *WebhookDispatcher) post(n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
