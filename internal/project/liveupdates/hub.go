// Package liveupdates fans out per-project change signals to the views
// currently watching a project.
package liveupdates

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	ReasonRefresh     = "refresh"
	ReasonOptimistic  = "optimistic"
	ReasonConfirmed   = "confirmed"
	ReasonUnconfirmed = "unconfirmed"
	ReasonRolledBack  = "rolled_back"
	ReasonClosed      = "closed"
)

const (
	DefaultBufferSize       = 8
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable   = errors.New("hub_unavailable")
	ErrInvalidProjectID = errors.New("invalid_project_id")
)

// Update tells watchers that the committed snapshot of a project changed.
type Update struct {
	ProjectID string    `json:"project_id"`
	Seq       uint64    `json:"seq"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Update
	subs   map[uint64]chan Update
	nextID uint64
}

type Subscription struct {
	hub       *Hub
	projectID string
	id        uint64
	ch        chan Update
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish delivers update to current subscribers without blocking. Slow
// subscribers miss updates and catch up from the next one.
func (h *Hub) Publish(update Update) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(update.ProjectID)
	if id == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[id]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, update)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan Update, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe registers a watcher and returns the recently buffered updates.
func (h *Hub) Subscribe(projectID string) (*Subscription, []Update, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	id := strings.TrimSpace(projectID)
	if id == "" {
		return nil, nil, ErrInvalidProjectID
	}

	stream := h.ensureStream(id)
	stream.mu.Lock()
	subID := stream.nextID
	stream.nextID++
	ch := make(chan Update, h.subscriberBuffer)
	stream.subs[subID] = ch
	buffer := append([]Update(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{hub: h, projectID: id, id: subID, ch: ch}, buffer, nil
}

// Subscribers reports how many watchers a project has.
func (h *Hub) Subscribers(projectID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[strings.TrimSpace(projectID)]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

func (h *Hub) ensureStream(projectID string) *stream {
	h.mu.RLock()
	current := h.streams[projectID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[projectID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Update)}
		h.streams[projectID] = current
	}
	return current
}

func (h *Hub) unsubscribe(projectID string, id uint64) {
	h.mu.RLock()
	stream := h.streams[projectID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[projectID] != stream {
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, projectID)
	}
}

func (s *Subscription) Updates() <-chan Update {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.projectID, s.id)
	})
}
