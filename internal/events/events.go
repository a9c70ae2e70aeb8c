package events

import (
	"sync"
	"time"

	"medisync/internal/models"
)

// TaskEvent is emitted on every task status transition.
type TaskEvent struct {
	TaskID       string            `json:"task_id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Status       models.TaskStatus `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ConnectivityEvent is emitted on every connectivity change.
type ConnectivityEvent struct {
	IsOnline  bool               `json:"is_online"`
	Tier      models.QualityTier `json:"tier"`
	Timestamp time.Time          `json:"timestamp"`
}

// TaskHandler reacts to a task transition.
type TaskHandler func(TaskEvent)

// ConnectivityHandler reacts to a connectivity change.
type ConnectivityHandler func(ConnectivityEvent)

// Bus provides in-process pub/sub for engine notifications. Publishers are
// exclusive (dispatcher for tasks, monitor for connectivity); any number of
// subscribers may attach and must unsubscribe when done.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	taskSubs map[int]TaskHandler
	connSubs map[int]ConnectivityHandler
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		taskSubs: make(map[int]TaskHandler),
		connSubs: make(map[int]ConnectivityHandler),
	}
}

// Subscription identifies a registered handler; Unsubscribe releases it.
type Subscription struct {
	bus  *Bus
	id   int
	kind byte
}

const (
	kindTask = iota
	kindConnectivity
)

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.kind == kindTask {
		delete(s.bus.taskSubs, s.id)
	} else {
		delete(s.bus.connSubs, s.id)
	}
	s.bus = nil
}

// SubscribeTasks registers a handler for task transitions.
func (b *Bus) SubscribeTasks(handler TaskHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.taskSubs[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID, kind: kindTask}
}

// SubscribeConnectivity registers a handler for connectivity changes.
func (b *Bus) SubscribeConnectivity(handler ConnectivityHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.connSubs[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID, kind: kindConnectivity}
}

// PublishTask notifies task subscribers. Handlers run synchronously;
// the caller decides the concurrency model.
func (b *Bus) PublishTask(event TaskEvent) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]TaskHandler, 0, len(b.taskSubs))
	for _, h := range b.taskSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// PublishConnectivity notifies connectivity subscribers.
func (b *Bus) PublishConnectivity(event ConnectivityEvent) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]ConnectivityHandler, 0, len(b.connSubs))
	for _, h := range b.connSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
