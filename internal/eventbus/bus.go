package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/phasegate/phasegate/internal/workflow"
)

type EventType string

const (
	EventGateAwaiting  EventType = "gate.awaiting"
	EventGateDecided   EventType = "gate.decided"
	EventPhaseStarted  EventType = "phase.started"
	EventPhaseFinished EventType = "phase.finished"
	EventWorkflowDone  EventType = "workflow.done"
)

type Event struct {
	ID        string
	Type      EventType
	Mode      workflow.Mode
	Resource  string
	Payload   string
	Metadata  map[string]string
	CreatedAt time.Time
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, mode workflow.Mode, resource string, payload string, metadata map[string]string) {
	event := &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Mode:      mode,
		Resource:  resource,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	b.Publish(event)
}
