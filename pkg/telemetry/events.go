package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a run status change or a log line fanned out to stream subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	EnvironmentID    string `json:"environment_id,omitempty"`
	EnvironmentRunID string `json:"environment_run_id,omitempty"`
	ModuleRunID      string `json:"module_run_id,omitempty"`
	ModuleID         string `json:"module_id,omitempty"`

	Message string `json:"message,omitempty"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeModuleRunStatus      = "module_run.status"
	EventTypeModuleRunLog         = "module_run.log"
	EventTypeEnvironmentRunStatus = "environment_run.status"
	EventTypeEnvironmentLocked    = "environment.locked"
	EventTypeEnvironmentUnlocked  = "environment.unlocked"
	EventTypeModuleForceUnlocked  = "module.force_unlocked"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events synchronously, in publish order, to every
// matching subscriber. Channel subscribers that fall behind lose events
// rather than stall the publisher.
type EventPublisher struct {
	config EventsConfig

	mu       sync.RWMutex
	funcs    []subscriberEntry
	channels map[string]*channelSubscription
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

type channelSubscription struct {
	ch     chan Event
	filter EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &EventPublisher{
		config:   cfg,
		channels: make(map[string]*channelSubscription),
	}
}

// Publish delivers an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.funcs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}

	for _, sub := range ep.channels {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}

	return nil
}

// Subscribe adds a function subscriber. It is called on the publisher's goroutine.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.funcs = append(ep.funcs, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// SubscribeChannel returns a subscription id and a buffered channel receiving
// matching events. Callers must Unsubscribe when done.
func (ep *EventPublisher) SubscribeChannel(filter EventFilter) (string, <-chan Event) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := uuid.New().String()
	sub := &channelSubscription{
		ch:     make(chan Event, ep.config.SubscriberBuffer),
		filter: filter,
	}
	ep.channels[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a channel subscription and closes its channel.
func (ep *EventPublisher) Unsubscribe(id string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if sub, ok := ep.channels[id]; ok {
		delete(ep.channels, id)
		close(sub.ch)
	}
}

// Shutdown closes every channel subscription.
func (ep *EventPublisher) Shutdown() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for id, sub := range ep.channels {
		delete(ep.channels, id)
		close(sub.ch)
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByModuleRun creates a filter for events of one module run.
func FilterByModuleRun(runID string) EventFilter {
	return func(event Event) bool {
		return event.ModuleRunID == runID
	}
}

// FilterByEnvironmentRun creates a filter for events of one environment run,
// including its child module runs.
func FilterByEnvironmentRun(runID string) EventFilter {
	return func(event Event) bool {
		return event.EnvironmentRunID == runID
	}
}
