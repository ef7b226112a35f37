package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event published by modeld.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	ModelID      string `json:"model_id"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Event        string `json:"event,omitempty"`
	StateVersion int64  `json:"state_version"`
	JobID        string `json:"job_id,omitempty"`
	Error        string `json:"error,omitempty"`

	// Level is info, warning or error.
	Level string `json:"level"`
}

// Event types.
const (
	EventTypeStateChanged = "model.state_changed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Publish never blocks: a
// full buffer drops the event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     uint64
	closed      bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher and starts its delivery loop.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep
}

// Publish queues an event for delivery.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
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

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return fmt.Errorf("event publisher is shut down")
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		ep.dropped++
		return fmt.Errorf("event buffer full, dropped event %s", event.ID)
	}
}

// PublishStateChanged publishes a model.state_changed event.
func (ep *EventPublisher) PublishStateChanged(modelID, from, to, event string, stateVersion int64, jobID, errMsg string) error {
	level := EventLevelInfo
	if to == "failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:         EventTypeStateChanged,
		ModelID:      modelID,
		From:         from,
		To:           to,
		Event:        event,
		StateVersion: stateVersion,
		JobID:        jobID,
		Error:        errMsg,
		Level:        level,
	})
}

// Subscribe registers a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Dropped returns the number of events dropped on a full buffer.
func (ep *EventPublisher) Dropped() uint64 {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ep.flushBatch(batch)
		batch = make([]Event, 0, ep.config.MaxBatchSize)
	}

	for {
		select {
		case event, ok := <-ep.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			// Drain what is already buffered before exiting.
			for {
				select {
				case event, ok := <-ep.buffer:
					if !ok {
						flush()
						return
					}
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers events in order. Subscribers run on the delivery
// goroutine so per-model ordering is kept.
func (ep *EventPublisher) flushBatch(events []Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, event := range events {
		for _, entry := range subscribers {
			if entry.filter != nil && !entry.filter(event) {
				continue
			}
			entry.subscriber(event)
		}
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	close(ep.buffer)
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ep.cancel()
		return nil
	case <-ctx.Done():
		ep.cancel()
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByModelID allows events for a single model.
func FilterByModelID(modelID string) EventFilter {
	return func(event Event) bool {
		return event.ModelID == modelID
	}
}
