package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/entrepeneur4lyf/llmrouter/internal/clock"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 1000
)

// Broker is a generic publish-subscribe audit bus, kept in memory only —
// this system carries no persistence backend (§1 Non-goals: no external
// storage dependency). Grounded on the teacher's internal/events/broker.go
// Broker[T], trimmed of its PersistenceStore and chat/context/permission
// event plumbing and retargeted at circuit/failover/drain audit events.
type Broker[T any] struct {
	subs         map[chan Event[T]]subscriberInfo
	mu           sync.RWMutex
	done         chan struct{}
	subCount     int
	maxEvents    int
	bufferSize   int
	eventHistory []Event[T]
	historyMu    sync.RWMutex
	clock        clock.Clock
	log          *log.Logger
}

type subscriberInfo struct {
	ID      string
	Filters []EventFilter
}

// NewBroker creates a new broker with default buffer and history sizes.
func NewBroker[T any](c clock.Clock, logger *log.Logger) *Broker[T] {
	return NewBrokerWithOptions[T](c, logger, defaultBufferSize, defaultMaxEvents)
}

// NewBrokerWithOptions creates a new broker with custom buffer/history sizes.
func NewBrokerWithOptions[T any](c clock.Clock, logger *log.Logger, channelBufferSize, maxEvents int) *Broker[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker[T]{
		subs:         make(map[chan Event[T]]subscriberInfo),
		done:         make(chan struct{}),
		maxEvents:    maxEvents,
		bufferSize:   channelBufferSize,
		eventHistory: make([]Event[T], 0, maxEvents),
		clock:        c,
		log:          logger,
	}
}

// Publish emits an event to all subscribers whose filters accept it, and
// appends it to the bounded in-memory history.
func (b *Broker[T]) Publish(eventType EventType, providerID string, payload T) {
	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		ID:         uuid.New().String(),
		Type:       eventType,
		Payload:    payload,
		Timestamp:  b.clock.Now(),
		ProviderID: providerID,
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, info := range b.subs {
		if b.shouldSendToSubscriber(event, info.Filters) {
			select {
			case ch <- event:
			default:
				b.log.Warn("event channel full, dropping event", "subscriber", info.ID, "event", event.ID)
			}
		}
	}
}

// Subscribe creates a new subscription with optional filters; the channel
// closes when ctx is done.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	ch := make(chan Event[T], b.bufferSize)
	info := subscriberInfo{ID: uuid.New().String(), Filters: filters}
	b.subs[ch] = info
	b.subCount++
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
		b.subCount--
	}
}

func (b *Broker[T]) shouldSendToSubscriber(event Event[T], filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}
	anyEvent := Event[any]{
		ID:         event.ID,
		Type:       event.Type,
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
		ProviderID: event.ProviderID,
	}
	for _, filter := range filters {
		if !filter(anyEvent) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) addToHistory(event Event[T]) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.eventHistory = append(b.eventHistory, event)
	if len(b.eventHistory) > b.maxEvents {
		copy(b.eventHistory, b.eventHistory[len(b.eventHistory)-b.maxEvents:])
		b.eventHistory = b.eventHistory[:b.maxEvents]
	}
}

// History returns recent events matching the given filters, most recent
// last.
func (b *Broker[T]) History(filters ...EventFilter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if len(filters) == 0 {
		result := make([]Event[T], len(b.eventHistory))
		copy(result, b.eventHistory)
		return result
	}

	var result []Event[T]
	for _, event := range b.eventHistory {
		if b.shouldSendToSubscriber(event, filters) {
			result = append(result, event)
		}
	}
	return result
}

// Stats reports broker-level counters.
type Stats struct {
	SubscriberCount int  `json:"subscriber_count"`
	EventHistory    int  `json:"event_history"`
	MaxEvents       int  `json:"max_events"`
	IsShutdown      bool `json:"is_shutdown"`
}

func (b *Broker[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.historyMu.RLock()
	historyCount := len(b.eventHistory)
	b.historyMu.RUnlock()
	return Stats{
		SubscriberCount: b.subCount,
		EventHistory:    historyCount,
		MaxEvents:       b.maxEvents,
		IsShutdown:      b.isShutdown(),
	}
}

func (b *Broker[T]) isShutdown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown closes every subscriber channel and marks the broker inactive.
func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.subCount = 0
	b.log.Debug("event broker shut down", "history", len(b.eventHistory))
}

func (b *Broker[T]) String() string {
	s := b.Stats()
	return fmt.Sprintf("Broker[subscribers=%d, history=%d, shutdown=%v]", s.SubscriberCount, s.EventHistory, s.IsShutdown)
}
