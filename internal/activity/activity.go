// Package activity records what a user did with the cart and orders.
// Events are best effort: a failing sink never fails the operation that
// produced the event.
package activity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types
const (
	SessionLogin   = "session.login"
	SessionLogout  = "session.logout"
	SessionExpired = "session.expired"
	CartItemAdded  = "cart.item_added"
	CartItemUpdate = "cart.item_updated"
	CartItemRemove = "cart.item_removed"
	CartCleared    = "cart.cleared"
	OrderPlaced    = "order.placed"
	OrderStatus    = "order.status_changed"
)

// Event is one user action
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	ItemID     int64     `json:"item_id,omitempty"`
	CartItemID int64     `json:"cart_item_id,omitempty"`
	Quantity   int       `json:"quantity,omitempty"`
	OrderID    int64     `json:"order_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent stamps an event with an id and the current time
func NewEvent(eventType string, userID int64) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		UserID: userID,
		At:     time.Now().UTC(),
	}
}

// NewUserEvent is NewEvent with the username filled in
func NewUserEvent(eventType string, userID int64, username string) Event {
	e := NewEvent(eventType, userID)
	e.Username = username
	return e
}

// Key is the partition key: events of one user share it
func (e Event) Key() string {
	return strconv.FormatInt(e.UserID, 10)
}

// Sink receives activity events
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop drops every event
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// LogSink writes events to a logger
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "activity").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	s.logger.Info().
		Str("event_id", e.ID).
		Str("type", e.Type).
		Int64("user_id", e.UserID).
		Int64("item_id", e.ItemID).
		Int64("cart_item_id", e.CartItemID).
		Int("quantity", e.Quantity).
		Int64("order_id", e.OrderID).
		Str("status", e.Status).
		Msg("activity")
	return nil
}

// Publisher is satisfied by the Kafka producer
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// KafkaSink publishes events keyed by user id
type KafkaSink struct {
	publisher Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

func (s *KafkaSink) Record(ctx context.Context, e Event) error {
	return s.publisher.Publish(ctx, e.Key(), e)
}

// Multi fans an event out to every sink and joins their errors
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder emits events for a controller and logs sink failures
type Recorder struct {
	sink   Sink
	logger zerolog.Logger
}

func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	if sink == nil {
		sink = Nop{}
	}
	return &Recorder{sink: sink, logger: logger}
}

// Emit records e; errors are logged, not returned
func (r *Recorder) Emit(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Warn().Err(err).Str("type", e.Type).Msg("failed to record activity")
	}
}

// MemorySink keeps events in memory; the shell uses it for its history view
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of what was recorded
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the recorded event types in order
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
