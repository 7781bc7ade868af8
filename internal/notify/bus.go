// Package notify fans queue state changes out to live staff and display
// clients. Delivery is best effort: a subscriber whose buffer is full loses
// the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Channel string

const (
	ChannelStaff   Channel = "staff"
	ChannelDisplay Channel = "display"
)

const (
	ActionNewPatient           = "new_patient"
	ActionPatientRedistributed = "patient_redistributed"
	ActionAnnouncement         = "announcement"
)

// Event is implemented only by StaffEvent and DisplayEvent.
type Event interface {
	Channel() Channel
	counter() int64
}

type StaffEvent struct {
	Action      string    `json:"action"`
	QueueID     string    `json:"queue_id"`
	CounterID   int64     `json:"counter_id"`
	PatientName string    `json:"patient_name"`
	ServiceName string    `json:"service_name"`
	Timestamp   time.Time `json:"timestamp"`
}

func (StaffEvent) Channel() Channel { return ChannelStaff }
func (e StaffEvent) counter() int64 { return e.CounterID }

type DisplayEvent struct {
	Action            string `json:"action"`
	CounterID         int64  `json:"counter_id"`
	QueueID           string `json:"queue_id"`
	PatientName       string `json:"patient_name"`
	AnnouncementCount int    `json:"announcement_count"`
}

func (DisplayEvent) Channel() Channel { return ChannelDisplay }
func (e DisplayEvent) counter() int64 { return e.CounterID }

// Filter narrows a subscription. A zero CounterID matches every counter.
type Filter struct {
	CounterID int64 `json:"counter_id"`
}

func (f Filter) match(event Event) bool {
	return f.CounterID == 0 || f.CounterID == event.counter()
}

type Subscriber struct {
	ID      string
	Channel Channel
	Events  chan Event
	filter  Filter
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	buffer  int
	log     *slog.Logger
	dropped metric.Int64Counter
}

func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	dropped, err := otel.Meter("qms/clinic-queue/notify").Int64Counter(
		"notify.events.dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
	)
	if err != nil {
		logger.Warn("notify: drop counter unavailable", "error", err)
	}
	return &Bus{
		subs:    make(map[string]*Subscriber),
		buffer:  buffer,
		log:     logger,
		dropped: dropped,
	}
}

func (b *Bus) Subscribe(channel Channel, filter Filter) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Channel: channel,
		Events:  make(chan Event, b.buffer),
		filter:  filter,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its Events channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.Events)
}

func (b *Bus) UpdateFilter(sub *Subscriber, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.filter = filter
}

// Publish never blocks. Events of one call reach each subscriber in order.
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, event := range events {
		for _, sub := range b.subs {
			if sub.Channel != event.Channel() || !sub.filter.match(event) {
				continue
			}
			select {
			case sub.Events <- event:
			default:
				b.log.Warn("drop event for subscriber", "subscriber", sub.ID, "channel", string(sub.Channel))
				if b.dropped != nil {
					b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", string(sub.Channel))))
				}
			}
		}
	}
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	CounterID int64  `json:"counter_id"`
}

// ParseSubscribe decodes a client control message. "unsubscribe" resets the
// filter to every counter.
func ParseSubscribe(data []byte) (Filter, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Filter{}, false
	}
	switch msg.Action {
	case "subscribe":
		return Filter{CounterID: msg.CounterID}, true
	case "unsubscribe":
		return Filter{}, true
	default:
		return Filter{}, false
	}
}
