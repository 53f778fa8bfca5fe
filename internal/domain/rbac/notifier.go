package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the payload pushed to connected clients when permissions change.
// Direct user events carry the user's freshly resolved permission set so the
// client can refresh without a round trip.
type Event struct {
	Type        string     `json:"type"`
	OrgID       string     `json:"org_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	RoleID      *uuid.UUID `json:"role_id,omitempty"`
	RoleKey     string     `json:"role_key,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Notifier fans permission-change events out to listeners. Delivery is
// fire-and-forget: implementations must never block the caller and must not
// surface delivery failures to it.
type Notifier interface {
	NotifyUser(orgID string, userID uuid.UUID, ev Event)
	NotifyOrg(orgID string, ev Event)
}

// Publisher is the transport the outbox delivers to (the websocket hub).
type Publisher interface {
	PublishToUser(orgID, userID, eventType string, data interface{})
	PublishToOrg(orgID, eventType string, data interface{})
}

type queuedEvent struct {
	orgID  string
	userID *uuid.UUID
	event  Event
}

// Outbox is the channel-backed Notifier. Enqueue never blocks; when the
// buffer is full the event is dropped and logged, clients recover via the
// permission-change feed.
type Outbox struct {
	ch     chan queuedEvent
	pub    Publisher
	logger zerolog.Logger
}

func NewOutbox(pub Publisher, buffer int, logger zerolog.Logger) *Outbox {
	if buffer <= 0 {
		buffer = 256
	}
	return &Outbox{
		ch:     make(chan queuedEvent, buffer),
		pub:    pub,
		logger: logger.With().Str("component", "rbac-outbox").Logger(),
	}
}

func (o *Outbox) NotifyUser(orgID string, userID uuid.UUID, ev Event) {
	uid := userID
	o.enqueue(queuedEvent{orgID: orgID, userID: &uid, event: ev})
}

func (o *Outbox) NotifyOrg(orgID string, ev Event) {
	o.enqueue(queuedEvent{orgID: orgID, event: ev})
}

func (o *Outbox) enqueue(q queuedEvent) {
	select {
	case o.ch <- q:
	default:
		o.logger.Warn().
			Str("event_type", q.event.Type).
			Str("org_id", q.orgID).
			Msg("outbox full, dropping permission event")
	}
}

// Run dispatches queued events until ctx is cancelled. Start it once from
// the server entrypoint.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-o.ch:
			if q.userID != nil {
				o.pub.PublishToUser(q.orgID, q.userID.String(), q.event.Type, q.event)
			} else {
				o.pub.PublishToOrg(q.orgID, q.event.Type, q.event)
			}
		}
	}
}

// Pending reports the number of undispatched events.
func (o *Outbox) Pending() int {
	return len(o.ch)
}

// NopNotifier discards all events. Used by CLI commands that mutate roles
// without a running hub.
type NopNotifier struct{}

func (NopNotifier) NotifyUser(string, uuid.UUID, Event) {}
func (NopNotifier) NotifyOrg(string, Event)             {}
