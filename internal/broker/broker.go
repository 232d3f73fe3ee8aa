// Package broker provides the per-session fan-out hub. Subscribers are
// admitted with a full state snapshot and then receive every delta published
// for their session in publish order. The hub holds no session business
// logic; it is a pub/sub layer keyed by session ID.
package broker

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rockola/backend/internal/models"
)

// EventType enumerates the closed set of messages a subscriber can receive.
type EventType string

const (
	EventSnapshot          EventType = "snapshot"
	EventRequestSubmitted  EventType = "request_submitted"
	EventRequestAccepted   EventType = "request_accepted"
	EventNowPlayingChanged EventType = "now_playing_changed"
	EventRequestPlayed     EventType = "request_played"
	EventSessionEnded      EventType = "session_ended"
)

// Event is one message on a subscriber's stream.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Delta constructors. Building events only through these keeps the payload
// shape per kind in one place.

func Snapshot(snap models.Snapshot) Event {
	return Event{Type: EventSnapshot, Data: snap}
}

func RequestSubmitted(req models.SongRequest) Event {
	return Event{Type: EventRequestSubmitted, Data: req}
}

func RequestAccepted(req models.SongRequest) Event {
	return Event{Type: EventRequestAccepted, Data: req}
}

func NowPlayingChanged(req *models.SongRequest) Event {
	return Event{Type: EventNowPlayingChanged, Data: req}
}

func RequestPlayed(req models.SongRequest) Event {
	return Event{Type: EventRequestPlayed, Data: req}
}

func SessionEnded(sessionID string) Event {
	return Event{Type: EventSessionEnded, Data: map[string]string{"sessionId": sessionID}}
}

// subscriberBuffer is the per-subscriber event queue depth. A subscriber that
// falls this far behind is evicted rather than allowed to block the
// session's fan-out; it can reconnect for a fresh snapshot.
const subscriberBuffer = 64

// Subscriber is one admitted connection. Events preserves publish order for
// this subscriber. Done is closed when the hub evicts the subscriber.
type Subscriber struct {
	ID        string
	SessionID string
	Identity  models.Identity
	Events    chan Event
	done      chan struct{}
}

// Done is closed once the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Hub maintains the subscriber sets per session.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// New creates a ready-to-use Hub.
func New() *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscriber]struct{}),
	}
}

// Admit registers a new subscriber for a session. snapshot is evaluated under
// the hub lock and queued as the subscriber's first event, so the snapshot
// always precedes any delta published after admission. Concurrent admits are
// independent.
func (h *Hub) Admit(sessionID string, identity models.Identity, snapshot func() (models.Snapshot, error)) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap, err := snapshot()
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Identity:  identity,
		Events:    make(chan Event, subscriberBuffer),
		done:      make(chan struct{}),
	}
	sub.Events <- Snapshot(snap)

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

// Publish queues an event for every current subscriber of the session. A
// subscriber whose queue is full is evicted instead of blocking delivery to
// the others; there is no retry of a missed delta.
func (h *Hub) Publish(sessionID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[sessionID] {
		select {
		case sub.Events <- event:
		default:
			slog.Warn("evicting slow subscriber",
				slog.String("session_id", sessionID),
				slog.String("subscriber_id", sub.ID),
				slog.String("uid", sub.Identity.UID))
			h.removeLocked(sub)
		}
	}
}

// Remove drops a subscriber from its session's set. Idempotent.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// CloseSession evicts every subscriber of a session. Events already queued
// (such as a final session-ended delta) stay readable from each subscriber's
// channel.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	set, ok := h.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, member := set[sub]; !member {
		return
	}
	delete(set, sub)
	close(sub.done)
	if len(set) == 0 {
		delete(h.subs, sub.SessionID)
	}
}
