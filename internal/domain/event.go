package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known raw event names pushed by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventConnectRejected  = "connect.rejected"
	EventTick             = "tick"
	EventHealth           = "health"
	EventTaskDone         = "task.done"
	EventTaskProgress     = "task.progress"
	EventChatMessage      = "chat.message"
	EventChatDelta        = "chat.delta"
	EventAgentStatus      = "agent.status"
	EventSessionCreated   = "session.created"
	EventCronFired        = "cron.fired"
)

// EventCategory groups raw event names by their leading segment.
type EventCategory string

const (
	CategoryAgent    EventCategory = "agent"
	CategoryChat     EventCategory = "chat"
	CategoryTask     EventCategory = "task"
	CategorySession  EventCategory = "session"
	CategoryCron     EventCategory = "cron"
	CategorySkill    EventCategory = "skill"
	CategoryPresence EventCategory = "presence"
	CategoryHealth   EventCategory = "health"
	CategoryTick     EventCategory = "tick"
	CategoryConnect  EventCategory = "connect"

	// CategoryGeneric holds every name outside the known set so that events
	// from a newer gateway are still delivered.
	CategoryGeneric EventCategory = "generic"
)

var knownCategories = map[EventCategory]bool{
	CategoryAgent:    true,
	CategoryChat:     true,
	CategoryTask:     true,
	CategorySession:  true,
	CategoryCron:     true,
	CategorySkill:    true,
	CategoryPresence: true,
	CategoryHealth:   true,
	CategoryTick:     true,
	CategoryConnect:  true,
}

// CategoryOf maps a raw event name to its category.
func CategoryOf(name string) EventCategory {
	prefix, _, _ := strings.Cut(name, ".")
	c := EventCategory(prefix)
	if knownCategories[c] {
		return c
	}
	return CategoryGeneric
}

// Event is a push event received from the gateway. The payload is kept as an
// open map since the wire format is extensible.
type Event struct {
	Name       string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"-"`
}

// Category returns the event's category, CategoryGeneric for unknown names.
func (e Event) Category() EventCategory { return CategoryOf(e.Name) }

// String returns the payload value at key when it is a string.
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Decode converts the open payload into v via a JSON round trip.
func (e Event) Decode(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// TaskEvent is the typed view of task.* events.
type TaskEvent struct {
	TaskID   string         `json:"taskId"`
	Status   string         `json:"status"`
	Progress float64        `json:"progress,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ChatEvent is the typed view of chat.* events.
type ChatEvent struct {
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Delta      string `json:"delta,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// AgentEvent is the typed view of agent.* events.
type AgentEvent struct {
	AgentID string `json:"agentId"`
	RunID   string `json:"runId,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Stream  string `json:"stream,omitempty"`
}

// SessionEvent is the typed view of session.* events.
type SessionEvent struct {
	SessionKey string `json:"sessionKey"`
	Channel    string `json:"channel,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

// ChallengePayload is the payload of the connect.challenge handshake push.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// AsTask decodes a task.* event. ok is false for other categories or bad payloads.
func (e Event) AsTask() (TaskEvent, bool) {
	var t TaskEvent
	return t, e.Category() == CategoryTask && e.Decode(&t) == nil
}

// AsChat decodes a chat.* event.
func (e Event) AsChat() (ChatEvent, bool) {
	var c ChatEvent
	return c, e.Category() == CategoryChat && e.Decode(&c) == nil
}

// AsAgent decodes an agent.* event.
func (e Event) AsAgent() (AgentEvent, bool) {
	var a AgentEvent
	return a, e.Category() == CategoryAgent && e.Decode(&a) == nil
}

// AsSession decodes a session.* event.
func (e Event) AsSession() (SessionEvent, bool) {
	var s SessionEvent
	return s, e.Category() == CategorySession && e.Decode(&s) == nil
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for events. The simulated
// gateway uses it as the source of the push frames it broadcasts.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific raw event name.
	// Returns an unsubscribe function.
	Subscribe(name string, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
