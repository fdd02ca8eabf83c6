// Package app is the application-facing inbox/outbox façade on top of
// the routing engine: producers submit typed payloads toward a
// destination, consumers subscribe by type tag, and delivery of
// locally addressed DATA envelopes is dispatched to every matching
// subscriber.
package app

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/link"
	"github.com/skyfleet/meshcore/internal/mesh"
)

// Handler processes one delivered message. source is the originating
// node id; body is the application payload as submitted.
type Handler func(source string, body json.RawMessage)

// message is the wire envelope carried inside a DATA payload's inner
// payload field, letting the mesh layer stay ignorant of type tags.
type message struct {
	TypeTag string          `json:"type_tag"`
	Body    json.RawMessage `json:"body"`
}

type subscription struct {
	id      string
	typeTag string
	handler Handler
}

// Engine is the application layer's outbox/inbox. It implements
// mesh.Deliverer so the routing engine can hand it locally addressed
// messages without importing this package.
type Engine struct {
	mesh   *mesh.Engine
	logger *zap.Logger

	mu   sync.RWMutex
	subs []subscription
}

// NewEngine constructs an application engine. meshEngine may be nil at
// construction time and supplied later via Bind, since the routing
// engine itself needs a Deliverer (this engine) before it exists.
func NewEngine(meshEngine *mesh.Engine, logger *zap.Logger) *Engine {
	return &Engine{mesh: meshEngine, logger: logger}
}

// Bind attaches the routing engine used by Submit/BroadcastDetection/
// BroadcastTelemetry. It exists to break the construction cycle
// between app.Engine (a mesh.Deliverer) and mesh.Engine (which needs a
// Deliverer to be built).
func (e *Engine) Bind(meshEngine *mesh.Engine) {
	e.mesh = meshEngine
}

// Submit wraps body with typeTag and routes it toward destination at
// the given priority. body must be valid JSON.
func (e *Engine) Submit(destination, typeTag string, body json.RawMessage, priority link.Priority) error {
	wire, err := json.Marshal(message{TypeTag: typeTag, Body: body})
	if err != nil {
		return fmt.Errorf("app: marshal message: %w", err)
	}
	return e.mesh.Send(destination, wire, priority)
}

// BroadcastDetection submits a detection event toward destination
// (typically the configured gateway) at high priority.
func (e *Engine) BroadcastDetection(destination string, body json.RawMessage) error {
	return e.Submit(destination, "detection", body, link.PriorityHigh)
}

// BroadcastTelemetry submits a telemetry sample toward destination at
// low priority, reflecting its tolerance for delay and loss.
func (e *Engine) BroadcastTelemetry(destination string, body json.RawMessage) error {
	return e.Submit(destination, "telemetry", body, link.PriorityLow)
}

// Subscribe registers handler for every delivered message tagged
// typeTag and returns a subscriber id usable with Unsubscribe.
func (e *Engine) Subscribe(typeTag string, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("app: nil handler")
	}
	id := xid.New().String()

	e.mu.Lock()
	e.subs = append(e.subs, subscription{id: id, typeTag: typeTag, handler: handler})
	e.mu.Unlock()

	return id, nil
}

// Unsubscribe removes a subscriber by id. It is a no-op if id is
// unknown.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Deliver implements mesh.Deliverer. It unwraps the message and
// invokes every subscriber registered for its type tag. A handler
// panic is recovered and logged so one misbehaving subscriber cannot
// take down the routing receive task.
func (e *Engine) Deliver(source string, payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("app: dropping malformed delivery", zap.Error(err))
		return
	}

	e.mu.RLock()
	matching := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.typeTag == msg.TypeTag {
			matching = append(matching, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range matching {
		e.invoke(s, source, msg.Body)
	}
}

func (e *Engine) invoke(s subscription, source string, body json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("app: subscriber handler panicked",
				zap.String("subscriber_id", s.id), zap.Any("recover", r))
		}
	}()
	s.handler(source, body)
}
