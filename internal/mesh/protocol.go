package mesh

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/link"
)

// onReceive dispatches one inbound envelope by type. rssi/snr come from
// the link layer's reading on the frame that completed this message and
// feed neighbour signal-quality tracking.
func (e *Engine) onReceive(env Envelope, rssi int, snr float64) {
	switch env.Type {
	case EnvelopeDiscovery:
		e.handleDiscovery(env, rssi, snr)
	case EnvelopeHeartbeat:
		e.handleHeartbeat(env)
	case EnvelopeRouteUpdate:
		e.handleRouteUpdate(env)
	case EnvelopeData:
		e.handleData(env)
	default:
		e.logger.Warn("mesh: unknown envelope type", zap.String("type", string(env.Type)))
	}
}

func (e *Engine) handleDiscovery(env Envelope, rssi int, snr float64) {
	body, err := env.decodeDiscovery()
	if err != nil {
		e.logger.Warn("mesh: malformed discovery payload", zap.Error(err))
		return
	}
	if body.NodeID == e.cfg.NodeID {
		return
	}

	now := time.Now()
	weight := 1.0 / (absFloat(float64(rssi)) + 1.0)

	e.mu.Lock()
	e.neighbors.touchDiscovery(body.NodeID, rssi, snr, body.IsGateway, body.BatteryLevel, now)
	e.graph.setEdge(e.cfg.NodeID, body.NodeID, weight)
	changed := e.rebuildRoutesLocked()
	e.mu.Unlock()

	if changed {
		e.broadcastRouteUpdate()
	}
}

func (e *Engine) handleHeartbeat(env Envelope) {
	body, err := env.decodeHeartbeat()
	if err != nil {
		e.logger.Warn("mesh: malformed heartbeat payload", zap.Error(err))
		return
	}
	if body.NodeID == e.cfg.NodeID {
		return
	}

	e.mu.Lock()
	e.neighbors.touchHeartbeat(body.NodeID, time.Now())
	e.mu.Unlock()
}

func (e *Engine) handleRouteUpdate(env Envelope) {
	body, err := env.decodeRouteUpdate()
	if err != nil {
		e.logger.Warn("mesh: malformed route_update payload", zap.Error(err))
		return
	}
	if body.NodeID == e.cfg.NodeID {
		return
	}

	e.mu.Lock()
	changed := e.routes.mergeRouteUpdate(e.graph, e.cfg.NodeID, body.NodeID, body.Routes, e.cfg.MaxHops)
	e.mu.Unlock()

	if changed {
		e.broadcastRouteUpdate()
	}
}

func (e *Engine) handleData(env Envelope) {
	body, err := env.decodeData()
	if err != nil {
		e.logger.Warn("mesh: malformed data payload", zap.Error(err))
		return
	}

	switch {
	case body.Destination == e.cfg.NodeID:
		e.deliver.Deliver(body.Source, body.Payload)
	case env.NextHop == e.cfg.NodeID:
		e.forward(body)
	default:
		// not addressed to this hop; a retransmission we merely overheard
	}
}

// forward re-stamps a DATA envelope's next hop from the current routing
// table and re-submits it to the link layer at medium priority. There
// is no path record or hop counter on the envelope: every hop only
// consults its own MaxHops-bounded routing table, and a destination
// missing from that table ends forwarding here (the envelope is
// dropped).
func (e *Engine) forward(body DataPayload) {
	e.mu.Lock()
	nextHop, ok := e.routes.get(body.Destination)
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("mesh: no route to forward toward, dropping", zap.String("destination", body.Destination))
		return
	}

	env := Envelope{
		Type:        EnvelopeData,
		Source:      body.Source,
		Destination: body.Destination,
		NextHop:     nextHop,
	}
	payload, err := marshalPayload(DataPayload{
		Source:      body.Source,
		Destination: body.Destination,
		NextHop:     nextHop,
		Payload:     body.Payload,
	})
	if err != nil {
		e.logger.Error("mesh: failed to re-marshal forwarded payload", zap.Error(err))
		return
	}
	env.Payload = payload

	raw, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("mesh: failed to marshal forwarded envelope", zap.Error(err))
		return
	}
	if _, err := e.link.SendMessage(raw, link.PriorityMedium); err != nil {
		e.logger.Warn("mesh: failed to enqueue forwarded envelope", zap.Error(err))
		return
	}
	e.incForwarded()
}

// rebuildRoutesLocked recomputes the routing table from the current
// graph and reports whether it changed. Callers must hold e.mu.
func (e *Engine) rebuildRoutesLocked() bool {
	fresh := rebuildRoutingTable(e.graph, e.cfg.NodeID, e.cfg.MaxHops)
	if e.routes.equal(fresh) {
		return false
	}
	e.routes = newRoutingTable()
	for dest, nextHop := range fresh {
		e.routes.set(dest, nextHop)
	}
	return true
}

func (e *Engine) broadcastDiscovery() {
	battery := 1.0
	if e.battery != nil {
		battery = e.battery()
	}
	payload, err := marshalPayload(DiscoveryPayload{
		NodeID:       e.cfg.NodeID,
		IsGateway:    e.cfg.IsGateway,
		BatteryLevel: battery,
		Timestamp:    float64(time.Now().Unix()),
	})
	if err != nil {
		e.logger.Error("mesh: failed to marshal discovery payload", zap.Error(err))
		return
	}
	e.broadcastEnvelope(Envelope{Type: EnvelopeDiscovery, Source: e.cfg.NodeID, Payload: payload})
}

func (e *Engine) broadcastHeartbeat() {
	payload, err := marshalPayload(HeartbeatPayload{
		NodeID:    e.cfg.NodeID,
		Timestamp: float64(time.Now().Unix()),
	})
	if err != nil {
		e.logger.Error("mesh: failed to marshal heartbeat payload", zap.Error(err))
		return
	}
	e.broadcastEnvelope(Envelope{Type: EnvelopeHeartbeat, Source: e.cfg.NodeID, Payload: payload})
}

func (e *Engine) broadcastRouteUpdate() {
	e.mu.Lock()
	snapshot := e.routes.snapshot()
	e.mu.Unlock()

	routes := make([]RouteEntry, 0, len(snapshot))
	for dest, nextHop := range snapshot {
		routes = append(routes, RouteEntry{dest, nextHop})
	}

	payload, err := marshalPayload(RouteUpdatePayload{
		NodeID:    e.cfg.NodeID,
		Routes:    routes,
		Timestamp: float64(time.Now().Unix()),
	})
	if err != nil {
		e.logger.Error("mesh: failed to marshal route_update payload", zap.Error(err))
		return
	}
	// ROUTE_UPDATE goes out at MEDIUM rather than LOW: a stale routing
	// table affects every DATA message behind it, so it shouldn't sit
	// behind a full queue of low-priority discovery/heartbeat chatter.
	e.broadcastEnvelopeAt(Envelope{Type: EnvelopeRouteUpdate, Source: e.cfg.NodeID, Payload: payload}, link.PriorityMedium)
	e.incRouteUpdates()
}

func (e *Engine) broadcastEnvelope(env Envelope) {
	e.broadcastEnvelopeAt(env, link.PriorityLow)
}

func (e *Engine) broadcastEnvelopeAt(env Envelope, priority link.Priority) {
	raw, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("mesh: failed to marshal envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if _, err := e.link.SendMessage(raw, priority); err != nil {
		e.logger.Warn("mesh: failed to enqueue broadcast envelope", zap.String("type", string(env.Type)), zap.Error(err))
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
