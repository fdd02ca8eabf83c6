// Package mesh implements neighbour discovery, heartbeats, the
// weighted network graph, shortest-path routing table maintenance,
// and multi-hop forwarding.
package mesh

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType is the routing-layer message tag.
type EnvelopeType string

const (
	EnvelopeDiscovery   EnvelopeType = "discovery"
	EnvelopeHeartbeat   EnvelopeType = "heartbeat"
	EnvelopeRouteUpdate EnvelopeType = "route_update"
	EnvelopeData        EnvelopeType = "data"
)

// Envelope is the payload handed from routing to the link engine and
// back. Destination/NextHop are empty for broadcast types, which are
// flood-limited to single-hop neighbour scope.
type Envelope struct {
	Type        EnvelopeType    `json:"type"`
	Source      string          `json:"source"`
	Destination string          `json:"destination,omitempty"`
	NextHop     string          `json:"next_hop,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// DiscoveryPayload is the type-specific body of a DISCOVERY envelope.
type DiscoveryPayload struct {
	NodeID        string  `json:"node_id"`
	IsGateway     bool    `json:"is_gateway"`
	BatteryLevel  float64 `json:"battery_level"`
	Timestamp     float64 `json:"timestamp"`
}

// HeartbeatPayload is the type-specific body of a HEARTBEAT envelope.
type HeartbeatPayload struct {
	NodeID    string  `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
}

// RouteEntry is one (destination, next_hop) pair advertised by a
// ROUTE_UPDATE envelope.
type RouteEntry [2]string

// RouteUpdatePayload is the type-specific body of a ROUTE_UPDATE
// envelope.
type RouteUpdatePayload struct {
	NodeID    string       `json:"node_id"`
	Routes    []RouteEntry `json:"routes"`
	Timestamp float64      `json:"timestamp"`
}

// DataPayload is the type-specific body of a DATA envelope. Source,
// Destination and NextHop duplicate the envelope's own fields on the
// wire; the in-memory Envelope is the source of truth.
type DataPayload struct {
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	NextHop     string          `json:"next_hop"`
	Payload     json.RawMessage `json:"payload"`
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mesh: marshal payload: %w", err)
	}
	return b, nil
}

func (e Envelope) decodeDiscovery() (DiscoveryPayload, error) {
	var p DiscoveryPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) decodeHeartbeat() (HeartbeatPayload, error) {
	var p HeartbeatPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) decodeRouteUpdate() (RouteUpdatePayload, error) {
	var p RouteUpdatePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) decodeData() (DataPayload, error) {
	var p DataPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
