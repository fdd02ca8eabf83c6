package mesh

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/link"
)

// Config bundles the tunables the routing engine needs, decoupled from
// internal/config so this package carries no import-cycle dependency.
type Config struct {
	NodeID             string
	IsGateway          bool
	MaxHops            int
	DiscoveryInterval  time.Duration
	HeartbeatInterval  time.Duration
	NodeTimeout        time.Duration
	NeighbourSweepTick time.Duration
}

// Deliverer receives application payloads addressed to this node. The
// application layer implements it; mesh never imports that package, to
// keep the dependency direction one-way (app depends on mesh, not the
// reverse).
type Deliverer interface {
	Deliver(source string, payload []byte)
}

// BatterySampler reports a 0..1 charge fraction for outgoing discovery
// envelopes. Nil is treated as "always full" for nodes with no
// resource sampler wired.
type BatterySampler func() float64

// Engine owns neighbour discovery, the weighted graph, routing table
// maintenance, and multi-hop forwarding. Its mutable state is guarded
// by a single mutex: the receive task and the neighbour-sweep task both
// touch it, so no piece of state can be given to exactly one
// goroutine (the link engine guards its state the same way).
type Engine struct {
	cfg     Config
	link    *link.Engine
	deliver Deliverer
	battery BatterySampler
	logger  *zap.Logger

	discoveryInterval atomic.Int64 // time.Duration, reloadable
	heartbeatInterval atomic.Int64 // time.Duration, reloadable

	mu        sync.Mutex
	graph     *graph
	neighbors *neighborTable
	routes    *routingTable

	messagesForwarded uint64
	routeUpdatesSent  uint64
}

// NewEngine constructs a routing engine bound to a link engine and a
// local application deliverer.
func NewEngine(cfg Config, linkEngine *link.Engine, deliver Deliverer, battery BatterySampler, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		link:      linkEngine,
		deliver:   deliver,
		battery:   battery,
		logger:    logger,
		graph:     newGraph(),
		neighbors: newNeighborTable(cfg.NodeTimeout),
		routes:    newRoutingTable(),
	}
	e.discoveryInterval.Store(int64(cfg.DiscoveryInterval))
	e.heartbeatInterval.Store(int64(cfg.HeartbeatInterval))
	e.graph.ensure(cfg.NodeID)
	return e
}

// SetDiscoveryInterval changes the jittered period RunDiscovery
// broadcasts on. It takes effect on the next cycle.
func (e *Engine) SetDiscoveryInterval(d time.Duration) {
	e.discoveryInterval.Store(int64(d))
}

// SetHeartbeatInterval changes the jittered period RunHeartbeat
// broadcasts on. It takes effect on the next cycle.
func (e *Engine) SetHeartbeatInterval(d time.Duration) {
	e.heartbeatInterval.Store(int64(d))
}

// DiscoveryInterval reports the discovery broadcast period currently
// in effect, for diagnostics and tests.
func (e *Engine) DiscoveryInterval() time.Duration {
	return time.Duration(e.discoveryInterval.Load())
}

// HeartbeatInterval reports the heartbeat broadcast period currently
// in effect, for diagnostics and tests.
func (e *Engine) HeartbeatInterval() time.Duration {
	return time.Duration(e.heartbeatInterval.Load())
}

// Send submits an application payload toward destination. payload must
// be valid JSON; it is carried verbatim inside a DATA envelope.
func (e *Engine) Send(destination string, payload json.RawMessage, priority link.Priority) error {
	e.mu.Lock()
	nextHop, ok := e.routes.get(destination)
	e.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}

	body, err := marshalPayload(DataPayload{
		Source:      e.cfg.NodeID,
		Destination: destination,
		NextHop:     nextHop,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	env := Envelope{
		Type:        EnvelopeData,
		Source:      e.cfg.NodeID,
		Destination: destination,
		NextHop:     nextHop,
		Payload:     body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_, err = e.link.SendMessage(raw, priority)
	return err
}

// Topology is a read-only snapshot of network state for the status API
// and diagnostics.
type Topology struct {
	Nodes             []string
	ActiveNodes       int
	GatewayNodes      []string
	Routes            map[string]string
	MessagesForwarded uint64
	RouteUpdatesSent  uint64
}

// Topology returns a consistent snapshot of the current neighbour
// table and routing table.
func (e *Engine) Topology() Topology {
	e.mu.Lock()
	neighborSnapshot := e.neighbors.snapshot()
	routeSnapshot := e.routes.snapshot()
	e.mu.Unlock()

	nodes := make([]string, 0, len(neighborSnapshot)+1)
	nodes = append(nodes, e.cfg.NodeID)
	var gateways []string
	if e.cfg.IsGateway {
		gateways = append(gateways, e.cfg.NodeID)
	}
	active := 0
	for _, n := range neighborSnapshot {
		nodes = append(nodes, n.NodeID)
		if n.State != neighborQuiet {
			active++
		}
		if n.GatewayFlag {
			gateways = append(gateways, n.NodeID)
		}
	}

	return Topology{
		Nodes:             nodes,
		ActiveNodes:       active,
		GatewayNodes:      gateways,
		Routes:            routeSnapshot,
		MessagesForwarded: atomic.LoadUint64(&e.messagesForwarded),
		RouteUpdatesSent:  atomic.LoadUint64(&e.routeUpdatesSent),
	}
}

func (e *Engine) incForwarded() { atomic.AddUint64(&e.messagesForwarded, 1) }
func (e *Engine) incRouteUpdates() { atomic.AddUint64(&e.routeUpdatesSent, 1) }

// RunReceive drains reassembled messages from the link engine and
// dispatches each as a routing envelope. It returns when ctx is
// cancelled or the link engine's received channel is closed.
func (e *Engine) RunReceive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-e.link.Received():
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				e.logger.Warn("mesh: dropping malformed envelope", zap.Error(err))
				continue
			}
			e.onReceive(env, msg.RSSI, msg.SNR)
		}
	}
}

// RunDiscovery periodically broadcasts a DISCOVERY envelope, jittered
// ±10% to avoid synchronized chatter across nodes.
func (e *Engine) RunDiscovery(ctx context.Context) error {
	return e.runJittered(ctx, func() time.Duration { return time.Duration(e.discoveryInterval.Load()) }, e.broadcastDiscovery)
}

// RunHeartbeat periodically broadcasts a HEARTBEAT envelope, jittered
// the same way as discovery.
func (e *Engine) RunHeartbeat(ctx context.Context) error {
	return e.runJittered(ctx, func() time.Duration { return time.Duration(e.heartbeatInterval.Load()) }, e.broadcastHeartbeat)
}

// RunNeighbourSweep periodically ages neighbours to QUIET and evicts
// those past NodeTimeout, pruning the graph and rebuilding routes when
// eviction changes reachability.
func (e *Engine) RunNeighbourSweep(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.NeighbourSweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweepNeighbours()
		}
	}
}

func (e *Engine) sweepNeighbours() {
	now := time.Now()

	e.mu.Lock()
	deleted := e.neighbors.sweep(now)
	for _, id := range deleted {
		e.graph.removeNode(id)
	}
	changed := false
	if len(deleted) > 0 {
		changed = e.rebuildRoutesLocked()
	}
	e.mu.Unlock()

	if changed {
		e.broadcastRouteUpdate()
	}
}

func (e *Engine) runJittered(ctx context.Context, interval func() time.Duration, action func()) error {
	for {
		wait := jitter(interval())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
			action()
		}
	}
}

// jitter returns d scaled by a random factor in [0.9, 1.1).
func jitter(d time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}
