// Package agent is the composition root: it wires the radio, link,
// mesh, and application layers together and runs every background
// task under one cancellable errgroup.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skyfleet/meshcore/internal/api"
	"github.com/skyfleet/meshcore/internal/app"
	"github.com/skyfleet/meshcore/internal/config"
	"github.com/skyfleet/meshcore/internal/link"
	"github.com/skyfleet/meshcore/internal/mesh"
	"github.com/skyfleet/meshcore/internal/radio"
	"github.com/skyfleet/meshcore/internal/telemetry"
)

// Agent is a fully wired gateway node.
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger

	Radio radio.Adapter
	Link  *link.Engine
	Mesh  *mesh.Engine
	App   *app.Engine

	metrics  *telemetry.Metrics
	resource *telemetry.ResourceSampler

	httpServer *http.Server
}

// New wires every layer from cfg. adapter is the radio transport; tests
// typically pass a radio.PairAdapter, production a radio.SerialAdapter.
func New(cfg *config.Config, adapter radio.Adapter, logger *zap.Logger) *Agent {
	linkEngine := link.NewEngine(link.Config{
		NodeID:             cfg.Mesh.NodeID,
		MaxPayload:         cfg.MaxPayload(),
		MaxInFlight:        cfg.Link.MaxInFlight,
		RetryLimit:         cfg.Lora.RetryLimit,
		AckTimeout:         cfg.Lora.AckTimeout,
		AckCheckPeriod:     cfg.Link.AckCheckPeriod,
		ReassemblyTTL:      cfg.Link.ReassemblyTTL,
		ReassemblyGCTick:   cfg.Link.ReassemblyGCTick,
		HighBurst:          cfg.Link.HighBurst,
		MediumBurst:        cfg.Link.MediumBurst,
		SchedulerIdleSleep: cfg.Link.SchedulerIdleSleep,
		InboundQueueDepth:  cfg.Link.InboundQueueDepth,
	}, adapter, logger.Named("link"))

	metrics := telemetry.NewMetrics()
	resource := telemetry.NewResourceSampler(metrics)

	// app.Engine is a mesh.Deliverer, so it must exist before the mesh
	// engine is built; it is bound to the mesh engine right after.
	appEngine := app.NewEngine(nil, logger.Named("app"))

	meshEngine := mesh.NewEngine(mesh.Config{
		NodeID:             cfg.Mesh.NodeID,
		IsGateway:          cfg.Mesh.IsGateway,
		MaxHops:            cfg.Mesh.MaxHops,
		DiscoveryInterval:  cfg.Mesh.DiscoveryInterval,
		HeartbeatInterval:  cfg.Mesh.HeartbeatInterval,
		NodeTimeout:        cfg.Mesh.NodeTimeout,
		NeighbourSweepTick: cfg.Mesh.NeighbourSweepTick,
	}, linkEngine, appEngine, resource.Sample, logger.Named("mesh"))
	appEngine.Bind(meshEngine)

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		Radio:    adapter,
		Link:     linkEngine,
		Mesh:     meshEngine,
		App:      appEngine,
		metrics:  metrics,
		resource: resource,
	}

	if cfg.API.Enabled {
		srv := api.NewServer(api.StatusProvider{Link: linkEngine, Mesh: meshEngine}, cfg.API.CORSOrigins, logger.Named("api"))
		a.httpServer = &http.Server{Addr: cfg.API.ListenAddr, Handler: srv.Handler()}
	}

	return a
}

// Run starts every background task and blocks until ctx is cancelled
// or one task returns an unrecoverable error.
func (a *Agent) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.Link.RunTransmit(gctx) })
	group.Go(func() error { return a.Link.RunRetrySweep(gctx) })
	group.Go(func() error { return a.Link.RunReassemblyGC(gctx) })
	group.Go(func() error { return a.Link.RunIngest(gctx) })

	group.Go(func() error { return a.Mesh.RunReceive(gctx) })
	group.Go(func() error { return a.Mesh.RunDiscovery(gctx) })
	group.Go(func() error { return a.Mesh.RunHeartbeat(gctx) })
	group.Go(func() error { return a.Mesh.RunNeighbourSweep(gctx) })

	group.Go(func() error { return a.runMetricsSampler(gctx) })

	if a.httpServer != nil {
		group.Go(func() error { return a.runHTTPServer(gctx) })
	}

	return group.Wait()
}

func (a *Agent) runHTTPServer(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return a.httpServer.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("agent: http server: %w", err)
		}
		return nil
	}
}

// runMetricsSampler periodically copies engine-owned snapshots into
// the Prometheus gauges; it owns no state of its own.
func (a *Agent) runMetricsSampler(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sig := a.Link.SignalQuality()
			a.metrics.RSSI.Observe(sig.RSSIMean)
			a.metrics.SNR.Observe(sig.SNRMean)
			a.metrics.PacketLoss.Set(float64(sig.PacketLoss))
			a.metrics.Retransmissions.Set(float64(sig.Retransmissions))
			a.metrics.OutboundDepth.Set(float64(a.Link.OutboundDepth()))
			a.metrics.ReassemblyDepth.Set(float64(a.Link.ReassemblyDepth()))

			topo := a.Mesh.Topology()
			a.metrics.NeighbourCount.Set(float64(len(topo.Nodes) - 1))
			a.metrics.RouteCount.Set(float64(len(topo.Routes)))
			a.metrics.MessagesForwarded.Set(float64(topo.MessagesForwarded))
			a.metrics.RouteUpdatesSent.Set(float64(topo.RouteUpdatesSent))
			a.resource.Sample()
		}
	}
}

// Reconfigure atomically applies the live-reloadable subset of cfg —
// discovery/heartbeat intervals and the link retry limit — to the
// already-running link and mesh engines, without restarting any queue
// or task. Fields that identify the node or the radio transport can't
// change without a restart; Reconfigure rejects those and leaves the
// running agent untouched.
func (a *Agent) Reconfigure(cfg *config.Config) error {
	if cfg.Mesh.NodeID != a.cfg.Mesh.NodeID {
		return fmt.Errorf("agent: node id cannot be changed without a restart (have %q, want %q)", a.cfg.Mesh.NodeID, cfg.Mesh.NodeID)
	}
	if cfg.Lora.Port != a.cfg.Lora.Port {
		return fmt.Errorf("agent: radio port cannot be changed without a restart (have %q, want %q)", a.cfg.Lora.Port, cfg.Lora.Port)
	}
	if cfg.Lora.BaudRate != a.cfg.Lora.BaudRate {
		return fmt.Errorf("agent: radio baud rate cannot be changed without a restart (have %d, want %d)", a.cfg.Lora.BaudRate, cfg.Lora.BaudRate)
	}

	a.Mesh.SetDiscoveryInterval(cfg.Mesh.DiscoveryInterval)
	a.Mesh.SetHeartbeatInterval(cfg.Mesh.HeartbeatInterval)
	a.Link.SetRetryLimit(cfg.Lora.RetryLimit)

	a.cfg = cfg
	a.logger.Info("agent: reconfigured",
		zap.String("node_id", cfg.Mesh.NodeID),
		zap.Duration("discovery_interval", cfg.Mesh.DiscoveryInterval),
		zap.Duration("heartbeat_interval", cfg.Mesh.HeartbeatInterval),
		zap.Int("retry_limit", cfg.Lora.RetryLimit),
	)
	return nil
}
