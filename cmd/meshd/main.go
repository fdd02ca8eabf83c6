package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/agent"
	"github.com/skyfleet/meshcore/internal/config"
	"github.com/skyfleet/meshcore/internal/radio"
)

var (
	Version   = "dev"
	BuildTime = "unknown"

	cfgPaths []string
	port     string
	baud     int
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd is a LoRa mesh gateway agent for remote-sensing nodes",
	Long: `meshd runs the link, mesh routing, and application layers of a LoRa
mesh gateway node: fragmentation and priority scheduling over a serial
radio, neighbour discovery and multi-hop routing, and a small
application inbox/outbox for detection and telemetry traffic.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mesh gateway agent until interrupted",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the topology and signal quality of a running agent",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&cfgPaths, "config", nil, "additional config file search paths")
	serveCmd.Flags().StringVar(&port, "port", "", "override lora.port")
	serveCmd.Flags().IntVar(&baud, "baud", 0, "override lora.baud_rate")
	rootCmd.AddCommand(serveCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port != "" {
		cfg.Lora.Port = port
	}
	if baud != 0 {
		cfg.Lora.BaudRate = baud
	}

	logger, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("meshd starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("node_id", cfg.Mesh.NodeID),
		zap.String("lora_port", cfg.Lora.Port),
	)

	serialPort, err := radio.OpenSerial(cfg.Lora.Port, cfg.Lora.BaudRate)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	meter := radio.FixedMeter{RSSI: -70, SNR: 8}
	adapter := radio.NewSerialAdapter(serialPort, meter, cfg.Link.SendBackpressure, logger.Named("radio")).
		WithInboundQueueDepth(cfg.Link.InboundQueueDepth)

	a := agent.New(cfg, adapter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent run: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("status API is disabled in config")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + apiHost(cfg.API.ListenAddr) + "/topology")
	if err != nil {
		return fmt.Errorf("fetch topology: %w", err)
	}
	defer resp.Body.Close()

	fmt.Printf("status: %s\n", resp.Status)
	if _, err := os.Stdout.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("read topology: %w", err)
	}

	sig, err := client.Get("http://" + apiHost(cfg.API.ListenAddr) + "/signal")
	if err != nil {
		return fmt.Errorf("fetch signal: %w", err)
	}
	defer sig.Body.Close()
	if _, err := os.Stdout.ReadFrom(sig.Body); err != nil {
		return fmt.Errorf("read signal: %w", err)
	}
	return nil
}

func apiHost(listenAddr string) string {
	if len(listenAddr) > 0 && listenAddr[0] == ':' {
		return "localhost" + listenAddr
	}
	return listenAddr
}
