// bled is the WebSocket-to-BLE bridge daemon: it accepts WebSocket clients,
// resolves each to a Session against a single BLE radio, and serves a
// control-plane REST/gRPC surface for operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/commatea/ble-bridge/pkg/ble"
	"github.com/commatea/ble-bridge/pkg/config"
	"github.com/commatea/ble-bridge/pkg/controlapi"
	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/packetlog"
	"github.com/commatea/ble-bridge/pkg/session"
	"github.com/commatea/ble-bridge/pkg/wsbridge"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
)

const shutdownGracePeriod = 5 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:     "bled",
		Short:   "bled - WebSocket to BLE bridge daemon",
		Long:    "bled bridges WebSocket clients to a single BLE peripheral, one Session per logical connection.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./bled.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log := logger.New(cfg.LoggerConfig())
	logger.SetGlobal(log)

	adapter := ble.NewTinygoAdapter()

	grace, idle, evictionGrace, connectWindow, sweepInterval := cfg.SessionDurations()
	base, step, cap := cfg.RecoveryDurations()

	pktLog := packetlog.New()

	manager := session.NewManager(adapter, log, pktLog, session.Options{
		GracePeriod:   grace,
		IdleTimeout:   idle,
		EvictionGrace: evictionGrace,
		ConnectWindow: connectWindow,
		Recovery: ble.RecoveryParams{
			Base:       base,
			Step:       step,
			Cap:        cap,
			Thresholds: ble.DefaultRecoveryParams().Thresholds,
		},
	})
	manager.SetSweepInterval(sweepInterval)

	go manager.Run()
	defer manager.Stop()

	bridge := wsbridge.New(manager, log, pktLog)

	wsServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: bridge,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("websocket bridge listening", "addr", cfg.Server.Addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("websocket bridge server error", "error", err)
		}
	}()

	var restServer *controlapi.Server
	var grpcServer *controlapi.GRPCServer
	if cfg.ControlAPI.Enabled {
		restServer = controlapi.NewServer(manager, log, pktLog, controlapi.Config{
			Addr:      cfg.ControlAPI.Addr,
			JWTSecret: cfg.ControlAPI.JWTSecret,
		})
		if err := restServer.Start(); err != nil {
			return fmt.Errorf("failed to start control api: %w", err)
		}

		grpcServer = controlapi.NewGRPCServer(manager, log, cfg.ControlAPI.GRPCAddr, nil, cfg.ControlAPI.JWTSecret)
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("failed to start control api grpc mirror: %w", err)
		}
	}

	log.Info("bled is running")
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer shutdownCancel()

	if restServer != nil {
		if err := restServer.Stop(shutdownCtx); err != nil {
			log.Error("error stopping control api", "error", err)
		}
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping websocket bridge", "error", err)
	}

	manager.StopAll()
	log.Info("bled stopped")
	return nil
}

func newSessionsCmd() *cobra.Command {
	var controlAddr string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions from a running bled's control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(controlAddr)
		},
	}
	cmd.Flags().StringVar(&controlAddr, "control-addr", "http://localhost:9090", "control API base address")
	return cmd
}

func runSessionsList(controlAddr string) error {
	resp, err := http.Get(controlAddr + "/sessions")
	if err != nil {
		return fmt.Errorf("failed to reach control api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control api returned %s", resp.Status)
	}

	var sessions []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%-36v %-10v %-20v %v\n", s["id"], s["state"], s["deviceName"], s["lastActivity"])
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bled %s\n", version)
			fmt.Printf("  Commit: %s\n", gitCommit)
			fmt.Printf("  Built:  %s\n", buildTime)
		},
	}
}
