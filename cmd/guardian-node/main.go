package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"guardian-node/api"
	"guardian-node/api/handlers"
	"guardian-node/internal/config"
	"guardian-node/internal/envelope"
	"guardian-node/internal/logger"
	"guardian-node/internal/network"
	"guardian-node/internal/reconstruction"
	"guardian-node/internal/resilience"
	"guardian-node/internal/service"
	"guardian-node/internal/session"
	"guardian-node/internal/storage"
)

var (
	configPath string
	nodeID     string
)

var rootCmd = &cobra.Command{
	Use:           "guardian-node",
	Short:         "Threshold custody and guardian consensus node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the guardian TCP listener and the resilience sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		n, err := build()
		if err != nil {
			return err
		}
		defer n.store.Close()
		return n.serve(ctx)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one resilience sweep and print the report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := build()
		if err != nil {
			return err
		}
		defer n.store.Close()
		report, err := n.monitor.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	host, _ := os.Hostname()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults and GUARDIAN_ environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", host, "id this node sends wire frames as")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

type node struct {
	cfg      *config.Config
	store    storage.Store
	server   *network.Server
	monitor  *service.Monitor
	handlers *handlers.Handler
}

func build() (*node, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.Keys.MasterHex == "" {
		return nil, errors.New("keys.master_hex is required")
	}
	keys, err := envelope.NewDerivedKeysFromHex(cfg.Keys.MasterHex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive envelope keys: %w", err)
	}
	store, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := network.NewRegistry(cfg.Guardians)
	transport := network.NewTCPTransport(nodeID, registry)
	retry := session.RetryPolicy{
		MaxAttempts: cfg.Signing.MaxAttempts,
		Backoff:     cfg.Signing.RetryBackoff,
		MaxBackoff:  session.DefaultRetryPolicy.MaxBackoff,
	}

	sessions := session.NewManager(store, session.WithRetryPolicy(retry), session.WithPublisher(transport))
	coord := reconstruction.NewCoordinator(store, keys, cfg.Reconstruction, reconstruction.WithRetryPolicy(retry))
	paths := resilience.NewPaths(store, cfg.Resilience, retry, nil)
	signing := service.NewSigning(sessions, transport, cfg.Publication.Endpoints)
	recovery := service.NewRecovery(coord, store, transport)
	monitor := service.NewMonitor(service.MonitorParams{
		Store:         store,
		Sessions:      sessions,
		Coordinator:   coord,
		Paths:         paths,
		Notifier:      transport,
		Config:        cfg.Resilience,
		RetentionDays: cfg.Signing.RetentionDays,
	})

	return &node{
		cfg:     cfg,
		store:   store,
		server:  network.NewServer(service.Contributions{Signing: signing, Recovery: recovery}, nil),
		monitor: monitor,
		handlers: &handlers.Handler{
			Store:         store,
			Signing:       signing,
			Recovery:      recovery,
			Paths:         paths,
			Monitor:       monitor,
			Notifier:      transport,
			Registry:      registry,
			SessionTTL:    cfg.Signing.SessionTTL,
			RetentionDays: cfg.Signing.RetentionDays,
		},
	}, nil
}

func (n *node) serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		if err := n.server.Start(ctx, n.cfg.Server.ListenAddr); err != nil {
			errCh <- fmt.Errorf("tcp server: %w", err)
		}
	}()
	go n.monitor.Run(ctx, n.cfg.Resilience.SweepInterval)

	srv := &http.Server{
		Addr:              ":" + n.cfg.Server.APIPort,
		Handler:           api.SetupRouter(n.handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Infof("HTTP API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Log.Info("Shutting down")
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Errorf("HTTP shutdown: %v", err)
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
