package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	f := serveCmd.Flags()
	f.String("addr", "", "Listen address (default :8080)")
	f.String("backend", "", "Storage backend: memory, sqlite or pebble")
	f.String("path", "", "Database path for the sqlite and pebble backends")
	f.String("token", "", "Bearer token clients must present")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	f.String("webhook-url", "", "Forward every created batch to this URL")
	f.String("webhook-secret", "", "HMAC secret for webhook deliveries")
	f.Duration("sse-heartbeat", 0, "Idle SSE heartbeat interval")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a message store server",
	Long:  "Serve a message store over HTTP with WebSocket and SSE created streams.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		flag := func(name, fallback string) string {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				return v
			}
			return fallback
		}
		addr := flag("addr", valueOrDefault(cfg.Server.Addr, defaultAddr))
		kind := flag("backend", cfg.Server.Backend)
		path := flag("path", cfg.Server.Path)
		token := flag("token", cfg.Server.Token)
		metricsAddr := flag("metrics-addr", "")
		webhookURL := flag("webhook-url", "")
		webhookSecret := flag("webhook-secret", "")
		heartbeat, _ := cmd.Flags().GetDuration("sse-heartbeat")

		if webhookURL != "" && webhookSecret == "" {
			return errors.New("--webhook-secret is required with --webhook-url")
		}

		backend, err := openBackend(kind, path)
		if err != nil {
			return fmt.Errorf("open %s backend: %w", valueOrDefault(kind, "memory"), err)
		}
		defer backend.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			serveMetrics(ctx, metricsAddr, reg)
		}

		if webhookURL != "" {
			sender := chatsync.NewWebhookSender(webhookURL, webhookSecret, nil, logger)
			since := time.Now().UnixMilli()
			go func() {
				if err := sender.Forward(ctx, backend, since); err != nil {
					logger.Error("webhook_forward_stopped", zap.Error(err))
				}
			}()
		}

		srv := &http.Server{
			Addr: addr,
			// Streams end with the signal context instead of holding Shutdown open.
			BaseContext: func(net.Listener) context.Context { return ctx },
			Handler: chatsync.NewServer(backend,
				chatsync.WithServerToken(token),
				chatsync.WithServerLogger(logger),
				chatsync.WithSSEHeartbeat(heartbeat),
			),
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Serving %s backend on %s\n", valueOrDefault(kind, "memory"), addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
