package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func init() {
	f := watchCmd.Flags()
	f.Bool("sse", false, "Stream created messages over SSE instead of WebSocket")
	f.String("webhook-addr", "", "Receive created messages as webhook deliveries on this address")
	f.String("webhook-secret", "", "HMAC secret for webhook deliveries")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	f.Int("page-size", chatsync.DefaultPageSize, "Backfill page size")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conv>",
	Short: "Follow a conversation live",
	Long:  "Backfill a conversation, then print every change to it until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		useSSE, _ := cmd.Flags().GetBool("sse")
		webhookAddr, _ := cmd.Flags().GetString("webhook-addr")
		webhookSecret, _ := cmd.Flags().GetString("webhook-secret")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		if webhookAddr != "" && webhookSecret == "" {
			return errors.New("--webhook-secret is required with --webhook-addr")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport := chatsync.TransportWS
		if useSSE {
			transport = chatsync.TransportSSE
		}
		store := newHTTPStore(cfg, chatsync.WithRealtime(transport, chatsync.RealtimeConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               logger,
		}))

		lookupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		conv, err := lookupConversation(lookupCtx, store, cfg.Default.UserID, args[0])
		cancel()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		opts := []chatsync.Option{
			chatsync.WithLogger(logger),
			chatsync.WithMetrics(chatsync.NewMetrics(reg)),
			chatsync.WithPageSize(pageSize),
		}
		if metricsAddr != "" {
			serveMetrics(ctx, metricsAddr, reg)
		}
		if webhookAddr != "" {
			wh, err := chatsync.NewWebhookReceiver(webhookSecret, chatsync.WithLogger(logger))
			if err != nil {
				return err
			}
			defer wh.Close()
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			runHTTP(ctx, "webhook", &http.Server{Addr: webhookAddr, Handler: mux})
			opts = append(opts, chatsync.WithLiveSource(wh))
		}

		s := chatsync.New(store, chatsync.StaticMembership(conv), cfg.Default.UserID, opts...)
		runErr := make(chan error, 1)
		go func() { runErr <- s.Run(ctx) }()

		obs, err := awaitObserver(ctx, s, conv.ID, runErr)
		if err != nil || obs == nil {
			return err
		}
		defer obs.Close()
		fmt.Printf("Watching %s (%s). Press Ctrl-C to stop.\n", conv.ID, transport)

		shown := make(map[string]string)
		for {
			select {
			case <-ctx.Done():
				return <-runErr
			case err := <-runErr:
				return err
			case err := <-s.Errors():
				fmt.Fprintf(os.Stderr, "backfill failed: %v\n", err)
			case list, ok := <-obs.C:
				if !ok {
					return nil
				}
				shown = printChanges(shown, list)
			}
		}
	},
}

// awaitObserver waits for the syncer to open convID. It returns a nil
// observer when ctx ends first.
func awaitObserver(ctx context.Context, s *chatsync.Syncer, convID string, runErr <-chan error) (*chatsync.Observer, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		obs, err := s.Observe(convID)
		if err == nil {
			return obs, nil
		}
		if !errors.Is(err, chatsync.ErrNotMember) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, <-runErr
		case err := <-runErr:
			return nil, err
		case <-ticker.C:
		}
	}
}

// printChanges prints the difference between the previously shown list and
// the new snapshot and returns the new id to text map.
func printChanges(shown map[string]string, list []chatsync.Message) map[string]string {
	next := make(map[string]string, len(list))
	for _, m := range list {
		next[m.ID] = m.Text
		old, ok := shown[m.ID]
		switch {
		case !ok:
			printMessage("+ ", m)
		case old != m.Text:
			printMessage("~ ", m)
		}
	}
	for id := range shown {
		if _, ok := next[id]; !ok {
			fmt.Printf("- %s deleted\n", id)
		}
	}
	return next
}
