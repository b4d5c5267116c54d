package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = chatsync.DefaultBaseURL
	defaultAddr    = ":8080"
)

// mustConfig loads the config and requires a user id, exiting on failure.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatsync init <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newHTTPStore creates a store client for the configured server.
func newHTTPStore(cfg *Config, opts ...chatsync.ClientOption) *chatsync.HTTPStore {
	base := []chatsync.ClientOption{
		chatsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, defaultBaseURL)),
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithClientLogger(logger),
	}
	return chatsync.NewHTTPStore(append(base, opts...)...)
}

// lookupConversation returns convID as seen by user, or chatsync.ErrNotMember.
func lookupConversation(ctx context.Context, l chatsync.ConversationLister, user, convID string) (chatsync.Conversation, error) {
	convs, err := l.ListConversations(ctx, user)
	if err != nil {
		return chatsync.Conversation{}, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if c.ID == convID {
			return c, nil
		}
	}
	return chatsync.Conversation{}, fmt.Errorf("%s: %w", convID, chatsync.ErrNotMember)
}

// fetchPage reads one page of conv's history as user sees it, oldest first,
// keeping the newest limit messages of a direct conversation's two records.
func fetchPage(ctx context.Context, store chatsync.Store, user string, conv chatsync.Conversation, before int64, limit int) ([]chatsync.Message, error) {
	page, err := chatsync.FetchPage(ctx, store, user, conv, before, limit)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page, nil
}

func printMessage(prefix string, m chatsync.Message) {
	fmt.Printf("%s[%s] %s %s: %s\n", prefix, m.Time().Format("2006-01-02 15:04:05"), m.ID, m.SenderID, chatsync.Desanitize(m.Text))
}

// openBackend opens the storage engine selected by kind. An empty path picks
// a file under ~/.chatsync.
func openBackend(kind, path string) (chatsync.Backend, error) {
	opts := []chatsync.Option{chatsync.WithLogger(logger)}
	switch kind {
	case "", "memory":
		return chatsync.NewMemoryStore(opts...), nil
	case "sqlite":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "chatsync.db")
		}
		s, err := chatsync.OpenSQLiteStore(path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pebble":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "pebble")
		}
		s, err := chatsync.OpenPebbleStore(path, nil, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: memory, sqlite, pebble)", kind)
	}
}

// serveMetrics exposes reg on addr/metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	runHTTP(ctx, "metrics", &http.Server{Addr: addr, Handler: mux})
}

// runHTTP serves srv in the background and shuts it down when ctx is done.
func runHTTP(ctx context.Context, name string, srv *http.Server) {
	go func() {
		logger.Info("http_listen", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_serve_failed", zap.String("server", name), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
