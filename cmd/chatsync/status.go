package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Server (serve):")
		fmt.Printf("  Addr:        %s\n", valueOrDefault(cfg.Server.Addr, defaultAddr))
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Server.Backend, "memory"))
		if cfg.Server.Path != "" {
			fmt.Printf("  Path:        %s\n", cfg.Server.Path)
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := newHTTPStore(cfg)
		if err := store.Health(ctx); err != nil {
			fmt.Printf("  Server:      unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Server:      ok (%s)\n", store.BaseURL())
		return nil
	},
}

// maskKey shows only the first and last few characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return key[:min(4, len(key))] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
