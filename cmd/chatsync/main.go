package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Prismer-AI/chatsync"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Server  ConfigServer  `toml:"server"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the identity and server the client commands use.
type ConfigDefault struct {
	UserID  string `toml:"user_id"`
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the bearer token sent to the store server.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigServer holds settings for `chatsync serve`.
type ConfigServer struct {
	Addr    string `toml:"addr"`
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Token   string `toml:"token"`
}

// ConfigLog holds logger settings.
type ConfigLog struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies CHATSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envOverrides maps environment variables to config keys.
var envOverrides = []struct{ env, key string }{
	{"CHATSYNC_USER_ID", "default.user_id"},
	{"CHATSYNC_BASE_URL", "default.base_url"},
	{"CHATSYNC_TOKEN", "auth.token"},
	{"CHATSYNC_SERVER_ADDR", "server.addr"},
	{"CHATSYNC_BACKEND", "server.backend"},
	{"CHATSYNC_DB_PATH", "server.path"},
	{"CHATSYNC_SERVER_TOKEN", "server.token"},
	{"CHATSYNC_LOG_LEVEL", "log.level"},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			setConfigValue(cfg, o.key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "backend":
			cfg.Server.Backend = value
		case "path":
			cfg.Server.Path = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "development":
			cfg.Log.Development = value == "true" || value == "1"
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, server, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line interface for chatsync.\nRun a message store server, manage conversations, and follow them live.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		if level == "" {
			level = "warn"
		}
		l, err := chatsync.NewLogger(level, cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logger = l
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
