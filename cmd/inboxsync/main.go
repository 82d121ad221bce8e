package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.inboxsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server" json:"server"`
	Auth   ConfigAuth   `toml:"auth" json:"auth"`
	Cache  ConfigCache  `toml:"cache" json:"cache"`
	Sync   ConfigSync   `toml:"sync" json:"sync"`
	Push   ConfigPush   `toml:"push" json:"push"`
}

// ConfigServer locates the inbox API.
type ConfigServer struct {
	BaseURL string `toml:"base_url" json:"base_url"`
}

// ConfigAuth holds the agent's session token.
type ConfigAuth struct {
	Token string `toml:"token" json:"token"`
}

// ConfigCache locates the local ticket database.
type ConfigCache struct {
	DBPath string `toml:"db_path" json:"db_path"`
}

// ConfigSync holds pagination settings.
type ConfigSync struct {
	PageSize int `toml:"page_size" json:"page_size"`
}

// ConfigPush configures the optional push fallback listener.
type ConfigPush struct {
	Secret string `toml:"secret" json:"secret"`
	Addr   string `toml:"addr" json:"addr"`
}

// Environment variables that override the file.
const (
	envBaseURL    = "INBOXSYNC_BASE_URL"
	envToken      = "INBOXSYNC_TOKEN"
	envDB         = "INBOXSYNC_DB"
	envPushSecret = "INBOXSYNC_PUSH_SECRET"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.inboxsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".inboxsync")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// resolveConfig loads the file, then lets a .env file and the process
// environment override it. The result is never written back.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	applyEnv(cfg)
	if cfg.Cache.DBPath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cfg.Cache.DBPath = filepath.Join(dir, "inbox.db")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv(envDB); v != "" {
		cfg.Cache.DBPath = v
	}
	if v := os.Getenv(envPushSecret); v != "" {
		cfg.Push.Secret = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "db_path":
			cfg.Cache.DBPath = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "sync":
		switch field {
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("sync.page_size must be a positive integer")
			}
			cfg.Sync.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "push":
		switch field {
		case "secret":
			cfg.Push.Secret = value
		case "addr":
			cfg.Push.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, cache, sync, push)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "inboxsync",
	Short: "Offline-first support inbox CLI",
	Long:  "Command-line interface for the inbox sync engine.\nSync tickets into a local cache, browse them offline, and watch live updates.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync engine activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON output")
}

// newLogger returns the stderr logger the sync engine reports through.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
