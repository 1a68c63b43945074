package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.bazaarly/config.toml.
// Fields tagged with env can be overridden from the environment.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Chat    ConfigChat    `toml:"chat"`
}

// ConfigDefault holds general connection settings.
type ConfigDefault struct {
	Environment string `toml:"environment" env:"BAZAARLY_ENVIRONMENT"`
	BaseURL     string `toml:"base_url" env:"BAZAARLY_BASE_URL"`
}

// ConfigAuth holds the chat session credentials.
type ConfigAuth struct {
	Token        string `toml:"token" env:"BAZAARLY_TOKEN"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigChat tunes the chat session. Durations use Go syntax ("30s").
type ConfigChat struct {
	HistoryLimit      int    `toml:"history_limit" env:"BAZAARLY_HISTORY_LIMIT"`
	AckTimeout        string `toml:"ack_timeout" env:"BAZAARLY_ACK_TIMEOUT"`
	ReconnectMaxDelay string `toml:"reconnect_max_delay" env:"BAZAARLY_RECONNECT_MAX_DELAY"`
}

var environments = map[string]string{
	"production": "https://bazaarly.com",
	"staging":    "https://staging.bazaarly.com",
}

// baseURL resolves the server address: an explicit base URL wins over the
// named environment.
func (c *Config) baseURL() (string, error) {
	if c.Default.BaseURL != "" {
		return c.Default.BaseURL, nil
	}
	name := valueOrDefault(c.Default.Environment, "production")
	u, ok := environments[name]
	if !ok {
		return "", fmt.Errorf("unknown environment %q (valid: production, staging)", name)
	}
	return u, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.bazaarly, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bazaarly")
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

// readConfigFile reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
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

// loadConfig returns the effective configuration: the config file with
// BAZAARLY_* environment variables applied on top.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseEnv overlays environment variables onto target. Unset variables
// leave the file values alone.
func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			if _, err := time.Parse(time.RFC3339, value); err != nil {
				return fmt.Errorf("token_expires must be RFC 3339: %w", err)
			}
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "chat":
		switch field {
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("history_limit must be a non-negative integer")
			}
			cfg.Chat.HistoryLimit = n
		case "ack_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("ack_timeout: %w", err)
			}
			cfg.Chat.AckTimeout = value
		case "reconnect_max_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("reconnect_max_delay: %w", err)
			}
			cfg.Chat.ReconnectMaxDelay = value
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, chat)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds the console logger used for session diagnostics. Logs go
// to stderr so they never mix with chat output.
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core, zap.AddCaller())
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "bazaar-chat",
	Short:        "Bazaarly chat CLI",
	Long:         "Command-line interface for Bazaarly marketplace chat.\nLog in, follow rooms, and talk to buyers and sellers from the terminal.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection diagnostics to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
