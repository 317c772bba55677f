// Package config loads telereach's single TOML configuration file and
// applies environment-variable overrides, the way the teacher's own
// config layer reads its JSON file once at startup and layers env vars
// on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultTimeoutSeconds = 300
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 3600
	ConfigFileName        = "config.toml"
	DefaultConfigDir      = ".telereach"
)

// Config is the read-once set of values both hook and bot modes need.
type Config struct {
	TelegramBotToken string  `toml:"telegram_bot_token"`
	AllowedChatIDs   []int64 `toml:"allowed_chat_ids"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	SocketPath       string  `toml:"socket_path,omitempty"`
}

// DefaultConfigPath returns ~/.telereach/config.toml, used when
// TELEREACH_CONFIG is unset.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, DefaultConfigDir, ConfigFileName)
}

// DefaultSocketPath mirrors the teacher's XDG-first, temp-dir-fallback
// convention for the bot's Unix socket.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "telereach.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("telereach-%d.sock", os.Getuid()))
}

// Load reads the TOML config file at path (falling back to
// TELEREACH_CONFIG, then DefaultConfigPath, when path is empty), layers
// environment overrides on top, fills in the default socket path and
// timeout, and runs Validate. A missing file is not an error. Load does
// not require a token or chat ids; callers that need them run
// ValidateForBot.
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("TELEREACH_CONFIG"); env != "" {
			path = env
		} else {
			path = DefaultConfigPath()
		}
	}

	cfg := &Config{TimeoutSeconds: DefaultTimeoutSeconds}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if tok := os.Getenv("TELEREACH_BOT_TOKEN"); tok != "" {
		cfg.TelegramBotToken = tok
	}
	if ids := os.Getenv("TELEREACH_ALLOWED_CHAT_IDS"); ids != "" {
		cfg.AllowedChatIDs = nil
		for _, s := range strings.Split(ids, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if id, err := strconv.ParseInt(s, 10, 64); err == nil {
				cfg.AllowedChatIDs = append(cfg.AllowedChatIDs, id)
			}
		}
	}
	if sock := os.Getenv("TELEREACH_SOCKET_PATH"); sock != "" {
		cfg.SocketPath = sock
	}
	if t := os.Getenv("TELEREACH_TIMEOUT_SECONDS"); t != "" {
		if n, err := strconv.Atoi(t); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
}

// Validate checks what both modes need: timeout_seconds within
// [MinTimeoutSeconds, MaxTimeoutSeconds]. It does not check Telegram
// credentials, since the hook never uses them; ValidateForBot does.
func (c *Config) Validate() error {
	if c.TimeoutSeconds < MinTimeoutSeconds || c.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds must be in [%d, %d], got %d", MinTimeoutSeconds, MaxTimeoutSeconds, c.TimeoutSeconds)
	}
	return nil
}

// ValidateForBot additionally requires Telegram credentials, since the
// bot daemon cannot run without somewhere to send messages.
func (c *Config) ValidateForBot() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TelegramBotToken == "" {
		return fmt.Errorf("telegram_bot_token is required")
	}
	if len(c.AllowedChatIDs) == 0 {
		return fmt.Errorf("allowed_chat_ids must be non-empty")
	}
	return nil
}

// ClientTimeoutSeconds is the hook's own connect/read timeout. The bot
// times a request out at TimeoutSeconds and then still has to write the
// Timeout response; the hook's read deadline needs a few seconds of
// slack past that so it sees the response rather than racing it. Both
// are meant to stay comfortably under the host assistant's own hook
// timeout (default 300s here vs. a host default of 600s).
func (c *Config) ClientTimeoutSeconds() int {
	return c.TimeoutSeconds + 5
}
