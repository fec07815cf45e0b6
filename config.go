package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir        = "data"
	defaultLogDirName     = "log"
	defaultScreenPrefix   = "MC"
	defaultPollInterval   = 500 * time.Millisecond
	defaultRetryDelay     = 5 * time.Second
	defaultSyncRetryDelay = 10 * time.Second

	discoveryScreen = "screen"
	discoveryDirs   = "dirs"

	botTokenEnv = "MCPRESENCE_BOT_TOKEN"
)

type Config struct {
	// ChannelID is the Discord text channel that holds the status cards.
	ChannelID string
	BotToken  string
	// ServerDir holds one subdirectory per game server; each server writes
	// <ServerDir>/<name>/logs/latest.log.
	ServerDir string
	DataDir   string
	LogDir    string
	// Discovery selects how running servers are enumerated at startup:
	// "screen" lists GNU screen sessions named ScreenPrefix+<name>, "dirs"
	// monitors every subdirectory of ServerDir.
	Discovery    string
	ScreenPrefix string
	// PollInterval is the idle wait between reads once a tailer hits EOF.
	PollInterval time.Duration
	// RetryDelay is the backoff while a log file is missing.
	RetryDelay time.Duration
	// SyncRetryDelay is the backoff after a failed card send/edit.
	SyncRetryDelay time.Duration
	// PresencePubAddr, when set, is a ZMQ endpoint (e.g. "tcp://127.0.0.1:5560")
	// where join/leave events are published.
	PresencePubAddr string
	LogDebug        bool
}

type fileConfig struct {
	ChannelID        string  `toml:"channel_id"`
	ServerDir        string  `toml:"server_dir"`
	DataDir          string  `toml:"data_dir"`
	LogDir           string  `toml:"log_dir"`
	Discovery        string  `toml:"discovery"`
	ScreenPrefix     *string `toml:"screen_prefix"`
	PollIntervalMS   *int    `toml:"poll_interval_ms"`
	RetryDelayMS     *int    `toml:"retry_delay_ms"`
	SyncRetryDelayMS *int    `toml:"sync_retry_delay_ms"`
	PresencePubAddr  string  `toml:"presence_pub_addr"`
	LogDebug         *bool   `toml:"log_debug"`
}

// secretsConfig keeps the bot token out of config.toml so the main config
// can be shared or checked in.
type secretsConfig struct {
	BotToken string `toml:"bot_token"`
}

// configOverrides carries command-line values that win over both files.
type configOverrides struct {
	dataDir string
	logDir  string
	debug   bool
}

func loadConfig(configPath, secretsPath string, overrides configOverrides) (Config, error) {
	cfg := defaultConfig()
	if overrides.dataDir != "" {
		cfg.DataDir = overrides.dataDir
	}
	if configPath == "" {
		configPath = defaultConfigPath(cfg.DataDir)
	}

	if fc, ok, err := loadConfigFile(configPath); err != nil {
		return cfg, err
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		logger.Info("created default config file", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "secrets.toml")
	}
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		return cfg, err
	} else if ok {
		applySecretsConfig(&cfg, *sc)
	}
	if token := strings.TrimSpace(os.Getenv(botTokenEnv)); token != "" {
		cfg.BotToken = token
	}

	if overrides.dataDir != "" {
		cfg.DataDir = overrides.dataDir
	}
	if overrides.logDir != "" {
		cfg.LogDir = overrides.logDir
	}
	if overrides.debug {
		cfg.LogDebug = true
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, defaultLogDirName)
	}
	return cfg, nil
}

// defaultConfig returns the built-in defaults used both at runtime and when
// generating example files.
func defaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir,
		Discovery:      discoveryScreen,
		ScreenPrefix:   defaultScreenPrefix,
		PollInterval:   defaultPollInterval,
		RetryDelay:     defaultRetryDelay,
		SyncRetryDelay: defaultSyncRetryDelay,
	}
}

func defaultConfigPath(dataDir string) string {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "config.toml")
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg fileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg secretsConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if v := strings.TrimSpace(fc.ChannelID); v != "" {
		cfg.ChannelID = v
	}
	if v := strings.TrimSpace(fc.ServerDir); v != "" {
		cfg.ServerDir = v
	}
	if v := strings.TrimSpace(fc.DataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(fc.LogDir); v != "" {
		cfg.LogDir = v
	}
	if v := strings.ToLower(strings.TrimSpace(fc.Discovery)); v != "" {
		cfg.Discovery = v
	}
	if fc.ScreenPrefix != nil {
		cfg.ScreenPrefix = strings.TrimSpace(*fc.ScreenPrefix)
	}
	if fc.PollIntervalMS != nil {
		cfg.PollInterval = time.Duration(*fc.PollIntervalMS) * time.Millisecond
	}
	if fc.RetryDelayMS != nil {
		cfg.RetryDelay = time.Duration(*fc.RetryDelayMS) * time.Millisecond
	}
	if fc.SyncRetryDelayMS != nil {
		cfg.SyncRetryDelay = time.Duration(*fc.SyncRetryDelayMS) * time.Millisecond
	}
	if v := strings.TrimSpace(fc.PresencePubAddr); v != "" {
		cfg.PresencePubAddr = v
	}
	if fc.LogDebug != nil {
		cfg.LogDebug = *fc.LogDebug
	}
}

func applySecretsConfig(cfg *Config, sc secretsConfig) {
	if v := strings.TrimSpace(sc.BotToken); v != "" {
		cfg.BotToken = v
	}
}

func buildFileConfig(cfg Config) fileConfig {
	prefix := cfg.ScreenPrefix
	poll := int(cfg.PollInterval / time.Millisecond)
	retry := int(cfg.RetryDelay / time.Millisecond)
	syncRetry := int(cfg.SyncRetryDelay / time.Millisecond)
	debug := cfg.LogDebug
	return fileConfig{
		ChannelID:        cfg.ChannelID,
		ServerDir:        cfg.ServerDir,
		DataDir:          cfg.DataDir,
		LogDir:           cfg.LogDir,
		Discovery:        cfg.Discovery,
		ScreenPrefix:     &prefix,
		PollIntervalMS:   &poll,
		RetryDelayMS:     &retry,
		SyncRetryDelayMS: &syncRetry,
		PresencePubAddr:  cfg.PresencePubAddr,
		LogDebug:         &debug,
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return fmt.Errorf("channel_id is required")
	}
	if _, err := strconv.ParseUint(cfg.ChannelID, 10, 64); err != nil {
		return fmt.Errorf("channel_id %q is not a Discord snowflake", cfg.ChannelID)
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		return fmt.Errorf("bot_token is required (secrets.toml or %s)", botTokenEnv)
	}
	if strings.TrimSpace(cfg.ServerDir) == "" {
		return fmt.Errorf("server_dir is required")
	}
	switch cfg.Discovery {
	case discoveryScreen:
		if cfg.ScreenPrefix == "" {
			return fmt.Errorf("screen_prefix must not be empty with discovery = %q", discoveryScreen)
		}
	case discoveryDirs:
	default:
		return fmt.Errorf("discovery must be %q or %q, got %q", discoveryScreen, discoveryDirs, cfg.Discovery)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_ms must be > 0")
	}
	if cfg.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay_ms must be > 0")
	}
	if cfg.SyncRetryDelay <= 0 {
		return fmt.Errorf("sync_retry_delay_ms must be > 0")
	}
	return nil
}
