package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"updown/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Game     GameConfig     `mapstructure:"game"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Database DatabaseConfig `mapstructure:"database"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// GameConfig governs round timing and the player account.
type GameConfig struct {
	RoundDuration  time.Duration `mapstructure:"round_duration"`
	RoundInterval  time.Duration `mapstructure:"round_interval"`
	InitialBalance float64       `mapstructure:"initial_balance"`
	SubjectID      string        `mapstructure:"subject_id"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	DefaultStake   float64       `mapstructure:"default_stake"`
}

// FeedConfig parameterises the synthetic price walk.
type FeedConfig struct {
	InitialPrice  float64       `mapstructure:"initial_price"`
	Volatility    float64       `mapstructure:"volatility"`
	Drift         float64       `mapstructure:"drift"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	LookbackRatio float64       `mapstructure:"lookback_ratio"`
	Capacity      int           `mapstructure:"capacity"`
	WindowPoints  int           `mapstructure:"window_points"`
	WarmupPoints  int           `mapstructure:"warmup_points"`
	Floor         float64       `mapstructure:"floor"`
	Seed          uint64        `mapstructure:"seed"`
}

// DatabaseConfig selects the outcome journal. An empty DSN disables it.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BufferSize      int           `mapstructure:"buffer_size"`
}

// AlertingConfig routes round summaries to chat channels.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	MinPayout      float64        `mapstructure:"min_payout"`
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	Channels       []string       `mapstructure:"channels"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	QueueSize      int            `mapstructure:"queue_size"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
}

// TelegramConfig describes the Telegram bot endpoint.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// StreamConfig exposes the read-only websocket event stream.
type StreamConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PriceTicks   bool          `mapstructure:"price_ticks"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UPDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "updown")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("game.round_duration", "60s")
	v.SetDefault("game.round_interval", "5s")
	v.SetDefault("game.initial_balance", 10000.0)
	v.SetDefault("game.subject_id", "player")
	v.SetDefault("game.history_limit", 500)
	v.SetDefault("game.default_stake", 100.0)

	v.SetDefault("feed.initial_price", 150.0)
	v.SetDefault("feed.volatility", 0.002)
	v.SetDefault("feed.drift", 0.0)
	v.SetDefault("feed.tick_interval", "250ms")
	v.SetDefault("feed.lookback_ratio", 0.75)
	v.SetDefault("feed.capacity", 1000)
	v.SetDefault("feed.window_points", 240)
	v.SetDefault("feed.warmup_points", 240)
	v.SetDefault("feed.floor", 0.01)
	v.SetDefault("feed.seed", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.buffer_size", 256)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_payout", 0.0)
	v.SetDefault("alerting.cooldown", "0s")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.queue_size", 32)
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.addr", "127.0.0.1:8765")
	v.SetDefault("stream.send_buffer", 64)
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.price_ticks", true)

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", ".")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Game.RoundDuration <= 0 {
		return fmt.Errorf("game.round_duration must be greater than zero")
	}
	if c.Game.RoundInterval < 0 {
		return fmt.Errorf("game.round_interval cannot be negative")
	}
	if c.Game.InitialBalance <= 0 {
		return fmt.Errorf("game.initial_balance must be greater than zero")
	}
	if c.Game.DefaultStake <= 0 {
		return fmt.Errorf("game.default_stake must be greater than zero")
	}
	if c.Feed.InitialPrice <= 0 {
		return fmt.Errorf("feed.initial_price must be greater than zero")
	}
	if c.Feed.Volatility < 0 {
		return fmt.Errorf("feed.volatility cannot be negative")
	}
	if c.Feed.TickInterval <= 0 {
		return fmt.Errorf("feed.tick_interval must be greater than zero")
	}
	if c.Feed.LookbackRatio <= 0 || c.Feed.LookbackRatio > 1 {
		return fmt.Errorf("feed.lookback_ratio must be in (0, 1]")
	}
	if c.Feed.Capacity <= 0 {
		return fmt.Errorf("feed.capacity must be greater than zero")
	}
	if c.Feed.WindowPoints <= 0 || c.Feed.WindowPoints > c.Feed.Capacity {
		return fmt.Errorf("feed.window_points must be in [1, feed.capacity]")
	}
	if c.Feed.WarmupPoints < 0 {
		return fmt.Errorf("feed.warmup_points cannot be negative")
	}
	if c.Feed.Floor <= 0 {
		return fmt.Errorf("feed.floor must be greater than zero")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported (postgres, sqlite)", c.Database.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.Stream.Enabled && c.Stream.Addr == "" {
		return fmt.Errorf("stream.addr must be set when the stream is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
