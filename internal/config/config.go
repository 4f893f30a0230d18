// Package config provides a reusable loader for DEX Proxy configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"dexproxy/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a dexproxy process. It mirrors
// the structure of the YAML files under config/.
type Config struct {
	Transport struct {
		ListenAddr      string        `mapstructure:"listen_addr" json:"listen_addr"`
		WSPath          string        `mapstructure:"ws_path" json:"ws_path"`
		SendQueueSize   int           `mapstructure:"send_queue_size" json:"send_queue_size"`
		ShutdownDrain   time.Duration `mapstructure:"shutdown_drain" json:"shutdown_drain"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	} `mapstructure:"transport" json:"transport"`

	Adapter struct {
		Name string `mapstructure:"name" json:"name"`
	} `mapstructure:"adapter" json:"adapter"`

	Nonce struct {
		SyncInterval time.Duration `mapstructure:"sync_interval" json:"sync_interval"`
	} `mapstructure:"nonce" json:"nonce"`

	Poller struct {
		OrderRecordsIntervalMs  int   `mapstructure:"order_records_interval_ms" json:"order_records_interval_ms"`
		DelayAfterSubmitS       int   `mapstructure:"delay_after_submit_s" json:"delay_after_submit_s"`
		OrderActionsIntervalMs  int   `mapstructure:"order_actions_interval_ms" json:"order_actions_interval_ms"`
		RefreshAfterS           int   `mapstructure:"refresh_after_s" json:"refresh_after_s"`
		PlaceTxIntervalMs       int   `mapstructure:"place_tx_interval_ms" json:"place_tx_interval_ms"`
		MarkInsertFailedAfterS  int   `mapstructure:"mark_insert_failed_after_s" json:"mark_insert_failed_after_s"`
		PollWindowSlots         uint64 `mapstructure:"poll_window_slots" json:"poll_window_slots"`
	} `mapstructure:"poller" json:"poller"`

	Policy struct {
		GasCapWei           uint64 `mapstructure:"gas_cap_wei" json:"gas_cap_wei"`
		FinalisedWindowSize int    `mapstructure:"finalised_window_size" json:"finalised_window_size"`
	} `mapstructure:"policy" json:"policy"`

	Persistence struct {
		Backend  string `mapstructure:"backend" json:"backend"` // "memory" | "redis"
		RedisURL string `mapstructure:"redis_url" json:"redis_url"`
	} `mapstructure:"persistence" json:"persistence"`

	Logging struct {
		Level  string `mapstructure:"level" json:"level"`
		Format string `mapstructure:"format" json:"format"` // "json" | "text"
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns the baseline configuration applied before any file or
// environment overlay is merged in.
func Default() Config {
	var c Config
	c.Transport.ListenAddr = ":8080"
	c.Transport.WSPath = "/private/ws"
	c.Transport.SendQueueSize = 256
	c.Transport.ShutdownDrain = 10 * time.Second
	c.Transport.RequestTimeout = 10 * time.Second
	c.Nonce.SyncInterval = 5 * time.Second
	c.Poller.OrderRecordsIntervalMs = 500
	c.Poller.DelayAfterSubmitS = 2
	c.Poller.OrderActionsIntervalMs = 1000
	c.Poller.RefreshAfterS = 5
	c.Poller.PlaceTxIntervalMs = 1000
	c.Poller.MarkInsertFailedAfterS = 60
	c.Poller.PollWindowSlots = 150
	c.Policy.FinalisedWindowSize = 10_000
	c.Persistence.Backend = "memory"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return c
}

// Load reads config/default.yaml, merges any environment-specific
// override file named after env, then layers process environment
// variables via viper.AutomaticEnv(). A .env file in the working
// directory is loaded first if present (godotenv), matching the
// teacher's pkg/config loading order.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	def := Default()
	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	v.SetEnvPrefix("DEXPROXY")
	v.AutomaticEnv()

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	AppConfig = cfg
	return &cfg, nil
}

// LoadFromEnv loads configuration using the DEXPROXY_ENV environment
// variable to select the overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DEXPROXY_ENV", ""))
}

// setDefaults seeds v with def's values so Unmarshal still produces a
// complete Config when no config file is present (a fresh process run
// with only environment variables set).
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("transport.listen_addr", def.Transport.ListenAddr)
	v.SetDefault("transport.ws_path", def.Transport.WSPath)
	v.SetDefault("transport.send_queue_size", def.Transport.SendQueueSize)
	v.SetDefault("transport.shutdown_drain", def.Transport.ShutdownDrain)
	v.SetDefault("transport.request_timeout", def.Transport.RequestTimeout)
	v.SetDefault("nonce.sync_interval", def.Nonce.SyncInterval)
	v.SetDefault("poller.order_records_interval_ms", def.Poller.OrderRecordsIntervalMs)
	v.SetDefault("poller.delay_after_submit_s", def.Poller.DelayAfterSubmitS)
	v.SetDefault("poller.order_actions_interval_ms", def.Poller.OrderActionsIntervalMs)
	v.SetDefault("poller.refresh_after_s", def.Poller.RefreshAfterS)
	v.SetDefault("poller.place_tx_interval_ms", def.Poller.PlaceTxIntervalMs)
	v.SetDefault("poller.mark_insert_failed_after_s", def.Poller.MarkInsertFailedAfterS)
	v.SetDefault("poller.poll_window_slots", def.Poller.PollWindowSlots)
	v.SetDefault("policy.gas_cap_wei", def.Policy.GasCapWei)
	v.SetDefault("policy.finalised_window_size", def.Policy.FinalisedWindowSize)
	v.SetDefault("persistence.backend", def.Persistence.Backend)
	v.SetDefault("persistence.redis_url", def.Persistence.RedisURL)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}
