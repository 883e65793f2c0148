// Package config loads the service's TOML configuration, falling back to
// the documented defaults when no file is present, and applies PRICEINDEX_*
// environment variable overrides on top — the same decode-onto-defaults
// shape used by the polymarketbot loader this package is grounded on, swept
// down to the handful of knobs this service actually exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Server holds the HTTP listener address.
type Server struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// Addr returns "host:port" for http.Server.Addr.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Binance holds the Binance streaming endpoints.
type Binance struct {
	WSURL   string `toml:"ws_url"`
	RESTURL string `toml:"rest_url"`
}

// Kraken holds the Kraken REST endpoint.
type Kraken struct {
	URL string `toml:"url"`
}

// Huobi holds the Huobi REST endpoint.
type Huobi struct {
	URL string `toml:"url"`
}

// ExchangeTuning holds the reconnect/liveness knobs shared by every
// exchange adapter (only the Binance streaming adapter currently uses the
// reconnect/ping fields; Kraken and Huobi are stateless REST calls).
type ExchangeTuning struct {
	InitialReconnectDelaySecs uint64 `toml:"initial_reconnect_delay"`
	MaxReconnectDelaySecs     uint64 `toml:"max_reconnect_delay"`
	PingIntervalSecs          uint64 `toml:"ping_interval"`
	PingRetryCount            uint32 `toml:"ping_retry_count"`
}

// Exchange groups every exchange-specific section under [exchange].
type Exchange struct {
	Binance Binance        `toml:"binance"`
	Kraken  Kraken         `toml:"kraken"`
	Huobi   Huobi          `toml:"huobi"`
	Config  ExchangeTuning `toml:"config"`
}

// PriceWeighting holds the decay factor used by the aggregator.
type PriceWeighting struct {
	DecayFactor float64 `toml:"decay_factor"`
}

// Config is the full settings tree, matching the original Rust Settings
// struct section for section.
type Config struct {
	Server         Server         `toml:"server"`
	Exchange       Exchange       `toml:"exchange"`
	PriceWeighting PriceWeighting `toml:"price_weighting"`
}

// Defaults returns the documented default configuration (spec §6), used as
// the base that a TOML file is decoded on top of, and as the whole config
// when no file is present.
func Defaults() Config {
	return Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Exchange: Exchange{
			Binance: Binance{
				WSURL:   "wss://stream.binance.com:9443/ws/btcusdt@depth",
				RESTURL: "https://api.binance.com/api/v3/depth?symbol=BTCUSDT&limit=1000",
			},
			Kraken: Kraken{
				URL: "https://api.kraken.com/0/public/Depth?pair=XBTUSDT",
			},
			Huobi: Huobi{
				URL: "https://api.huobi.pro/market/depth",
			},
			Config: ExchangeTuning{
				InitialReconnectDelaySecs: 1,
				MaxReconnectDelaySecs:     300,
				PingIntervalSecs:          30,
				PingRetryCount:            3,
			},
		},
		PriceWeighting: PriceWeighting{
			DecayFactor: 300.0,
		},
	}
}

// Load decodes path on top of Defaults(), applies environment overrides,
// and returns the result. A missing file is not an error: the caller gets
// defaults (plus any env overrides), matching the Rust source's
// "Warning: Could not load config file ... using default values" fallback.
func Load(path string, log zerolog.Logger) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
		} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Host, "PRICEINDEX_SERVER_HOST")
	setUint16(&cfg.Server.Port, "PRICEINDEX_SERVER_PORT")

	setStr(&cfg.Exchange.Binance.WSURL, "PRICEINDEX_BINANCE_WS_URL")
	setStr(&cfg.Exchange.Binance.RESTURL, "PRICEINDEX_BINANCE_REST_URL")
	setStr(&cfg.Exchange.Kraken.URL, "PRICEINDEX_KRAKEN_URL")
	setStr(&cfg.Exchange.Huobi.URL, "PRICEINDEX_HUOBI_URL")

	setUint64(&cfg.Exchange.Config.InitialReconnectDelaySecs, "PRICEINDEX_INITIAL_RECONNECT_DELAY")
	setUint64(&cfg.Exchange.Config.MaxReconnectDelaySecs, "PRICEINDEX_MAX_RECONNECT_DELAY")
	setUint64(&cfg.Exchange.Config.PingIntervalSecs, "PRICEINDEX_PING_INTERVAL")
	setUint32(&cfg.Exchange.Config.PingRetryCount, "PRICEINDEX_PING_RETRY_COUNT")

	setFloat64(&cfg.PriceWeighting.DecayFactor, "PRICEINDEX_DECAY_FACTOR")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setUint16(dst *uint16, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*dst = uint16(n)
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Store wraps a Config in a sync.RWMutex so it can be hot-reloaded without
// restarting the process, mirroring the Rust source's
// `lazy_static! { static ref SETTINGS: RwLock<Settings> }` plus
// `Settings::reload()`. No §4 component requires this — it's an
// operational nicety pulled forward from original_source/ (see
// SPEC_FULL.md §12.2) — so components take a plain *Config at
// construction time and never read Store themselves. cmd/app loads its
// configuration with Load and does not create a Store.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
	log zerolog.Logger
}

// NewStore wraps an already-loaded Config.
func NewStore(cfg *Config, log zerolog.Logger) *Store {
	return &Store{cfg: cfg, log: log}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := *s.cfg
	return &cfg
}

// Reload re-reads path and atomically swaps the stored configuration.
func (s *Store) Reload(path string) error {
	cfg, err := Load(path, s.log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info().Str("path", path).Msg("configuration reloaded")
	return nil
}
