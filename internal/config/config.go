package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Book      BookConfig      `yaml:"book"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// FeedConfig holds the remote feed endpoints and topics
type FeedConfig struct {
	BaseURL        string `yaml:"base_url"`
	FuturesPath    string `yaml:"futures_path"`
	OSSFuturesPath string `yaml:"oss_futures_path"`
	BookTopic      string `yaml:"book_topic"`
	TradeTopic     string `yaml:"trade_topic"`
}

// BookConfig holds reconciler and trade adapter settings
type BookConfig struct {
	Depth                  int           `yaml:"depth"`
	ResubscribeInterval    time.Duration `yaml:"resubscribe_interval"`
	MaxResubscribeAttempts int           `yaml:"max_resubscribe_attempts"`
}

// TransportConfig holds connection lifecycle settings
type TransportConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// ServerConfig holds view server settings
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	LogInterval time.Duration `yaml:"log_interval"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the default configuration for the BTCPFC futures feed
func Default() Config {
	return Config{
		Feed: FeedConfig{
			BaseURL:        "wss://ws.btse.com/ws",
			FuturesPath:    "/futures",
			OSSFuturesPath: "/oss/futures",
			BookTopic:      "update:BTCPFC_0",
			TradeTopic:     "tradeHistoryApi:BTCPFC",
		},
		Book: BookConfig{
			Depth:                  8,
			ResubscribeInterval:    5 * time.Second,
			MaxResubscribeAttempts: 3,
		},
		Transport: TransportConfig{
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 5,
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         5 * time.Second,
		},
		Server: ServerConfig{
			Addr:        ":8086",
			LogInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the environment
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Feed.BaseURL, "FEED_WS_BASE_URL")
	setString(&c.Feed.FuturesPath, "FEED_WS_FUTURES_PATH")
	setString(&c.Feed.OSSFuturesPath, "FEED_WS_OSS_FUTURES_PATH")
	setString(&c.Feed.BookTopic, "FEED_BOOK_TOPIC")
	setString(&c.Feed.TradeTopic, "FEED_TRADE_TOPIC")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

// Validate checks the configuration for values the feed cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Feed.BaseURL == "" {
		errs = append(errs, errors.New("feed.base_url is required"))
	}
	if c.Feed.BookTopic == "" {
		errs = append(errs, errors.New("feed.book_topic is required"))
	}
	if c.Feed.TradeTopic == "" {
		errs = append(errs, errors.New("feed.trade_topic is required"))
	}
	if c.Book.Depth <= 0 {
		errs = append(errs, fmt.Errorf("book.depth must be positive, got %d", c.Book.Depth))
	}
	if c.Book.MaxResubscribeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("book.max_resubscribe_attempts must be positive, got %d", c.Book.MaxResubscribeAttempts))
	}
	if c.Transport.MaxReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("transport.max_reconnect_attempts must be positive, got %d", c.Transport.MaxReconnectAttempts))
	}
	if c.Transport.ReconnectDelay < 0 {
		errs = append(errs, errors.New("transport.reconnect_delay must not be negative"))
	}
	if c.Server.LogInterval <= 0 {
		errs = append(errs, errors.New("server.log_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BookEndpoint returns the websocket address of the order book feed
func (c Config) BookEndpoint() string {
	return joinURL(c.Feed.BaseURL, c.Feed.OSSFuturesPath)
}

// TradeEndpoint returns the websocket address of the trade feed
func (c Config) TradeEndpoint() string {
	return joinURL(c.Feed.BaseURL, c.Feed.FuturesPath)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// SetDepth updates the number of levels per side in the derived view
func (c *Config) SetDepth(depth int) {
	c.Book.Depth = depth
}

// SetTopics overrides the book and trade topics
func (c *Config) SetTopics(book, trade string) {
	if book != "" {
		c.Feed.BookTopic = book
	}
	if trade != "" {
		c.Feed.TradeTopic = trade
	}
}
