package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cexfeed/internal/book"
)

const defaultWebsocketURL = "wss://ws.cex.io/ws/"

// Subscription is one order book to establish at startup.
type Subscription struct {
	Instrument book.Instrument
	Depth      int
}

// Config holds everything the feed needs to run. Credentials are required;
// everything else has defaults.
type Config struct {
	APIKey        string
	APISecret     string
	WebsocketURL  string
	Subscriptions []Subscription
	TickerRooms   []string
	SinkDSN       string
	StatusPort    string
	QueueSize     int
	ReconnectWait time.Duration
}

// Load reads configuration from the environment, with .env as an optional
// overlay. Missing credentials are the only fatal condition.
func Load() (Config, error) {
	// A missing .env file is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := Config{
		APIKey:        os.Getenv("CEX_API_KEY"),
		APISecret:     os.Getenv("CEX_API_SECRET"),
		WebsocketURL:  envOr("CEX_WS_URL", defaultWebsocketURL),
		SinkDSN:       os.Getenv("CEX_SINK_DSN"),
		StatusPort:    envOr("STATUS_PORT", "8086"),
		QueueSize:     envIntOr("QUEUE_SIZE", 4096),
		ReconnectWait: envDurationOr("RECONNECT_WAIT", 3*time.Second),
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, fmt.Errorf("CEX_API_KEY and CEX_API_SECRET must be set")
	}

	subs, err := parseSubscriptions(envOr("CEX_PAIRS", "BTC:USD:5"))
	if err != nil {
		return Config{}, err
	}
	cfg.Subscriptions = subs

	if rooms := os.Getenv("CEX_TICKER_ROOMS"); rooms != "" {
		cfg.TickerRooms = strings.Split(rooms, ",")
	}

	return cfg, nil
}

// parseSubscriptions parses "BTC:USD:5,ETH:USD:10" into subscriptions.
func parseSubscriptions(raw string) ([]Subscription, error) {
	parts := strings.Split(raw, ",")
	subs := make([]Subscription, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed subscription %q, want BASE:QUOTE:DEPTH", part)
		}
		depth, err := strconv.Atoi(fields[2])
		if err != nil || depth <= 0 {
			return nil, fmt.Errorf("malformed depth in subscription %q", part)
		}
		subs = append(subs, Subscription{
			Instrument: book.Instrument{Base: fields[0], Quote: fields[1]},
			Depth:      depth,
		})
	}

	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions configured")
	}
	return subs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
