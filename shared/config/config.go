package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/linluma/feedwatch/shared/exchanges"
	"github.com/linluma/feedwatch/shared/models"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the production deployment next to the dashboard API
const (
	DefaultMaxLatency        = 1500 * time.Millisecond
	DefaultMaxSilence        = 3000 * time.Millisecond
	DefaultHeartbeatInterval = 1000 * time.Millisecond
	DefaultRestartCommand    = "pm2 restart dashboard-api"
	DefaultPair              = "BTC-USDT"
)

// DefaultFeeds returns the feeds watched when no config file lists any
func DefaultFeeds() []models.Feed {
	return []models.Feed{
		exchanges.MustPreset(exchanges.Binance, DefaultPair),
		exchanges.MustPreset(exchanges.OKX, DefaultPair),
	}
}

// WatchdogConfig holds configuration for the watchdog service
type WatchdogConfig struct {
	Feeds             []models.Feed `validate:"required,min=1,unique=ID,dive"`
	MaxLatency        time.Duration `validate:"gt=0"`
	MaxSilence        time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0"`
	RestartCommand    string        `validate:"required"`
	MetricsAddr       string
	GRPCAddr          string
	Log               LogConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string `validate:"oneof=json pretty"`
}

// ClientConfig holds configuration for the status client
type ClientConfig struct {
	ServerAddress string
	Feeds         []string
	Watch         time.Duration
}

// FeedIDs returns the configured feed ids in declaration order
func (c *WatchdogConfig) FeedIDs() []models.FeedID {
	ids := make([]models.FeedID, len(c.Feeds))
	for i, feed := range c.Feeds {
		ids[i] = feed.ID
	}
	return ids
}

// fileConfig is the on-disk YAML layout. Thresholds are in milliseconds.
type fileConfig struct {
	Feeds               []feedEntry `yaml:"feeds"`
	MaxLatencyMs        int         `yaml:"max_latency_ms"`
	MaxSilenceMs        int         `yaml:"max_silence_ms"`
	HeartbeatIntervalMs int         `yaml:"heartbeat_interval_ms"`
	RestartCommand      string      `yaml:"restart_command"`
	MetricsAddr         string      `yaml:"metrics_addr"`
	GRPCAddr            string      `yaml:"grpc_addr"`
}

// feedEntry is a feed as written in the config file. With exchange set,
// the exchange preset fills in whatever id, url and subscribe leave empty.
type feedEntry struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Subscribe string `yaml:"subscribe"`
	Exchange  string `yaml:"exchange"`
	Pair      string `yaml:"pair"`
}

func (e feedEntry) resolve() (models.Feed, error) {
	var feed models.Feed
	if e.Exchange != "" {
		pair := e.Pair
		if pair == "" {
			pair = DefaultPair
		}
		preset, err := exchanges.Preset(exchanges.Name(strings.ToLower(e.Exchange)), pair)
		if err != nil {
			return models.Feed{}, fmt.Errorf("feed %q: %w", e.ID, err)
		}
		feed = preset
	}

	if e.ID != "" {
		feed.ID = models.FeedID(e.ID)
	}
	if e.URL != "" {
		feed.URL = e.URL
	}
	if e.Subscribe != "" {
		feed.Subscribe = e.Subscribe
	}
	return feed, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDotEnv loads KEY=VALUE pairs from path into the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ParseWatchdogFlags parses command line flags for the watchdog service
func ParseWatchdogFlags() (*WatchdogConfig, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load resolves configuration from, lowest precedence first: built-in
// defaults, environment variables, the YAML file named by -config, and
// flags set explicitly on the command line.
func Load(fset *flag.FlagSet, args []string) (*WatchdogConfig, error) {
	var (
		configPath        = fset.String("config", getEnv("WATCHDOG_CONFIG", ""), "Path to YAML config file")
		maxLatency        = fset.Int("max-latency", getEnvAsInt("WATCHDOG_MAX_LATENCY_MS", int(DefaultMaxLatency/time.Millisecond)), "Max inter-message gap in milliseconds")
		maxSilence        = fset.Int("max-silence", getEnvAsInt("WATCHDOG_MAX_SILENCE_MS", int(DefaultMaxSilence/time.Millisecond)), "Max silence in milliseconds before restart")
		heartbeatInterval = fset.Int("heartbeat-interval", getEnvAsInt("WATCHDOG_HEARTBEAT_INTERVAL_MS", int(DefaultHeartbeatInterval/time.Millisecond)), "Silence check period in milliseconds")
		restartCommand    = fset.String("restart-command", getEnv("WATCHDOG_RESTART_COMMAND", DefaultRestartCommand), "Shell command that restarts the connectors")
		metricsAddr       = fset.String("metrics-addr", getEnv("WATCHDOG_METRICS_ADDR", ""), "Prometheus listen address, empty to disable")
		grpcAddr          = fset.String("grpc-addr", getEnv("WATCHDOG_GRPC_ADDR", ""), "gRPC health listen address, empty to disable")
		logLevel          = fset.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug/info/warn/error)")
		logFormat         = fset.String("log-format", getEnv("LOG_FORMAT", "json"), "Log format (json/pretty)")
	)
	if err := fset.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &WatchdogConfig{
		Feeds:             DefaultFeeds(),
		MaxLatency:        time.Duration(*maxLatency) * time.Millisecond,
		MaxSilence:        time.Duration(*maxSilence) * time.Millisecond,
		HeartbeatInterval: time.Duration(*heartbeatInterval) * time.Millisecond,
		RestartCommand:    strings.TrimSpace(*restartCommand),
		MetricsAddr:       *metricsAddr,
		GRPCAddr:          *grpcAddr,
		Log: LogConfig{
			Level:  *logLevel,
			Format: *logFormat,
		},
	}

	if *configPath != "" {
		explicit := make(map[string]bool)
		fset.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})

		file, err := readFile(*configPath)
		if err != nil {
			return nil, err
		}
		if err := file.applyTo(cfg, explicit); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the watchdog cannot run with
func (c *WatchdogConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid watchdog config: %w", err)
	}
	return nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &file, nil
}

// applyTo copies non-zero file values onto cfg unless the matching flag
// was given explicitly.
func (f *fileConfig) applyTo(cfg *WatchdogConfig, explicit map[string]bool) error {
	if len(f.Feeds) > 0 {
		feedList := make([]models.Feed, 0, len(f.Feeds))
		for _, entry := range f.Feeds {
			feed, err := entry.resolve()
			if err != nil {
				return fmt.Errorf("invalid config file: %w", err)
			}
			feedList = append(feedList, feed)
		}
		cfg.Feeds = feedList
	}
	if f.MaxLatencyMs != 0 && !explicit["max-latency"] {
		cfg.MaxLatency = time.Duration(f.MaxLatencyMs) * time.Millisecond
	}
	if f.MaxSilenceMs != 0 && !explicit["max-silence"] {
		cfg.MaxSilence = time.Duration(f.MaxSilenceMs) * time.Millisecond
	}
	if f.HeartbeatIntervalMs != 0 && !explicit["heartbeat-interval"] {
		cfg.HeartbeatInterval = time.Duration(f.HeartbeatIntervalMs) * time.Millisecond
	}
	if f.RestartCommand != "" && !explicit["restart-command"] {
		cfg.RestartCommand = strings.TrimSpace(f.RestartCommand)
	}
	if f.MetricsAddr != "" && !explicit["metrics-addr"] {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.GRPCAddr != "" && !explicit["grpc-addr"] {
		cfg.GRPCAddr = f.GRPCAddr
	}
	return nil
}

// ParseClientFlags parses command line flags for the status client
func ParseClientFlags() *ClientConfig {
	var (
		server = flag.String("server", "localhost:50051", "Watchdog gRPC health address")
		feeds  = flag.String("feeds", "binance,okx", "Comma-separated feed ids to query")
		watch  = flag.Duration("watch", 0, "Stream status changes for this long (0 = single check)")
	)
	flag.Parse()

	feedList := strings.Split(*feeds, ",")
	for i, feed := range feedList {
		feedList[i] = strings.TrimSpace(feed)
	}

	return &ClientConfig{
		ServerAddress: *server,
		Feeds:         feedList,
		Watch:         *watch,
	}
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
