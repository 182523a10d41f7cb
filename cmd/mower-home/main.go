package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mower-go-home/internal/cloud"
	"mower-go-home/internal/events"
	"mower-go-home/internal/fleet"
	"mower-go-home/internal/localctl"
	"mower-go-home/internal/logbuf"
	"mower-go-home/internal/store"
	"mower-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type AccountConfig struct {
	Backend      string `yaml:"backend"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Language     string `yaml:"language"`
	PollInterval string `yaml:"poll_interval"`
}

type Config struct {
	Accounts []AccountConfig `yaml:"accounts"`
	Local    struct {
		Enabled          bool    `yaml:"enabled"`
		Host             string  `yaml:"host"`
		Port             int     `yaml:"port"`
		Name             string  `yaml:"name"`
		GPSAccuracyLimit float64 `yaml:"gps_accuracy_limit"`
	} `yaml:"local"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level    string `yaml:"level"`
		Format   string `yaml:"format"`
		Capacity int    `yaml:"capacity"`
		Path     string `yaml:"path"`
	} `yaml:"log"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	ScriptsDir string `yaml:"scripts_dir"`
	Telegram   struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 && !c.Local.Enabled {
		return fmt.Errorf("at least one account or an enabled local controller is required")
	}
	for i, acc := range c.Accounts {
		if acc.Username == "" || acc.Password == "" {
			return fmt.Errorf("accounts[%d]: username and password are required", i)
		}
		if _, err := cloud.LookupIdentity(acc.Backend); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
	}
	if c.Local.Enabled && c.Local.Host == "" {
		return fmt.Errorf("local.host is required when local.enabled is set")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Credentials may live in a .env next to the binary instead of the
	// config file; missing .env is fine.
	_ = godotenv.Load()

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger, logRing := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("mower-go-home starting", "version", version)

	if cfg.Log.Path != "" {
		if err := logRing.Load(cfg.Log.Path); err != nil {
			logger.Warn("restore log buffer", "err", err)
		}
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.NewEventBus(logger)

	// Cloud fleets, one per account.
	var fleets []*fleet.Fleet
	var commander *fleet.Fleet
	for i, acc := range cfg.Accounts {
		f, err := fleet.New(fleet.Config{
			Backend:      acc.Backend,
			Username:     acc.Username,
			Password:     acc.Password,
			Language:     acc.Language,
			PollInterval: parseDuration(acc.PollInterval),
		}, bus, db, logger)
		if err != nil {
			logger.Error("create fleet", "account", i, "err", err)
			os.Exit(1)
		}
		fleets = append(fleets, f)
	}
	if len(fleets) > 0 {
		// The web command routes go to the first account; multi-account
		// setups address additional fleets through the event stream only.
		commander = fleets[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, f := range fleets {
		if err := f.Start(ctx); err != nil {
			logger.Error("start fleet", "account", i, "err", err)
			os.Exit(1)
		}
	}

	// Local OpenMower controller.
	var local *localctl.Controller
	if cfg.Local.Enabled {
		local = localctl.New(localctl.Config{
			Host:             cfg.Local.Host,
			Port:             cfg.Local.Port,
			Name:             cfg.Local.Name,
			GPSAccuracyLimit: cfg.Local.GPSAccuracyLimit,
		}, bus, db, logger)
		go local.Start()
	}

	// Optional Home Assistant bridge and Lua automation, compiled out
	// with the no_mqtt / no_automation build tags.
	mqttStop := initMQTT(bus, db, commander, cfg, logger)
	autoStop := initAutomation(bus, db, commander, cfg, logger)

	// Web server.
	webOpts := []web.ServerOption{web.WithLogBuffer(logRing)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if commander != nil {
		webOpts = append(webOpts, web.WithCommander(commander))
	}

	webServer := web.NewServer(db, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	autoStop.Stop()
	mqttStop.Stop()
	if local != nil {
		local.Stop()
	}
	for _, f := range fleets {
		f.Stop()
	}
	if cfg.Log.Path != "" {
		if err := logRing.Save(cfg.Log.Path); err != nil {
			logger.Error("save log buffer", "err", err)
		}
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Environment wins over the config file for account credentials, so
	// the YAML can stay secret-free.
	if u := os.Getenv("MOWER_USERNAME"); u != "" && len(cfg.Accounts) > 0 {
		cfg.Accounts[0].Username = u
	}
	if p := os.Getenv("MOWER_PASSWORD"); p != "" && len(cfg.Accounts) > 0 {
		cfg.Accounts[0].Password = p
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "mower-home.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Local.GPSAccuracyLimit == 0 {
		cfg.Local.GPSAccuracyLimit = 20
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "mower-home"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// newLogger builds the configured logger and wraps it in the ring buffer
// the web API serves on /api/logs.
func newLogger(cfg *Config) (*slog.Logger, *logbuf.Buffer) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	capacity := cfg.Log.Capacity
	if capacity <= 0 {
		capacity = logbuf.DefaultCapacity
	}
	ring := logbuf.New(handler, capacity)
	return slog.New(ring), ring
}
