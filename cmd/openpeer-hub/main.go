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

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/automation"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/device"
	"openpeer-hub/internal/store"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Hub struct {
		Name      string  `yaml:"name"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		TimeZone  string  `yaml:"time_zone"`
	} `yaml:"hub"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	AutomationsFile string `yaml:"automations_file"`
	AutomationsDir  string `yaml:"automations_dir"`
	ScriptsFile     string `yaml:"scripts_file"`
	DevicesDir      string `yaml:"devices_dir"`
}

func (c *Config) validate() error {
	if c.Hub.Latitude < -90 || c.Hub.Latitude > 90 {
		return fmt.Errorf("hub.latitude must be -90..90, got %v", c.Hub.Latitude)
	}
	if c.Hub.Longitude < -180 || c.Hub.Longitude > 180 {
		return fmt.Errorf("hub.longitude must be -180..180, got %v", c.Hub.Longitude)
	}
	if _, err := c.location(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// location resolves the hub's time zone.
func (c *Config) location() (*time.Location, error) {
	if c.Hub.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Hub.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("hub.time_zone: %w", err)
	}
	return loc, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

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

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("openpeer-hub starting", "version", version)

	tz, _ := cfg.location()
	h := core.New(logger, core.WithLocation(core.Location{
		Name:      cfg.Hub.Name,
		Latitude:  cfg.Hub.Latitude,
		Longitude: cfg.Hub.Longitude,
		TimeZone:  tz,
	}))
	h.Templates = template.NewRenderer(h)

	devices, err := device.LoadDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load devices", "err", err)
		os.Exit(1)
	}
	device.Register(h, devices)
	logger.Info("devices loaded", "count", len(devices.Devices()))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Automation and script states are owned by the manager.
	cache := store.NewStateCache(h, db, logger, "automation", "script")
	if _, err := cache.Restore(); err != nil {
		logger.Error("restore states", "err", err)
	}
	cache.Start()

	sources := automation.Sources{
		File:        cfg.AutomationsFile,
		ScriptsFile: cfg.ScriptsFile,
	}
	if cfg.AutomationsDir != "" {
		files, err := automation.NewFiles(cfg.AutomationsDir)
		if err != nil {
			logger.Error("automations dir", "err", err)
			os.Exit(1)
		}
		sources.Dir = files
	}
	autos := automation.NewManager(h, sources, db, logger)
	if err := autos.Load(); err != nil {
		logger.Error("load automations", "err", err)
		os.Exit(1)
	}

	webOpts := []web.ServerOption{
		web.WithAutomations(autos),
		web.WithDevices(devices),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(h, logger, webOpts...)

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

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(h, cfg, logger)

	h.Start()

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
	h.Stop()
	if err := autos.Shutdown(shutdownCtx); err != nil {
		logger.Error("automation shutdown", "err", err)
	}
	mqtt.Stop()
	cache.Stop()

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
	if cfg.Hub.Name == "" {
		cfg.Hub.Name = "Home"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8123"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "openpeer-hub.db"
	}
	if cfg.AutomationsFile == "" && cfg.AutomationsDir == "" {
		cfg.AutomationsFile = "automations.yaml"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "openpeer"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
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
	return slog.New(handler)
}
