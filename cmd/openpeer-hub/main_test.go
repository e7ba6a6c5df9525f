package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "hub:\n  latitude: 52.37\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.Name != "Home" {
		t.Errorf("hub.name = %q, want Home", cfg.Hub.Name)
	}
	if cfg.Hub.Latitude != 52.37 {
		t.Errorf("hub.latitude = %v, want 52.37", cfg.Hub.Latitude)
	}
	if cfg.Web.Listen != "127.0.0.1:8123" {
		t.Errorf("web.listen = %q", cfg.Web.Listen)
	}
	if cfg.AutomationsFile != "automations.yaml" {
		t.Errorf("automations_file = %q", cfg.AutomationsFile)
	}
	if cfg.MQTT.TopicPrefix != "openpeer" {
		t.Errorf("mqtt.topic_prefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigKeepsDir(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "automations_dir: automations\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AutomationsFile != "" {
		t.Errorf("automations_file = %q, want empty when a dir is set", cfg.AutomationsFile)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := loadConfig(writeConfig(t, "hub: [")); err == nil {
		t.Error("bad yaml: expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{"minimal", "", false},
		{"time zone", "hub:\n  time_zone: Europe/Amsterdam\n", false},
		{"bad time zone", "hub:\n  time_zone: Mars/Olympus\n", true},
		{"latitude", "hub:\n  latitude: 91\n", true},
		{"longitude", "hub:\n  longitude: -181\n", true},
		{"log format", "log:\n  format: xml\n", true},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", true},
		{"mqtt", "mqtt:\n  enabled: true\n  broker: tcp://localhost:1883\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.config))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	if !newLogger(cfg).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}
