//go:build no_mqtt

package main

import (
	"log/slog"

	"openpeer-hub/internal/core"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *core.Hub, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but binary built without mqtt support")
	}
	return &mqttStopper{}
}
