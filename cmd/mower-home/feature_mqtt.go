//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "mower-go-home/internal/mqtt"

	"mower-go-home/internal/events"
	"mower-go-home/internal/fleet"
	"mower-go-home/internal/store"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(bus *events.EventBus, st store.Store, commander *fleet.Fleet, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}

	var cmdr mqttbridge.Commander
	if commander != nil {
		cmdr = commander
	}

	bridge, err := mqttbridge.NewBridge(bus, st, cmdr, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
