//go:build no_mqtt

package main

import (
	"log/slog"

	"mower-go-home/internal/events"
	"mower-go-home/internal/fleet"
	"mower-go-home/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *events.EventBus, _ store.Store, _ *fleet.Fleet, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
