//go:build no_automation

package main

import (
	"log/slog"

	"mower-go-home/internal/events"
	"mower-go-home/internal/fleet"
	"mower-go-home/internal/store"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *events.EventBus, _ store.Store, _ *fleet.Fleet, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
