// Package fleet orchestrates one cloud account: login, device enumeration,
// the broker connection, state projection and outbound commands.
package fleet

import (
	"sync"
	"time"

	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
)

// Device is one mower under fleet management.
type Device struct {
	Serial       string
	UUID         string
	Name         string
	ProductID    int
	MACAddress   string
	Vision       bool
	Capabilities []string
	CommandIn    string
	CommandOut   string
	Endpoint     string

	mu          sync.Mutex
	online      bool
	available   bool
	reason      string
	firstSeen   time.Time
	lastSeen    time.Time
	state       *mower.DeviceState
}

func newDevice(serial string, vision bool) *Device {
	state := mower.NewDeviceState(serial)
	state.Vision = vision
	return &Device{
		Serial:    serial,
		Vision:    vision,
		available: true,
		firstSeen: time.Now(),
		state:     state,
	}
}

// State returns the projected state. The projector mutates it under the
// fleet's message path; callers outside that path read snapshots instead.
func (d *Device) State() *mower.DeviceState {
	return d.state
}

// Online reports whether the mower itself is reachable from the cloud.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

func (d *Device) setOnline(online bool) {
	d.mu.Lock()
	d.online = online
	if online {
		d.lastSeen = time.Now()
	}
	d.mu.Unlock()
}

// Available reports whether the bridge can currently serve this mower.
func (d *Device) Available() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available, d.reason
}

func (d *Device) setAvailable(available bool, reason string) {
	d.mu.Lock()
	d.available = available
	d.reason = reason
	d.mu.Unlock()
}

// HasCapability reports whether the cloud listed the named capability.
func (d *Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// snapshot converts the runtime device into its persisted form.
func (d *Device) snapshot(backend string) *store.Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	values := make(map[string]float64)
	for f, v := range d.state.Values() {
		values[string(f)] = v
	}
	sd := &store.Device{
		Serial:       d.Serial,
		UUID:         d.UUID,
		Name:         d.Name,
		ProductID:    d.ProductID,
		MACAddress:   d.MACAddress,
		Source:       "cloud",
		Backend:      backend,
		Vision:       d.Vision,
		Online:       d.online,
		Status:       d.state.Status(),
		Error:        d.state.Error(),
		ZoneCount:    d.state.ZoneCount(),
		Zones:        d.state.ZoneDistribution(),
		Values:       values,
		FirstSeen:    d.firstSeen,
		LastSeen:     d.lastSeen,
		Capabilities: d.Capabilities,
	}
	if fw := d.state.Firmware(); fw != "" {
		sd.Firmware = fw
	}
	return sd
}
