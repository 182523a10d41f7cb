package store

import "time"

// Device is a mower as the bridge last saw it: identity from the fleet API
// or the local controller, plus the projected state snapshot.
type Device struct {
	Serial       string             `json:"serial"`
	UUID         string             `json:"uuid,omitempty"`
	Name         string             `json:"name,omitempty"`
	ProductID    int                `json:"product_id,omitempty"`
	MACAddress   string             `json:"mac_address,omitempty"`
	Source       string             `json:"source"` // "cloud" or "local"
	Backend      string             `json:"backend,omitempty"`
	Vision       bool               `json:"vision,omitempty"`
	Firmware     string             `json:"firmware,omitempty"`
	Online       bool               `json:"online"`
	Status       string             `json:"status,omitempty"`
	Error        string             `json:"error,omitempty"`
	ZoneCount    int                `json:"zone_count,omitempty"`
	Zones        []int              `json:"zones,omitempty"`
	Values       map[string]float64 `json:"values,omitempty"`
	FirstSeen    time.Time          `json:"first_seen"`
	LastSeen     time.Time          `json:"last_seen"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// Threshold is a persisted trigger registration. The armed flag itself is
// not persisted; a restart starts every trigger armed.
type Threshold struct {
	Serial     string  `json:"serial"`
	TriggerID  string  `json:"trigger_id"`
	Field      string  `json:"field"`
	Comparison string  `json:"comparison"` // "gt" or "lt"
	Value      float64 `json:"value"`
}

// thresholdKey builds the composite bucket key for a registration.
func thresholdKey(serial, triggerID string) []byte {
	return []byte(serial + "/" + triggerID)
}
