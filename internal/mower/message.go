package mower

import (
	"encoding/json"
	"fmt"
)

// StatusMessage is the decoded form of an inbound broker payload. The wire
// format is a nested JSON document with two logical sections: cfg carries
// configuration fields, dat carries telemetry. Every leaf is optional; absent
// fields decode to nil so the projector can distinguish "not reported" from
// a zero value.
type StatusMessage struct {
	Cfg *ConfigSection    `json:"cfg,omitempty"`
	Dat *TelemetrySection `json:"dat,omitempty"`
}

// ConfigSection holds the cfg part of a status message.
type ConfigSection struct {
	ID       *int            `json:"id,omitempty"`
	Language *string         `json:"lg,omitempty"`
	Schedule *Schedule       `json:"sc,omitempty"`
	Zones    json.RawMessage `json:"mz,omitempty"`  // zone start points; object form on vision models
	ZoneSeq  []int           `json:"mzv,omitempty"` // zone index per 10% slot
}

// ZoneStarts decodes the mz field when it is the classic array form.
// Vision models send an object here instead; those decode to ok=false.
func (c *ConfigSection) ZoneStarts() ([]int, bool) {
	if len(c.Zones) == 0 {
		return nil, false
	}
	var starts []int
	if err := json.Unmarshal(c.Zones, &starts); err != nil {
		return nil, false
	}
	return starts, true
}

// Schedule holds the sc part of the cfg section.
type Schedule struct {
	TimeExtension *int      `json:"p,omitempty"`
	Mode          *int      `json:"m,omitempty"`       // 2 = party mode
	Enabled       *int      `json:"enabled,omitempty"` // vision models: 0 = party mode
	OneTime       *OneTime  `json:"ots,omitempty"`
	DistM         *int      `json:"distm,omitempty"`
}

// OneTime holds the one-shot schedule (ots) fields.
type OneTime struct {
	BorderCut *int `json:"bc,omitempty"`
	WorkTime  *int `json:"wtm,omitempty"`
}

// TelemetrySection holds the dat part of a status message.
type TelemetrySection struct {
	Status      *int      `json:"ls,omitempty"`
	Error       *int      `json:"le,omitempty"`
	Battery     *Battery  `json:"bt,omitempty"`
	Stats       *Stats    `json:"st,omitempty"`
	Orientation []float64 `json:"dmp,omitempty"` // [gradient, inclination, heading]
	Rain        *Rain     `json:"rain,omitempty"`
	Locked      *int      `json:"lk,omitempty"`
	WifiRSSI    *int      `json:"rsi,omitempty"`
	Firmware    *float64  `json:"fw,omitempty"`
}

// Battery holds the bt telemetry fields.
type Battery struct {
	Temperature *float64 `json:"t,omitempty"`
	Voltage     *float64 `json:"v,omitempty"`
	Percent     *int     `json:"p,omitempty"`
	Charging    *int     `json:"c,omitempty"`
}

// Stats holds the st lifetime counters, all in base units (seconds, meters).
type Stats struct {
	BladeTime *int `json:"b,omitempty"`
	WorkTime  *int `json:"wt,omitempty"`
	Distance  *int `json:"d,omitempty"`
}

// Rain holds the rain delay counter (minutes remaining).
type Rain struct {
	Counter *int `json:"cnt,omitempty"`
}

// DecodeStatusMessage parses a raw broker payload. Payloads that are not
// valid JSON objects are a ParseError condition: the caller logs and drops
// them, they are never fatal.
func DecodeStatusMessage(payload []byte) (*StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode status message: %w", err)
	}
	return &msg, nil
}
