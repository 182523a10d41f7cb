package fleet

import (
	"errors"
	"fmt"

	"mower-go-home/internal/mower"
)

// ErrCommandRejected marks commands refused before anything is published:
// invalid arguments or a mower that cannot take the command.
var ErrCommandRejected = errors.New("command rejected")

// SendPing publishes an empty envelope (cmd=0). The mower answers with its
// full state, and the tm/dt fields keep its clock in sync.
func (f *Fleet) SendPing(serial string) error {
	return f.send(serial, nil, "Poll", "heartbeat")
}

// SendCommand publishes a plain numeric mower command.
func (f *Fleet) SendCommand(serial string, code int) error {
	name := mower.CommandNames[code]
	if name == "" {
		return fmt.Errorf("%w: unknown command code %d", ErrCommandRejected, code)
	}
	return f.send(serial, map[string]any{"cmd": code}, name, "app")
}

// SendEdgeCut starts a border cut. Vision mowers take a one-time schedule
// override; classic mowers take the ots block.
func (f *Fleet) SendEdgeCut(serial string) error {
	d, err := f.Device(serial)
	if err != nil {
		return err
	}
	var merge map[string]any
	if d.Vision {
		merge = map[string]any{
			"sc": map[string]any{
				"time": 0,
				"once": map[string]any{
					"cfg": map[string]any{
						"cut": map[string]any{"b": 1, "z": []int{}},
					},
				},
			},
		}
	} else {
		merge = map[string]any{
			"sc": map[string]any{
				"ots": map[string]any{"bc": 1, "wtm": 0},
			},
		}
	}
	return f.send(serial, merge, "EdgeCut", "app")
}

// SendPartyMode toggles party mode: schedule suspended while guests are on
// the lawn. Vision firmware models it as schedule enable/disable, classic
// firmware as schedule mode 2.
func (f *Fleet) SendPartyMode(serial string, on bool) error {
	d, err := f.Device(serial)
	if err != nil {
		return err
	}
	var merge map[string]any
	if d.Vision {
		enabled := 1
		if on {
			enabled = 0
		}
		merge = map[string]any{"sc": map[string]any{"enabled": enabled}}
	} else {
		mode := 1
		if on {
			mode = 2
		}
		merge = map[string]any{"sc": map[string]any{"m": mode, "distm": 0}}
	}
	action := "PartyModeOff"
	if on {
		action = "PartyModeOn"
	}
	return f.send(serial, merge, action, "app")
}

// SendZonePercentages reprograms the zone rotation. The percentages must
// cover every configured zone and sum to exactly 100; the mower itself only
// understands a 10-slot sequence at 10% granularity.
func (f *Fleet) SendZonePercentages(serial string, percents []int) error {
	d, err := f.Device(serial)
	if err != nil {
		return err
	}
	if count := d.state.ZoneCount(); count > 0 && len(percents) != count {
		return fmt.Errorf("%w: %d percentages for %d zones", ErrCommandRejected, len(percents), count)
	}
	seq, err := zoneSequence(percents)
	if err != nil {
		return err
	}
	return f.send(serial, map[string]any{"mzv": seq}, "ZoneDistribution", "app")
}

// SendZone sends the mower to a single zone by putting it in every slot.
func (f *Fleet) SendZone(serial string, zone int) error {
	d, err := f.Device(serial)
	if err != nil {
		return err
	}
	if count := d.state.ZoneCount(); count > 0 && (zone < 0 || zone >= count) {
		return fmt.Errorf("%w: zone %d of %d", ErrCommandRejected, zone, count)
	}
	seq := make([]int, 10)
	for i := range seq {
		seq[i] = zone
	}
	return f.send(serial, map[string]any{"mzv": seq}, "Zone", "app")
}

// zoneSequence converts a percentage-per-zone array into the 10-slot
// rotation: slot s belongs to the first zone whose cumulative share exceeds
// s*10 percent.
func zoneSequence(percents []int) ([]int, error) {
	sum := 0
	for _, p := range percents {
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("%w: percentage %d out of range", ErrCommandRejected, p)
		}
		sum += p
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: percentages sum to %d, need 100", ErrCommandRejected, sum)
	}

	seq := make([]int, 10)
	for slot := 0; slot < 10; slot++ {
		threshold := slot * 10
		cumulative := 0
		for zone, p := range percents {
			cumulative += p
			if cumulative > threshold {
				seq[slot] = zone
				break
			}
		}
	}
	return seq, nil
}

// send wraps a merge payload in the command envelope, tracks it for ack
// correlation and publishes it on the device's command topic.
func (f *Fleet) send(serial string, merge map[string]any, action, origin string) error {
	d, err := f.Device(serial)
	if err != nil {
		return err
	}
	if available, reason := d.Available(); !available {
		return fmt.Errorf("%w: %s", ErrCommandRejected, reason)
	}
	if d.CommandIn == "" {
		return fmt.Errorf("%w: no command topic for %s", ErrCommandRejected, serial)
	}

	env := f.correlator.Envelope(serial, f.language, merge)
	payload, id, err := f.correlator.Track(env, action, origin)
	if err != nil {
		return err
	}
	if err := f.supervisor.Publish(d.CommandIn, 1, payload); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}
	f.logger.Debug("command sent", "serial", serial, "action", action, "id", id)
	return nil
}
