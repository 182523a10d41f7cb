package localctl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mower-go-home/internal/events"
	"mower-go-home/internal/mower"
)

// gpsUnavailable is the accuracy sentinel the controller reports while the
// GPS fix is lost.
const gpsUnavailable = 999

// sensorFields maps the controller's sensor ids onto telemetry fields.
var sensorFields = map[string]mower.Field{
	"om_v_battery":      mower.FieldBatteryVoltage,
	"om_charge_current": mower.FieldChargeCurrent,
	"om_v_charge":       mower.FieldChargeVoltage,
	"om_mow_esc_temp":   mower.FieldTempESC,
	"om_left_esc_temp":  mower.FieldTempESCLeft,
	"om_right_esc_temp": mower.FieldTempESCRight,
	"om_mow_motor_temp": mower.FieldTempMotor,
}

// Action is one entry of the controller's advertised action set.
type Action struct {
	ActionID   string `json:"action_id"`
	ActionName string `json:"action_name"`
	Enabled    int    `json:"enabled"`
}

type robotState struct {
	CurrentState      string  `json:"current_state"`
	BatteryPercentage float64 `json:"battery_percentage"`
	GPSPercentage     float64 `json:"gps_percentage"`
	Emergency         bool    `json:"emergency"`
	IsCharging        bool    `json:"is_charging"`
	Pose              struct {
		X           float64 `json:"x"`
		Y           float64 `json:"y"`
		PosAccuracy float64 `json:"pos_accuracy"`
	} `json:"pose"`
}

type mapMessage struct {
	WorkingAreas []struct {
		Outline []Point `json:"outline"`
	} `json:"working_areas"`
}

// HandleMessage routes one inbound controller message. Exposed so the
// processing pipeline is testable without a broker.
func (c *Controller) HandleMessage(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, "sensors/") && strings.HasSuffix(topic, "/data"):
		c.processSensor(topic, payload)
	case topic == "robot_state/json":
		c.processState(payload)
	case topic == "actions/json":
		c.processActions(payload)
	case topic == "map/json":
		c.processMap(payload)
	case topic == actionTopic:
		c.processAction(string(payload))
	}
}

func (c *Controller) processSensor(topic string, payload []byte) {
	id := strings.TrimSuffix(strings.TrimPrefix(topic, "sensors/"), "/data")
	field, ok := sensorFields[id]
	if !ok {
		return
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		c.logger.Warn("unreadable sensor payload", "topic", topic, "err", err)
		return
	}
	c.setValue(field, round2(raw), true)
}

func (c *Controller) processState(payload []byte) {
	var msg robotState
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("unreadable robot state", "err", err)
		return
	}

	if _, known := mower.LocalStatusNames[msg.CurrentState]; known {
		c.setStatus(msg.CurrentState)
	}

	errCode := c.deriveError(&msg)
	c.setError(errCode)
	alarm := 0.0
	if errCode != mower.ErrorNone {
		alarm = 1.0
	}
	c.setValue(mower.FieldAlarm, alarm, false)

	c.setValue(mower.FieldBatteryPercent, round2(msg.BatteryPercentage*100), true)

	if msg.Pose.PosAccuracy == gpsUnavailable {
		c.setValue(mower.FieldGPSAccuracy, 0, false)
		c.setValue(mower.FieldGPSSignal, 0, false)
		return
	}
	accuracy := math.Round(msg.Pose.PosAccuracy*1000) / 10
	c.setValue(mower.FieldGPSAccuracy, accuracy, true)
	c.setValue(mower.FieldGPSSignal, math.Round(msg.GPSPercentage*100), true)
}

// deriveError reduces the state report to a single error code, worst first.
func (c *Controller) deriveError(msg *robotState) string {
	if msg.Emergency {
		return mower.LocalErrorEmergency
	}
	if msg.BatteryPercentage < 0.05 {
		return mower.LocalErrorBatteryLow
	}
	if msg.CurrentState == mower.LocalStatusIdle && !msg.IsCharging {
		return mower.LocalErrorCharge
	}
	if msg.CurrentState == mower.LocalStatusMowing && c.gpsLimit < msg.Pose.PosAccuracy {
		return mower.LocalErrorGPS
	}
	if msg.Pose.PosAccuracy != gpsUnavailable {
		c.mu.Lock()
		area := c.area
		c.mu.Unlock()
		if area.Valid() && !area.Contains(Point{X: msg.Pose.X, Y: msg.Pose.Y}) {
			return mower.LocalErrorOutsideMap
		}
	}
	return mower.ErrorNone
}

func (c *Controller) processActions(payload []byte) {
	var actions []Action
	if err := json.Unmarshal(payload, &actions); err != nil {
		c.logger.Warn("unreadable action set", "err", err)
		return
	}
	c.mu.Lock()
	c.actions = actions
	c.mu.Unlock()
	c.logger.Debug("action set updated", "count", len(actions))
}

// processAction reacts to actions observed on the wire, whoever issued
// them: some map onto synthetic statuses the state stream never reports.
func (c *Controller) processAction(actionID string) {
	switch actionID {
	case "mower_logic:mowing/pause":
		c.setStatus(mower.LocalStatusPause)
	case "mower_logic:mowing/skip_area":
		c.setStatus(mower.LocalStatusSkip)
	case "mower_logic:idle/start_area_recording":
		c.setStatus(mower.LocalStatusRecording)
	}
}

func (c *Controller) processMap(payload []byte) {
	var msg mapMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("unreadable map", "err", err)
		return
	}
	outlines := make([][]Point, 0, len(msg.WorkingAreas))
	for _, a := range msg.WorkingAreas {
		outlines = append(outlines, a.Outline)
	}
	area := buildArea(outlines)

	c.mu.Lock()
	c.area = area
	c.mu.Unlock()

	c.setValue(mower.FieldLawnSize, area.Area(), false)
	c.logger.Info("working area updated", "vertices", len(area), "size", area.Area())
}

// setValue diffs a field against the last emission; on change it emits a
// value event, optionally evaluates thresholds, and persists.
func (c *Controller) setValue(field mower.Field, value float64, triggers bool) {
	c.mu.Lock()
	prev, had := c.values[field]
	if had && prev == value {
		c.mu.Unlock()
		return
	}
	c.values[field] = value
	c.mu.Unlock()

	c.bus.Emit(events.Event{
		Type:   events.EventValueChanged,
		Serial: c.serial,
		Data:   map[string]any{"field": string(field), "value": value},
	})
	if triggers {
		c.triggers.Evaluate(c.serial, field, value)
	}
	c.persist()
}

func (c *Controller) setStatus(code string) {
	c.mu.Lock()
	if c.status == code {
		c.mu.Unlock()
		return
	}
	c.status = code
	c.mu.Unlock()

	c.logger.Info("status changed", "status", code, "name", mower.LocalStatusNames[code])
	c.bus.Emit(events.Event{Type: events.EventStatusChanged, Serial: c.serial, Data: code})
	c.persist()
}

func (c *Controller) setError(code string) {
	c.mu.Lock()
	if c.errCode == code {
		c.mu.Unlock()
		return
	}
	c.errCode = code
	c.mu.Unlock()

	c.logger.Info("error changed", "error", code, "name", mower.LocalErrorNames[code])
	c.bus.Emit(events.Event{Type: events.EventErrorChanged, Serial: c.serial, Data: code})
	c.persist()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// enabledAction finds the single enabled action matching one of the ids.
func (c *Controller) enabledAction(ids ...string) (Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []Action
	for _, a := range c.actions {
		if a.Enabled != 1 {
			continue
		}
		for _, id := range ids {
			if a.ActionID == id {
				matches = append(matches, a)
			}
		}
	}
	if len(matches) != 1 {
		return Action{}, fmt.Errorf("%w: action not enabled", ErrCommandRejected)
	}
	return matches[0], nil
}
