package localctl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"mower-go-home/internal/events"
	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
	"mower-go-home/internal/trigger"
)

type testController struct {
	ctl  *Controller
	bus  *events.EventBus
	pubs map[string][]string
	mu   sync.Mutex
}

func newTestController(t *testing.T) *testController {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewEventBus(logger)
	ctl := New(Config{Host: "192.168.1.50", GPSAccuracyLimit: 20}, bus, st, logger)

	tc := &testController{ctl: ctl, bus: bus, pubs: make(map[string][]string)}
	ctl.publish = func(topic string, _ byte, payload []byte) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.pubs[topic] = append(tc.pubs[topic], string(payload))
		return nil
	}
	return tc
}

func (tc *testController) published(topic string) []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.pubs[topic]
}

// stateJSON builds a robot_state payload with sane defaults.
func stateJSON(state string, battery float64, charging, emergency bool, x, y, accuracy float64) []byte {
	return []byte(fmt.Sprintf(
		`{"current_state":%q,"battery_percentage":%g,"gps_percentage":0.9,"emergency":%t,"is_charging":%t,"pose":{"x":%g,"y":%g,"pos_accuracy":%g}}`,
		state, battery, emergency, charging, x, y, accuracy))
}

func TestSensorRoundingAndDiff(t *testing.T) {
	tc := newTestController(t)
	count := 0
	tc.bus.On(events.EventValueChanged, func(events.Event) { count++ })

	tc.ctl.HandleMessage("sensors/om_v_battery/data", []byte("25.6789"))
	if v, _ := tc.ctl.Value(mower.FieldBatteryVoltage); v != 25.68 {
		t.Errorf("voltage = %v, want 25.68", v)
	}
	// Same rounded value again must not emit.
	tc.ctl.HandleMessage("sensors/om_v_battery/data", []byte("25.6801"))
	if count != 1 {
		t.Errorf("events = %d, want 1", count)
	}

	tc.ctl.HandleMessage("sensors/om_charge_current/data", []byte("1.5"))
	tc.ctl.HandleMessage("sensors/om_mow_motor_temp/data", []byte("41.23"))
	if v, _ := tc.ctl.Value(mower.FieldTempMotor); v != 41.23 {
		t.Errorf("motor temp = %v", v)
	}
	// Unknown sensors are ignored.
	tc.ctl.HandleMessage("sensors/om_unknown/data", []byte("1"))
	if count != 3 {
		t.Errorf("events = %d, want 3", count)
	}
}

func TestSensorThresholdTrigger(t *testing.T) {
	tc := newTestController(t)
	var fires int
	tc.bus.On(events.EventThresholdFired, func(events.Event) { fires++ })

	if err := tc.ctl.RegisterThreshold("voltage_gt", mower.FieldBatteryVoltage, trigger.GreaterThan, 20.0); err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"20.0", "20.5", "19.8", "20.6"} {
		tc.ctl.HandleMessage("sensors/om_v_battery/data", []byte(v))
	}
	if fires != 2 {
		t.Fatalf("fires = %d, want 2", fires)
	}
}

func TestStateStatusAndBattery(t *testing.T) {
	tc := newTestController(t)
	var statuses []string
	tc.bus.On(events.EventStatusChanged, func(e events.Event) {
		statuses = append(statuses, e.Data.(string))
	})

	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.87, false, false, 1, 1, 0.01))
	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.86, false, false, 1, 1, 0.01))
	tc.ctl.HandleMessage("robot_state/json", stateJSON("DOCKING", 0.86, false, false, 1, 1, 0.01))

	if len(statuses) != 2 || statuses[0] != "MOWING" || statuses[1] != "DOCKING" {
		t.Fatalf("statuses = %v", statuses)
	}
	if v, _ := tc.ctl.Value(mower.FieldBatteryPercent); v != 86 {
		t.Errorf("battery = %v, want 86", v)
	}
}

func TestDerivedErrorPriority(t *testing.T) {
	tc := newTestController(t)

	// Emergency wins over everything.
	tc.ctl.HandleMessage("robot_state/json", stateJSON("IDLE", 0.02, false, true, 1, 1, 0.01))
	if tc.ctl.Error() != mower.LocalErrorEmergency {
		t.Errorf("error = %q, want emergency", tc.ctl.Error())
	}

	// Battery low beats charge error.
	tc.ctl.HandleMessage("robot_state/json", stateJSON("IDLE", 0.02, false, false, 1, 1, 0.01))
	if tc.ctl.Error() != mower.LocalErrorBatteryLow {
		t.Errorf("error = %q, want battery low", tc.ctl.Error())
	}

	// Idle without charging is a charge error.
	tc.ctl.HandleMessage("robot_state/json", stateJSON("IDLE", 0.80, false, false, 1, 1, 0.01))
	if tc.ctl.Error() != mower.LocalErrorCharge {
		t.Errorf("error = %q, want charge error", tc.ctl.Error())
	}

	// Mowing with bad accuracy is a GPS error (limit 20% -> 0.2).
	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.80, false, false, 1, 1, 0.5))
	if tc.ctl.Error() != mower.LocalErrorGPS {
		t.Errorf("error = %q, want gps", tc.ctl.Error())
	}

	// Healthy mowing clears the error.
	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.80, false, false, 1, 1, 0.01))
	if tc.ctl.Error() != mower.ErrorNone {
		t.Errorf("error = %q, want none", tc.ctl.Error())
	}
	if v, _ := tc.ctl.Value(mower.FieldAlarm); v != 0 {
		t.Errorf("alarm = %v, want 0", v)
	}
}

func TestOutsideMapError(t *testing.T) {
	tc := newTestController(t)

	// A 10x10 square plus the two duplicated trailing vertices the
	// controller appends to every outline.
	tc.ctl.HandleMessage("map/json", []byte(`{"working_areas":[{"outline":[
		{"x":0,"y":0},{"x":10,"y":0},{"x":10,"y":10},{"x":0,"y":10},
		{"x":0,"y":10},{"x":0,"y":0}
	]}]}`))
	if v, _ := tc.ctl.Value(mower.FieldLawnSize); v != 100 {
		t.Fatalf("lawn size = %v, want 100", v)
	}

	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.80, false, false, 5, 5, 0.01))
	if tc.ctl.Error() != mower.ErrorNone {
		t.Errorf("inside map: error = %q", tc.ctl.Error())
	}
	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.80, false, false, 50, 50, 0.01))
	if tc.ctl.Error() != mower.LocalErrorOutsideMap {
		t.Errorf("outside map: error = %q", tc.ctl.Error())
	}
}

func TestGPSAccuracySentinel(t *testing.T) {
	tc := newTestController(t)

	tc.ctl.HandleMessage("robot_state/json", stateJSON("MOWING", 0.80, false, false, 1, 1, 0.0123))
	if v, _ := tc.ctl.Value(mower.FieldGPSAccuracy); v != 1.2 {
		t.Errorf("accuracy = %v, want 1.2", v)
	}
	if v, _ := tc.ctl.Value(mower.FieldGPSSignal); v != 90 {
		t.Errorf("signal = %v, want 90", v)
	}

	// Lost fix zeroes both without firing accuracy triggers.
	var fires int
	tc.bus.On(events.EventThresholdFired, func(events.Event) { fires++ })
	if err := tc.ctl.RegisterThreshold("acc_gt", mower.FieldGPSAccuracy, trigger.GreaterThan, 0.5); err != nil {
		t.Fatal(err)
	}
	tc.ctl.HandleMessage("robot_state/json", stateJSON("DOCKING", 0.80, false, false, 1, 1, 999))
	if v, _ := tc.ctl.Value(mower.FieldGPSAccuracy); v != 0 {
		t.Errorf("accuracy = %v, want 0 on sentinel", v)
	}
	if fires != 0 {
		t.Errorf("fires = %d, sentinel must not trigger", fires)
	}
}

func TestActionObservedSyntheticStatus(t *testing.T) {
	tc := newTestController(t)
	var statuses []string
	tc.bus.On(events.EventStatusChanged, func(e events.Event) {
		statuses = append(statuses, e.Data.(string))
	})

	tc.ctl.HandleMessage("/action", []byte("mower_logic:mowing/pause"))
	tc.ctl.HandleMessage("/action", []byte("mower_logic:mowing/skip_area"))
	tc.ctl.HandleMessage("/action", []byte("mower_logic:idle/start_area_recording"))
	// Unknown actions are ignored.
	tc.ctl.HandleMessage("/action", []byte("mower_logic:idle/start_mowing"))

	want := []string{mower.LocalStatusPause, mower.LocalStatusSkip, mower.LocalStatusRecording}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestCommandGatedByActionSet(t *testing.T) {
	tc := newTestController(t)

	// No action set yet: everything is rejected.
	if err := tc.ctl.SendCommand(CommandStart); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want rejection without action set", err)
	}

	tc.ctl.HandleMessage("actions/json", []byte(`[
		{"action_id":"mower_logic:idle/start_mowing","action_name":"Start mowing","enabled":1},
		{"action_id":"mower_logic:mowing/pause","action_name":"Pause","enabled":0}
	]`))

	if err := tc.ctl.SendCommand(CommandStart); err != nil {
		t.Fatal(err)
	}
	got := tc.published(actionTopic)
	if len(got) != 1 || got[0] != "mower_logic:idle/start_mowing" {
		t.Fatalf("published = %v", got)
	}

	// Pause is advertised but disabled.
	if err := tc.ctl.SendCommand(CommandPause); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("disabled action: err = %v", err)
	}
	if err := tc.ctl.SendCommand("FLY"); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("unknown command: err = %v", err)
	}
}

func TestBuildAreaTruncation(t *testing.T) {
	// Closing adds one vertex; the loop then stops 3 short, dropping the
	// duplicate and the last two original vertices.
	outline := []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 10}, {0, 0}}
	poly := buildArea([][]Point{outline})
	if len(poly) != 4 {
		t.Fatalf("vertices = %d, want 4", len(poly))
	}
	if poly.Area() != 100 {
		t.Errorf("area = %v, want 100", poly.Area())
	}
	if !poly.Contains(Point{5, 5}) || poly.Contains(Point{15, 5}) {
		t.Error("containment wrong")
	}
}

func TestPolygonInvalid(t *testing.T) {
	var p Polygon
	if p.Valid() || p.Area() != 0 || p.Contains(Point{0, 0}) {
		t.Error("empty polygon must be inert")
	}
}
