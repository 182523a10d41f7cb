package trigger

import (
	"io"
	"log/slog"
	"testing"

	"mower-go-home/internal/mower"
)

type firing struct {
	trigger string
	value   float64
}

func newTestEngine() (*Engine, *[]firing) {
	var fired []firing
	e := NewEngine(func(_, triggerID string, _ mower.Field, value, _ float64) {
		fired = append(fired, firing{trigger: triggerID, value: value})
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, &fired
}

func TestBatteryVoltageScenario(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "voltage_gt", mower.FieldBatteryVoltage, GreaterThan, 20.0)

	// armed -> fire on 20.5 -> disarm -> re-arm on 19.8 -> fire on 20.6
	for _, v := range []float64{20.0, 20.5, 19.8, 20.6} {
		e.Evaluate("WX001", mower.FieldBatteryVoltage, v)
	}

	if len(*fired) != 2 {
		t.Fatalf("fired %d times, want 2: %+v", len(*fired), *fired)
	}
	if (*fired)[0].value != 20.5 || (*fired)[1].value != 20.6 {
		t.Errorf("fired at %v and %v, want 20.5 and 20.6", (*fired)[0].value, (*fired)[1].value)
	}
}

func TestExactlyOneFirePerCrossing(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "temp_lt", mower.FieldBatteryTemperature, LessThan, 5.0)

	// Five alternating crossings, with dwell on the fired side in between.
	seq := []float64{10, 4, 3, 8, 2, 2, 9, 1, 6, 4, 7}
	for _, v := range seq {
		e.Evaluate("WX001", mower.FieldBatteryTemperature, v)
	}

	if len(*fired) != 4 {
		t.Fatalf("fired %d times, want 4 (one per crossing): %+v", len(*fired), *fired)
	}
}

func TestBoundaryDoesNotFire(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "gt", mower.FieldGradient, GreaterThan, 15.0)

	e.Evaluate("WX001", mower.FieldGradient, 15.0) // equal is not a crossing
	if len(*fired) != 0 {
		t.Fatalf("fired on equal value: %+v", *fired)
	}
	e.Evaluate("WX001", mower.FieldGradient, 15.1)
	if len(*fired) != 1 {
		t.Fatalf("fired %d times, want 1", len(*fired))
	}
	// Equal re-arms a disarmed gt registration.
	e.Evaluate("WX001", mower.FieldGradient, 15.0)
	e.Evaluate("WX001", mower.FieldGradient, 15.2)
	if len(*fired) != 2 {
		t.Fatalf("fired %d times, want 2", len(*fired))
	}
}

func TestRegistrationsAreScoped(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "gt", mower.FieldBatteryVoltage, GreaterThan, 20.0)

	// Different device and different field must not fire.
	e.Evaluate("WX002", mower.FieldBatteryVoltage, 25.0)
	e.Evaluate("WX001", mower.FieldBatteryTemperature, 25.0)
	if len(*fired) != 0 {
		t.Fatalf("out-of-scope evaluation fired: %+v", *fired)
	}
}

func TestDuplicateRegisterKeepsArmingState(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "gt", mower.FieldBatteryVoltage, GreaterThan, 20.0)
	e.Evaluate("WX001", mower.FieldBatteryVoltage, 21.0)
	if len(*fired) != 1 {
		t.Fatalf("fired %d times, want 1", len(*fired))
	}

	// Re-registering the same condition must not reset the disarmed state.
	e.Register("WX001", "gt", mower.FieldBatteryVoltage, GreaterThan, 20.0)
	e.Evaluate("WX001", mower.FieldBatteryVoltage, 22.0)
	if len(*fired) != 1 {
		t.Fatalf("duplicate registration re-armed the trigger: %+v", *fired)
	}
}

func TestUnregister(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "gt", mower.FieldBatteryVoltage, GreaterThan, 20.0)
	e.Unregister("WX001", "gt")
	e.Evaluate("WX001", mower.FieldBatteryVoltage, 25.0)
	if len(*fired) != 0 {
		t.Fatalf("unregistered trigger fired: %+v", *fired)
	}
	if len(e.Registrations()) != 0 {
		t.Errorf("registrations = %d, want 0", len(e.Registrations()))
	}
}

func TestMultipleThresholdsSameField(t *testing.T) {
	e, fired := newTestEngine()
	e.Register("WX001", "gt18", mower.FieldBatteryVoltage, GreaterThan, 18.0)
	e.Register("WX001", "gt20", mower.FieldBatteryVoltage, GreaterThan, 20.0)

	e.Evaluate("WX001", mower.FieldBatteryVoltage, 19.0)
	e.Evaluate("WX001", mower.FieldBatteryVoltage, 21.0)

	if len(*fired) != 2 {
		t.Fatalf("fired %d times, want 2: %+v", len(*fired), *fired)
	}
	if (*fired)[0].trigger != "gt18" || (*fired)[1].trigger != "gt20" {
		t.Errorf("fired order = %+v, want gt18 then gt20", *fired)
	}
}
