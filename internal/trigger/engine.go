// Package trigger evaluates stateful threshold conditions against device
// telemetry. Each registration carries an armed flag implementing
// re-arm-on-return hysteresis: a crossing fires exactly once, and the
// registration only fires again after the value returns to the
// non-crossing side of the threshold.
package trigger

import (
	"log/slog"
	"sync"

	"mower-go-home/internal/mower"
)

// Comparison is the direction of a threshold condition.
type Comparison int

const (
	GreaterThan Comparison = iota
	LessThan
)

func (c Comparison) String() string {
	if c == GreaterThan {
		return "gt"
	}
	return "lt"
}

// Registration is one consumer interest in a threshold crossing.
type Registration struct {
	DeviceID  string
	TriggerID string
	Field     mower.Field
	Cmp       Comparison
	Threshold float64

	armed bool
}

// Armed reports the current arming state, for persistence and tests.
func (r *Registration) Armed() bool { return r.armed }

// FireFunc is called for every firing registration.
type FireFunc func(deviceID, triggerID string, field mower.Field, value, threshold float64)

// Engine holds all registrations and evaluates incoming values against them.
type Engine struct {
	mu     sync.Mutex
	regs   []*Registration
	onFire FireFunc
	logger *slog.Logger
}

// NewEngine creates an engine. fn receives every firing.
func NewEngine(fn FireFunc, logger *slog.Logger) *Engine {
	return &Engine{
		onFire: fn,
		logger: logger.With("component", "trigger"),
	}
}

// Register adds a threshold registration. A duplicate (same device, trigger,
// field, comparison and threshold) is ignored so that re-registration after
// a restart does not reset arming state. New registrations start armed.
func (e *Engine) Register(deviceID, triggerID string, field mower.Field, cmp Comparison, threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.regs {
		if r.DeviceID == deviceID && r.TriggerID == triggerID &&
			r.Field == field && r.Cmp == cmp && r.Threshold == threshold {
			return
		}
	}
	e.logger.Info("threshold registered",
		"device", deviceID, "trigger", triggerID,
		"field", string(field), "cmp", cmp.String(), "threshold", threshold)
	e.regs = append(e.regs, &Registration{
		DeviceID:  deviceID,
		TriggerID: triggerID,
		Field:     field,
		Cmp:       cmp,
		Threshold: threshold,
		armed:     true,
	})
}

// Unregister removes all registrations for a trigger on a device.
func (e *Engine) Unregister(deviceID, triggerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.regs[:0]
	for _, r := range e.regs {
		if r.DeviceID == deviceID && r.TriggerID == triggerID {
			continue
		}
		kept = append(kept, r)
	}
	e.regs = kept
}

// Registrations returns a snapshot of all registrations.
func (e *Engine) Registrations() []Registration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Registration, len(e.regs))
	for i, r := range e.regs {
		out[i] = *r
	}
	return out
}

// Evaluate runs every matching registration against a new value. Fires are
// delivered synchronously, outside the engine lock.
func (e *Engine) Evaluate(deviceID string, field mower.Field, value float64) {
	var fired []*Registration

	e.mu.Lock()
	for _, r := range e.regs {
		if r.DeviceID != deviceID || r.Field != field {
			continue
		}
		switch r.Cmp {
		case GreaterThan:
			if value > r.Threshold {
				if r.armed {
					r.armed = false
					fired = append(fired, r)
				}
			} else if !r.armed {
				r.armed = true
			}
		case LessThan:
			if value < r.Threshold {
				if r.armed {
					r.armed = false
					fired = append(fired, r)
				}
			} else if !r.armed {
				r.armed = true
			}
		}
	}
	e.mu.Unlock()

	for _, r := range fired {
		e.logger.Info("threshold fired",
			"device", r.DeviceID, "trigger", r.TriggerID,
			"field", string(r.Field), "value", value, "threshold", r.Threshold)
		if e.onFire != nil {
			e.onFire(r.DeviceID, r.TriggerID, r.Field, value, r.Threshold)
		}
	}
}
