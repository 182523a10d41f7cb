package mower

import (
	"log/slog"
	"math"
	"strconv"
)

// Field identifies an observed device value. Field names double as trigger
// subjects for the threshold engine.
type Field string

// Cloud and shared telemetry fields.
const (
	FieldTimeExtension      Field = "time_extension"
	FieldPartyMode          Field = "party_mode"
	FieldBorderCut          Field = "border_cut"
	FieldAlarm              Field = "alarm"
	FieldBatteryTemperature Field = "battery_temperature"
	FieldBatteryVoltage     Field = "battery_voltage"
	FieldBatteryPercent     Field = "battery_percent"
	FieldGradient           Field = "gradient"
	FieldInclination        Field = "inclination"
	FieldRainDelay          Field = "rain_delay"
	FieldLocked             Field = "locked"
	FieldWifiRSSI           Field = "wifi_rssi"
	FieldBladeTime          Field = "blade_time"    // seconds since last blade reset
	FieldBladeMinutes       Field = "blade_minutes" // display form of blade_time
	FieldWorkMinutes        Field = "work_minutes"
	FieldDistanceKM         Field = "distance_km"
	FieldLawnSize           Field = "lawn_size"
)

// Local controller fields.
const (
	FieldChargeCurrent Field = "charge_current"
	FieldChargeVoltage Field = "charge_voltage"
	FieldTempESC       Field = "temp_esc"
	FieldTempESCLeft   Field = "temp_esc_left"
	FieldTempESCRight  Field = "temp_esc_right"
	FieldTempMotor     Field = "temp_motor"
	FieldGPSAccuracy   Field = "gps_accuracy"
	FieldGPSSignal     Field = "gps_signal"
)

// EventKind classifies a derived event.
type EventKind int

const (
	EventStatus EventKind = iota
	EventError
	EventPartyMode
)

// DerivedEvent is a non-numeric transition derived while projecting a
// message: a status or error code change, or a party mode flip. Synthetic
// marks job-history statuses that were never individually observed but must
// count as visited.
type DerivedEvent struct {
	Kind      EventKind
	Code      string
	Synthetic bool
	On        bool // party mode
}

// Change is a field whose value differs from the last emitted one.
type Change struct {
	Field Field
	Value float64
}

// Result is the outcome of applying one inbound message.
type Result struct {
	Changes  []Change
	Events   []DerivedEvent
	Zones    []int   // new percentage-per-zone distribution, nil if unchanged
	Firmware *string // new firmware version, nil if unchanged
}

// DeviceState is the last-emitted snapshot for one device. It is mutated
// only by Projector.Apply from the single event-processing context.
type DeviceState struct {
	Serial string
	Vision bool

	// BladeResetBaseline is the stored "blade_work_time_reset" counter in
	// seconds; lifetime counters subtract it when present.
	BladeResetBaseline *int

	values    map[Field]float64
	status    string
	errCode   string
	zones     []int
	zoneCount int
	job       map[string]bool
	atHome    bool
	firmware  string
}

// NewDeviceState creates an empty snapshot for a device.
func NewDeviceState(serial string) *DeviceState {
	return &DeviceState{
		Serial: serial,
		values: make(map[Field]float64),
		job:    make(map[string]bool),
	}
}

// Value returns the last emitted value of a field.
func (d *DeviceState) Value(f Field) (float64, bool) {
	v, ok := d.values[f]
	return v, ok
}

// Values returns a copy of all last emitted values.
func (d *DeviceState) Values() map[Field]float64 {
	out := make(map[Field]float64, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Status returns the last observed status code ("" before the first report).
func (d *DeviceState) Status() string { return d.status }

// Error returns the last observed error code ("" before the first report).
func (d *DeviceState) Error() string { return d.errCode }

// AtHome reports whether the mower was last seen at its home status.
func (d *DeviceState) AtHome() bool { return d.atHome }

// ZoneCount returns the number of configured zones.
func (d *DeviceState) ZoneCount() int { return d.zoneCount }

// ZoneDistribution returns the last reconstructed percentage-per-zone array.
func (d *DeviceState) ZoneDistribution() []int { return d.zones }

// Firmware returns the last reported firmware version string.
func (d *DeviceState) Firmware() string { return d.firmware }

// Projector maps inbound protocol payloads onto device snapshots with
// change detection: a field appears in the result only when its value
// differs from the previous emission.
type Projector struct {
	logger *slog.Logger
}

// NewProjector creates a projector.
func NewProjector(logger *slog.Logger) *Projector {
	return &Projector{logger: logger.With("component", "projector")}
}

// Apply merges one decoded message into the device snapshot and returns the
// changed fields and derived events. Applying the same payload twice in a
// row yields an empty result on the second application.
func (p *Projector) Apply(d *DeviceState, msg *StatusMessage) Result {
	var res Result
	if msg == nil {
		return res
	}
	if msg.Cfg != nil {
		p.applyConfig(d, msg.Cfg, &res)
	}
	if msg.Dat != nil {
		p.applyTelemetry(d, msg.Dat, &res)
	}
	return res
}

func (p *Projector) applyConfig(d *DeviceState, cfg *ConfigSection, res *Result) {
	sc := cfg.Schedule
	if sc != nil {
		if sc.TimeExtension != nil {
			setValue(d, res, FieldTimeExtension, float64(*sc.TimeExtension))
		}
		p.applyPartyMode(d, sc, res)
		if !d.Vision && sc.OneTime != nil && sc.OneTime.BorderCut != nil {
			setBool(d, res, FieldBorderCut, *sc.OneTime.BorderCut == 1)
		}
	}

	if starts, ok := cfg.ZoneStarts(); ok {
		count := 0
		for _, s := range starts {
			if s != 0 {
				count++
			}
		}
		d.zoneCount = count
		if count > 0 && len(cfg.ZoneSeq) > 0 {
			zones := ZoneDistribution(cfg.ZoneSeq)
			if !equalInts(zones, d.zones) {
				d.zones = zones
				res.Zones = zones
			}
		}
	}
}

func (p *Projector) applyPartyMode(d *DeviceState, sc *Schedule, res *Result) {
	var party, reported bool
	if d.Vision {
		if sc.Enabled != nil {
			party = *sc.Enabled == 0
			reported = true
		}
	} else if sc.Mode != nil {
		party = *sc.Mode == 2
		reported = true
	}
	if !reported {
		return
	}
	prev, had := d.values[FieldPartyMode]
	if !had || (prev != 0) != party {
		res.Events = append(res.Events, DerivedEvent{Kind: EventPartyMode, On: party})
	}
	setBool(d, res, FieldPartyMode, party)
}

func (p *Projector) applyTelemetry(d *DeviceState, dat *TelemetrySection, res *Result) {
	if dat.Status != nil && dat.Error != nil {
		p.applyStatusError(d, strconv.Itoa(*dat.Status), strconv.Itoa(*dat.Error), res)
	}

	if st := dat.Stats; st != nil {
		if st.BladeTime != nil {
			bwt := *st.BladeTime
			if d.BladeResetBaseline != nil {
				bwt -= *d.BladeResetBaseline
			}
			// Thresholds are registered against the raw post-reset counter;
			// the snapshot keeps the rounded minute form alongside it.
			setValue(d, res, FieldBladeTime, float64(bwt))
			setValue(d, res, FieldBladeMinutes, math.Round(float64(bwt)/60))
		}
		if st.WorkTime != nil {
			setValue(d, res, FieldWorkMinutes, math.Round(float64(*st.WorkTime)/60))
		}
		if st.Distance != nil {
			setValue(d, res, FieldDistanceKM, math.Round(float64(*st.Distance)/1000))
		}
	}

	if bt := dat.Battery; bt != nil {
		if bt.Temperature != nil {
			setValue(d, res, FieldBatteryTemperature, *bt.Temperature)
		}
		if bt.Voltage != nil {
			setValue(d, res, FieldBatteryVoltage, *bt.Voltage)
		}
		if bt.Percent != nil {
			setValue(d, res, FieldBatteryPercent, float64(*bt.Percent))
		}
	}

	// Zero readings are skipped: the firmware reports 0 for both axes while
	// the tilt sensor is still settling.
	if len(dat.Orientation) > 0 && dat.Orientation[0] != 0 {
		setValue(d, res, FieldGradient, dat.Orientation[0])
	}
	if len(dat.Orientation) > 1 && dat.Orientation[1] != 0 {
		setValue(d, res, FieldInclination, dat.Orientation[1])
	}

	if dat.Rain != nil && dat.Rain.Counter != nil {
		setValue(d, res, FieldRainDelay, float64(*dat.Rain.Counter))
	}
	if dat.Locked != nil {
		setBool(d, res, FieldLocked, *dat.Locked == 1)
	}
	if dat.WifiRSSI != nil {
		setValue(d, res, FieldWifiRSSI, float64(*dat.WifiRSSI))
	}
	if dat.Firmware != nil {
		fw := strconv.FormatFloat(*dat.Firmware, 'f', -1, 64)
		if fw != d.firmware {
			d.firmware = fw
			res.Firmware = &fw
		}
	}
}

func (p *Projector) applyStatusError(d *DeviceState, status, errCode string, res *Result) {
	if status != d.status {
		d.status = status
		res.Events = append(res.Events, DerivedEvent{Kind: EventStatus, Code: status})
	}
	if errCode != d.errCode {
		d.errCode = errCode
		res.Events = append(res.Events, DerivedEvent{Kind: EventError, Code: errCode})
	}
	setBool(d, res, FieldAlarm, errCode != ErrorNone)

	switch status {
	case StatusHome:
		d.atHome = true
		// Arrival home starts a fresh job history.
		d.job = map[string]bool{StatusHome: true}
	case StatusStartSequence, StatusLeavingHome, StatusMowing:
		d.atHome = false
		d.job[status] = true
	default:
		d.job[status] = true
	}

	// A mower seen mowing must have passed the start sequence and left home
	// even if those intermediate statuses were never delivered; dependent
	// automations must not be starved of them.
	if status == StatusMowing {
		for _, missed := range []string{StatusStartSequence, StatusLeavingHome} {
			if !d.job[missed] {
				d.job[missed] = true
				p.logger.Info("synthesizing missed job status",
					"serial", d.Serial, "status", missed)
				res.Events = append(res.Events, DerivedEvent{Kind: EventStatus, Code: missed, Synthetic: true})
			}
		}
	}
}

// ZoneDistribution reconstructs a percentage-per-zone array from a sequence
// of zone indices repeated at 10% granularity.
func ZoneDistribution(seq []int) []int {
	var zones []int
	for _, idx := range seq {
		if idx < 0 {
			continue
		}
		for idx >= len(zones) {
			zones = append(zones, 0)
		}
		zones[idx] += 10
	}
	return zones
}

// setValue records a field value and appends a change when it differs from
// the previous emission.
func setValue(d *DeviceState, res *Result, f Field, v float64) {
	if prev, ok := d.values[f]; ok && prev == v {
		return
	}
	d.values[f] = v
	res.Changes = append(res.Changes, Change{Field: f, Value: v})
}

func setBool(d *DeviceState, res *Result, f Field, v bool) {
	n := 0.0
	if v {
		n = 1.0
	}
	setValue(d, res, f, n)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
