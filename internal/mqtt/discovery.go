//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"

	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/mower_WX1001/battery/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.Serial
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "mower_" + dev.Serial
}

// mowerSensor describes one telemetry field exposed as an HA sensor. A
// sensor is only advertised when the device has reported the field.
type mowerSensor struct {
	field       mower.Field
	suffix      string
	deviceClass string
	unit        string
}

var mowerSensors = []mowerSensor{
	{mower.FieldBatteryPercent, "Battery", "battery", "%"},
	{mower.FieldBatteryVoltage, "Battery Voltage", "voltage", "V"},
	{mower.FieldBatteryTemperature, "Battery Temperature", "temperature", "°C"},
	{mower.FieldChargeCurrent, "Charge Current", "current", "A"},
	{mower.FieldChargeVoltage, "Charge Voltage", "voltage", "V"},
	{mower.FieldTempESC, "ESC Temperature", "temperature", "°C"},
	{mower.FieldTempESCLeft, "Left ESC Temperature", "temperature", "°C"},
	{mower.FieldTempESCRight, "Right ESC Temperature", "temperature", "°C"},
	{mower.FieldTempMotor, "Motor Temperature", "temperature", "°C"},
	{mower.FieldWifiRSSI, "Wifi RSSI", "signal_strength", "dBm"},
	{mower.FieldGPSAccuracy, "GPS Accuracy", "", "cm"},
	{mower.FieldGPSSignal, "GPS Signal", "", "%"},
	{mower.FieldBladeMinutes, "Blade Time", "duration", "min"},
	{mower.FieldWorkMinutes, "Work Time", "duration", "min"},
	{mower.FieldDistanceKM, "Distance", "distance", "km"},
	{mower.FieldLawnSize, "Lawn Size", "", "m²"},
	{mower.FieldRainDelay, "Rain Delay", "duration", "min"},
	{mower.FieldTimeExtension, "Time Extension", "", "%"},
}

// buildDiscovery generates HA discovery messages for a mower based on the
// fields it has reported so far.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/" + dev.Serial + "/availability"
	stateTopic := prefix + "/" + dev.Serial
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Worx",
		Model:        strconv.Itoa(dev.ProductID),
		SwVersion:    dev.Firmware,
		Name:         displayName,
	}
	if dev.Source == "local" {
		haDev.Manufacturer = "OpenMower"
		haDev.Model = "OpenMower"
	}

	var msgs []discoveryMsg

	// Status and error are always present.
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"status", "Status", "", "", "",
		"{{ value_json.status_name | default(value_json.status) }}"))
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"error", "Error", "", "", "",
		"{{ value_json.error_name | default(value_json.error) }}"))
	msgs = append(msgs, buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
		"alarm", "Alarm", "problem",
		"{{ 'ON' if value_json.alarm else 'OFF' }}"))

	for _, s := range mowerSensors {
		if _, ok := dev.Values[string(s.field)]; !ok {
			continue
		}
		stateClass := "measurement"
		if s.deviceClass == "duration" || s.deviceClass == "distance" {
			stateClass = "total_increasing"
		}
		msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			string(s.field), s.suffix, s.deviceClass, s.unit, stateClass,
			fmt.Sprintf("{{ value_json['%s'] }}", string(s.field))))
	}

	// Cloud mowers additionally get party mode and the command surface.
	if dev.Source == "cloud" {
		msgs = append(msgs, buildSwitch(nodeID, displayName, stateTopic, avail, haDev, prefix, dev))
	}

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildSwitch advertises party mode as a switch on the set topic.
func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, dev *store.Device) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/party_mode/config", nodeID)
	cmdTopic := prefix + "/" + dev.Serial + "/set"
	payload := haDiscovery{
		Name:              displayName + " Party Mode",
		UniqueID:          nodeID + "_party_mode",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.party_mode }}",
		PayloadOn:         `{"party_mode": true}`,
		PayloadOff:        `{"party_mode": false}`,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
