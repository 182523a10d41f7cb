//go:build !no_mqtt

// Package mqtt republishes mower state to an external broker with Home
// Assistant autodiscovery, and accepts commands on per-device set topics.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mower-go-home/internal/events"
	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Commander forwards commands arriving on set topics to the cloud fleet.
type Commander interface {
	SendCommand(serial string, code int) error
	SendPartyMode(serial string, on bool) error
	SendEdgeCut(serial string) error
}

// Bridge connects the mower bridge to an external MQTT broker.
type Bridge struct {
	client    pahomqtt.Client
	bus       *events.EventBus
	st        store.Store
	commander Commander
	prefix    string
	logger    *slog.Logger
	unsub     func()

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // serial -> property map
}

// NewBridge creates and connects an MQTT bridge. The commander may be nil
// when no cloud fleet is configured; set topics are then ignored.
func NewBridge(bus *events.EventBus, st store.Store, commander Commander, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:       bus,
		st:        st,
		commander: commander,
		prefix:    cfg.TopicPrefix,
		logger:    logger.With("component", "mqtt"),
		states:    make(map[string]map[string]any),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("mower-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to bus events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	if event.Serial == "" {
		return
	}
	switch event.Type {
	case events.EventValueChanged:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		field, _ := data["field"].(string)
		if field == "" {
			return
		}
		b.updateAndPublishState(event.Serial, field, data["value"])

	case events.EventStatusChanged:
		code := fmt.Sprint(event.Data)
		b.updateAndPublishState(event.Serial, "status", code)
		if name := statusName(code); name != "" {
			b.updateAndPublishState(event.Serial, "status_name", name)
		}

	case events.EventErrorChanged:
		code := fmt.Sprint(event.Data)
		b.updateAndPublishState(event.Serial, "error", code)
		if name := errorName(code); name != "" {
			b.updateAndPublishState(event.Serial, "error_name", name)
		}

	case events.EventPartyMode:
		on, _ := event.Data.(bool)
		value := "OFF"
		if on {
			value = "ON"
		}
		b.updateAndPublishState(event.Serial, "party_mode", value)

	case events.EventAvailability:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		available, _ := data["available"].(bool)
		state := "offline"
		if available {
			state = "online"
		}
		b.publish(b.prefix+"/"+event.Serial+"/availability", []byte(state), true)

	case events.EventDeviceFound:
		if dev, err := b.st.GetDevice(event.Serial); err == nil {
			b.publishDeviceDiscovery(dev)
			b.subscribeDeviceCommands(dev.Serial)
		}
	}
}

// statusName resolves a status code against both code tables; cloud and
// local serials never collide, so the first match wins.
func statusName(code string) string {
	if name, ok := mower.StatusNames[code]; ok {
		return name
	}
	return mower.LocalStatusNames[code]
}

func errorName(code string) string {
	if name, ok := mower.ErrorNames[code]; ok {
		return name
	}
	return mower.LocalErrorNames[code]
}

func (b *Bridge) updateAndPublishState(serial, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[serial]
	if !ok {
		state = make(map[string]any)
		b.states[serial] = state
	}
	state[prop] = value

	if dev, err := b.st.GetDevice(serial); err == nil {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}

	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+serial, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.st.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "serial", dev.Serial, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	devices, err := b.st.ListDevices()
	if err != nil {
		b.logger.Error("list devices for command subscription", "err", err)
		return
	}
	for _, dev := range devices {
		b.subscribeDeviceCommands(dev.Serial)
	}
}

func (b *Bridge) subscribeDeviceCommands(serial string) {
	topic := b.prefix + "/" + serial + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(serial, msg.Payload())
	})
}

// setRequest is the command payload accepted on {prefix}/{serial}/set.
type setRequest struct {
	Command   string `json:"command,omitempty"`
	PartyMode *bool  `json:"party_mode,omitempty"`
}

func (b *Bridge) handleCommand(serial string, payload []byte) {
	if b.commander == nil {
		b.logger.Warn("command received but no cloud fleet configured", "serial", serial)
		return
	}

	var req setRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid command JSON", "serial", serial, "err", err)
		return
	}

	if req.Command != "" {
		var err error
		switch strings.ToLower(req.Command) {
		case "start":
			err = b.commander.SendCommand(serial, mower.CommandStart)
		case "stop":
			err = b.commander.SendCommand(serial, mower.CommandStop)
		case "home", "dock":
			err = b.commander.SendCommand(serial, mower.CommandHome)
		case "edgecut":
			err = b.commander.SendEdgeCut(serial)
		default:
			b.logger.Warn("unknown command", "serial", serial, "command", req.Command)
			return
		}
		if err != nil {
			b.logger.Warn("command failed", "serial", serial, "command", req.Command, "err", err)
		}
	}

	if req.PartyMode != nil {
		if err := b.commander.SendPartyMode(serial, *req.PartyMode); err != nil {
			b.logger.Warn("party mode failed", "serial", serial, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
