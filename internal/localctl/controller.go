// Package localctl bridges an OpenMower controller on the local network:
// plain MQTT, symbolic state codes, derived errors and an advertised
// action set gating the commands.
package localctl

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mower-go-home/internal/events"
	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
	"mower-go-home/internal/trigger"
)

const (
	// actionTopic carries both observed and issued actions.
	actionTopic = "/action"

	// retryDelay is how long a failed connection rests before the next try.
	retryDelay = 5 * time.Minute

	defaultPort = 1883
)

// ErrCommandRejected marks commands refused before publishing: the
// controller has not advertised the action as enabled, or the connection
// is down.
var ErrCommandRejected = errors.New("command rejected")

// Command ids understood by SendCommand.
const (
	CommandStart     = "START"
	CommandStop      = "STOP"
	CommandPause     = "PAUSE"
	CommandRecording = "RECORDING"
	CommandSkip      = "SKIP"
)

var subscribeTopics = []string{
	"sensors/+/data",
	"robot_state/json",
	"actions/json",
	"map/json",
	actionTopic,
}

// Config locates the controller on the local network.
type Config struct {
	Host string
	Port int
	Name string
	// GPSAccuracyLimit is the accuracy percentage above which mowing is
	// considered GPS-degraded.
	GPSAccuracyLimit float64
}

// Controller is one local mower bridge.
type Controller struct {
	cfg      Config
	serial   string
	gpsLimit float64
	bus      *events.EventBus
	st       store.Store
	triggers *trigger.Engine
	logger   *slog.Logger

	mu         sync.Mutex
	client     pahomqtt.Client
	publish    func(topic string, qos byte, payload []byte) error
	values     map[mower.Field]float64
	status     string
	errCode    string
	actions    []Action
	area       Polygon
	available  bool
	reason     string
	retryTimer *time.Timer
	closed     bool
}

// New creates a local controller bridge. Nothing connects until Start.
func New(cfg Config, bus *events.EventBus, st store.Store, logger *slog.Logger) *Controller {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	serial := cfg.Name
	if serial == "" {
		serial = "openmower"
	}
	c := &Controller{
		cfg:      cfg,
		serial:   serial,
		gpsLimit: cfg.GPSAccuracyLimit / 100,
		bus:      bus,
		st:       st,
		logger:   logger.With("component", "localctl", "host", cfg.Host),
		values:   make(map[mower.Field]float64),
	}
	c.triggers = trigger.NewEngine(c.handleTriggerFired, logger)
	return c
}

// Serial identifies this controller in the store and on the bus.
func (c *Controller) Serial() string { return c.serial }

// Start connects to the controller's broker. A failed attempt schedules a
// retry instead of failing the bridge.
func (c *Controller) Start() {
	c.connect()
}

// Stop tears the connection down.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	client := c.client
	c.client = nil
	c.publish = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(1000)
	}
	c.logger.Info("local controller stopped")
}

// Status returns the last symbolic status code.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Error returns the last derived error code.
func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

// Value returns the last emitted value of a field.
func (c *Controller) Value(f mower.Field) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[f]
	return v, ok
}

// Available reports whether the controller connection is up.
func (c *Controller) Available() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available, c.reason
}

// Actions returns the advertised action set.
func (c *Controller) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

// RegisterThreshold arms a persisted threshold trigger.
func (c *Controller) RegisterThreshold(triggerID string, field mower.Field, cmp trigger.Comparison, value float64) error {
	c.triggers.Register(c.serial, triggerID, field, cmp, value)
	return c.st.SaveThreshold(&store.Threshold{
		Serial:     c.serial,
		TriggerID:  triggerID,
		Field:      string(field),
		Comparison: cmp.String(),
		Value:      value,
	})
}

// UnregisterThreshold removes a threshold trigger.
func (c *Controller) UnregisterThreshold(triggerID string) error {
	c.triggers.Unregister(c.serial, triggerID)
	return c.st.DeleteThreshold(c.serial, triggerID)
}

// SendCommand publishes one of the symbolic commands, but only when the
// controller currently advertises the matching action as enabled.
func (c *Controller) SendCommand(id string) error {
	var action Action
	var err error
	switch id {
	case CommandStart:
		action, err = c.enabledAction("mower_logic:idle/start_mowing", "mower_logic:mowing/continue")
	case CommandStop:
		action, err = c.enabledAction("mower_logic:mowing/abort_mowing")
	case CommandPause:
		action, err = c.enabledAction("mower_logic:mowing/pause")
	case CommandRecording:
		action, err = c.enabledAction("mower_logic:idle/start_area_recording")
	case CommandSkip:
		action, err = c.enabledAction("mower_logic:mowing/skip_area")
	default:
		return fmt.Errorf("%w: unknown command %q", ErrCommandRejected, id)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	publish := c.publish
	c.mu.Unlock()
	if publish == nil {
		return fmt.Errorf("%w: controller not connected", ErrCommandRejected)
	}
	if err := publish(actionTopic, 0, []byte(action.ActionID)); err != nil {
		return fmt.Errorf("publish action: %w", err)
	}
	c.logger.Info("action published", "command", id, "action", action.ActionID)
	return nil
}

func (c *Controller) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)
	c.logger.Info("connecting to local controller", "broker", broker)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("mower-go-home-" + c.serial).
		SetAutoReconnect(false).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			c.handleConnect(client)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.handleDisconnect(err)
		})

	client := pahomqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.publish = func(topic string, qos byte, payload []byte) error {
		token := client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("publish timeout on %s", topic)
		}
		return token.Error()
	}
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(30*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("connect timeout")
		}
		c.handleDisconnect(err)
	}
}

func (c *Controller) handleConnect(client pahomqtt.Client) {
	c.logger.Info("local controller connected")
	for _, topic := range subscribeTopics {
		topic := topic
		token := client.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.HandleMessage(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
			c.logger.Warn("subscribe failed", "topic", topic, "err", token.Error())
		}
	}
	c.setAvailable(true, "")
}

// handleDisconnect drops the client and rests before the next attempt; the
// controller host may be rebooting or off the network for a while.
func (c *Controller) handleDisconnect(err error) {
	c.logger.Warn("local controller connection lost", "err", err)

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.publish = nil
	closed := c.closed
	if !closed && c.retryTimer == nil {
		c.retryTimer = time.AfterFunc(retryDelay, c.connect)
	}
	c.mu.Unlock()

	if client != nil {
		go client.Disconnect(250)
	}
	reason := "connection unavailable"
	if err != nil {
		reason = "connection unavailable: " + err.Error()
	}
	c.setAvailable(false, reason)
}

func (c *Controller) setAvailable(available bool, reason string) {
	c.mu.Lock()
	if c.available == available && c.reason == reason {
		c.mu.Unlock()
		return
	}
	c.available = available
	c.reason = reason
	c.mu.Unlock()

	c.bus.Emit(events.Event{
		Type:   events.EventAvailability,
		Serial: c.serial,
		Data:   map[string]any{"available": available, "reason": reason},
	})
	c.persist()
}

func (c *Controller) handleTriggerFired(serial, triggerID string, field mower.Field, value, threshold float64) {
	c.logger.Info("threshold fired", "trigger", triggerID, "value", value, "threshold", threshold)
	c.bus.Emit(events.Event{
		Type:   events.EventThresholdFired,
		Serial: serial,
		Data:   map[string]any{"trigger": triggerID, "field": string(field), "value": value},
	})
}

func (c *Controller) persist() {
	c.mu.Lock()
	values := make(map[string]float64, len(c.values))
	for f, v := range c.values {
		values[string(f)] = v
	}
	sd := &store.Device{
		Serial:   c.serial,
		Name:     c.cfg.Name,
		Source:   "local",
		Online:   c.available,
		Status:   c.status,
		Error:    c.errCode,
		Values:   values,
		LastSeen: time.Now(),
	}
	c.mu.Unlock()

	if err := c.st.SaveDevice(sd); err != nil {
		c.logger.Error("persist device", "err", err)
	}
}
