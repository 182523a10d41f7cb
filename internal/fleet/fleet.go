package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mower-go-home/internal/cloud"
	"mower-go-home/internal/command"
	"mower-go-home/internal/events"
	"mower-go-home/internal/mower"
	"mower-go-home/internal/store"
	"mower-go-home/internal/transport"
	"mower-go-home/internal/trigger"
)

const defaultPollInterval = 10 * time.Minute

// appID names this bridge inside the broker client id.
const appID = "mower-go-home"

// Config selects the cloud account a fleet manages.
type Config struct {
	Backend      string
	Username     string
	Password     string
	Language     string
	PollInterval time.Duration
}

// Adapter is the host-platform side of the bridge. The fleet pushes state
// and availability into it and fires flows for threshold crossings; the
// host calls back through the Send* methods.
type Adapter interface {
	ApplyState(serial string, changes []mower.Change)
	SetAvailable(serial string, available bool, reason string)
	TriggerFlow(serial, triggerID string, value float64)
}

// Fleet manages every mower of one cloud account.
type Fleet struct {
	cfg        Config
	identity   cloud.Identity
	sessions   *cloud.SessionManager
	api        *cloud.API
	supervisor *transport.Supervisor
	correlator *command.Correlator
	projector  *mower.Projector
	triggers   *trigger.Engine
	bus        *events.EventBus
	st         store.Store
	adapter    Adapter
	logger     *slog.Logger

	mu       sync.Mutex
	devices  map[string]*Device
	byTopic  map[string]string // command_out topic -> serial
	userID   int
	language string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// newSupervisor is swapped in tests to avoid a real broker.
	newSupervisor func() *transport.Supervisor
}

// New creates a fleet for one account. Nothing connects until Start.
func New(cfg Config, bus *events.EventBus, st store.Store, logger *slog.Logger) (*Fleet, error) {
	identity, err := cloud.LookupIdentity(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}

	f := &Fleet{
		cfg:        cfg,
		identity:   identity,
		sessions:   cloud.NewSessionManager(identity, cfg.Username, cfg.Password, logger),
		correlator: command.NewCorrelator(logger),
		projector:  mower.NewProjector(logger),
		bus:        bus,
		st:         st,
		logger:     logger.With("component", "fleet", "backend", identity.Name),
		devices:    make(map[string]*Device),
		byTopic:    make(map[string]string),
		language:   language,
	}
	f.api = cloud.NewAPI(f.sessions, logger)
	f.triggers = trigger.NewEngine(f.handleTriggerFired, logger)
	f.newSupervisor = f.dialSupervisor
	return f, nil
}

// SetAdapter wires the host-platform adapter. Must be called before Start.
func (f *Fleet) SetAdapter(a Adapter) { f.adapter = a }

// Start logs in, enumerates the account's mowers and brings up the broker
// connection.
func (f *Fleet) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	if _, err := f.sessions.Login(f.ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	user, err := f.api.Me(f.ctx)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	f.mu.Lock()
	f.userID = user.ID
	f.mu.Unlock()

	items, err := f.api.ProductItems(f.ctx)
	if err != nil {
		return fmt.Errorf("enumerate mowers: %w", err)
	}

	f.supervisor = f.newSupervisor()
	f.supervisor.OnMessage(f.handleMessage)
	f.supervisor.OnState(f.handleTransportState)
	f.supervisor.OnError(f.handleTransportError)
	f.wireSessionCallbacks()

	for i := range items {
		f.registerDevice(&items[i])
	}
	f.restoreThresholds()

	if err := f.supervisor.Start(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	f.wg.Add(1)
	go f.pollLoop()

	f.logger.Info("fleet started", "devices", len(items), "user", user.ID)
	return nil
}

// Stop tears the fleet down.
func (f *Fleet) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.supervisor != nil {
		f.supervisor.Close()
	}
	f.sessions.Close()
	f.wg.Wait()
	f.logger.Info("fleet stopped")
}

// Devices returns the managed devices.
func (f *Fleet) Devices() []*Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

// Device returns one managed device by serial.
func (f *Fleet) Device(serial string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[serial]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", serial, store.ErrNotFound)
	}
	return d, nil
}

// RegisterThreshold arms a persisted threshold trigger for a device.
func (f *Fleet) RegisterThreshold(serial, triggerID string, field mower.Field, cmp trigger.Comparison, value float64) error {
	if _, err := f.Device(serial); err != nil {
		return err
	}
	f.triggers.Register(serial, triggerID, field, cmp, value)
	return f.st.SaveThreshold(&store.Threshold{
		Serial:     serial,
		TriggerID:  triggerID,
		Field:      string(field),
		Comparison: cmp.String(),
		Value:      value,
	})
}

// UnregisterThreshold removes a threshold trigger.
func (f *Fleet) UnregisterThreshold(serial, triggerID string) error {
	f.triggers.Unregister(serial, triggerID)
	return f.st.DeleteThreshold(serial, triggerID)
}

// wireSessionCallbacks connects token lifecycle to device availability: a
// failed refresh takes the whole fleet offline, the next successful refresh
// rotates broker credentials and brings it back.
func (f *Fleet) wireSessionCallbacks() {
	f.sessions.OnRefresh = func(*cloud.Session) {
		if err := f.supervisor.RotateCredentials(); err != nil {
			f.logger.Error("credential rotation failed", "err", err)
		}
		switch f.supervisor.State() {
		case transport.StateBlocked, transport.StateRestartScheduled:
			// Still blocked; availability follows the transport state.
		default:
			f.setAllAvailable(true, "")
		}
	}
	f.sessions.OnRefreshError = func(err error) {
		f.setAllAvailable(false, fmt.Sprintf("authentication failed, awaiting token refresh: %v", err))
	}
}

func (f *Fleet) handleTransportError(err error) {
	f.logger.Warn("broker error", "err", err)
}

func (f *Fleet) dialSupervisor() *transport.Supervisor {
	f.mu.Lock()
	userID := f.userID
	endpoint := cloud.DefaultBrokerEndpoint
	for _, d := range f.devices {
		if d.Endpoint != "" {
			endpoint = d.Endpoint
			break
		}
	}
	f.mu.Unlock()

	clientID := fmt.Sprintf("%s/USER/%d/%s/%s", f.identity.TopicPrefix, userID, appID, uuid.NewString())
	dialer := transport.NewPahoDialer(transport.PahoConfig{
		BrokerURL: "wss://" + endpoint + "/mqtt",
		ClientID:  clientID,
		Headers:   f.sessions.BrokerHeaders,
	})
	return transport.NewSupervisor(dialer, f.logger)
}

func (f *Fleet) registerDevice(item *cloud.ProductItem) {
	d := newDevice(item.SerialNumber, item.HasCapability("vision"))
	d.UUID = item.UUID
	d.Name = item.Name
	d.ProductID = item.ProductID
	d.MACAddress = item.MACAddress
	d.Capabilities = item.Capabilities
	d.Endpoint = item.MQTTEndpoint
	if item.MQTTTopics != nil {
		d.CommandIn = item.MQTTTopics.CommandIn
		d.CommandOut = item.MQTTTopics.CommandOut
	}
	d.setOnline(item.Online)
	if baseline, err := f.st.GetBladeBaseline(d.Serial); err == nil {
		d.state.BladeResetBaseline = &baseline
	}

	f.mu.Lock()
	f.devices[d.Serial] = d
	if d.CommandOut != "" {
		f.byTopic[d.CommandOut] = d.Serial
	}
	f.mu.Unlock()

	f.supervisor.AddDevice(transport.DeviceTopics{
		CommandIn:  d.CommandIn,
		CommandOut: d.CommandOut,
	})
	f.persist(d)
	f.bus.Emit(events.Event{Type: events.EventDeviceFound, Serial: d.Serial, Data: d.Name})
	f.logger.Info("mower registered", "serial", d.Serial, "name", d.Name, "vision", d.Vision)

	// The cloud caches the last report; replay it so state is warm before
	// the first live message.
	if item.LastStatus != nil && len(item.LastStatus.Payload) > 0 {
		f.applyPayload(d, item.LastStatus.Payload, false)
	}
}

func (f *Fleet) restoreThresholds() {
	ths, err := f.st.ListThresholds()
	if err != nil {
		f.logger.Error("restore thresholds", "err", err)
		return
	}
	for _, th := range ths {
		cmp := trigger.GreaterThan
		if th.Comparison == "lt" {
			cmp = trigger.LessThan
		}
		f.triggers.Register(th.Serial, th.TriggerID, mower.Field(th.Field), cmp, th.Value)
	}
	if len(ths) > 0 {
		f.logger.Info("thresholds restored", "count", len(ths))
	}
}

func (f *Fleet) handleMessage(topic string, payload []byte) {
	f.mu.Lock()
	serial, ok := f.byTopic[topic]
	f.mu.Unlock()
	if !ok {
		f.logger.Debug("message on unknown topic", "topic", topic)
		return
	}
	d, err := f.Device(serial)
	if err != nil {
		return
	}
	d.setOnline(true)
	f.applyPayload(d, payload, true)
}

// applyPayload runs one raw status payload through decode, ack matching,
// projection, trigger evaluation and persistence.
func (f *Fleet) applyPayload(d *Device, payload []byte, live bool) {
	msg, err := mower.DecodeStatusMessage(payload)
	if err != nil {
		f.logger.Warn("undecodable status message", "serial", d.Serial, "err", err)
		return
	}

	if live && msg.Cfg != nil && msg.Cfg.ID != nil {
		if f.correlator.OnAck(uint16(*msg.Cfg.ID)) {
			f.bus.Emit(events.Event{Type: events.EventCommandAck, Serial: d.Serial, Data: *msg.Cfg.ID})
		}
	}

	res := f.projector.Apply(d.state, msg)
	f.dispatch(d, res)
	f.persist(d)
}

// dispatch fans a projection result out to triggers, the bus and the
// platform adapter.
func (f *Fleet) dispatch(d *Device, res mower.Result) {
	for _, ch := range res.Changes {
		f.triggers.Evaluate(d.Serial, ch.Field, ch.Value)
		f.bus.Emit(events.Event{
			Type:   events.EventValueChanged,
			Serial: d.Serial,
			Data:   map[string]any{"field": string(ch.Field), "value": ch.Value},
		})
	}
	if len(res.Changes) > 0 && f.adapter != nil {
		f.adapter.ApplyState(d.Serial, res.Changes)
	}
	for _, ev := range res.Events {
		switch ev.Kind {
		case mower.EventStatus:
			f.bus.Emit(events.Event{Type: events.EventStatusChanged, Serial: d.Serial, Data: ev.Code})
		case mower.EventError:
			f.bus.Emit(events.Event{Type: events.EventErrorChanged, Serial: d.Serial, Data: ev.Code})
		case mower.EventPartyMode:
			f.bus.Emit(events.Event{Type: events.EventPartyMode, Serial: d.Serial, Data: ev.On})
		}
	}
}

func (f *Fleet) handleTriggerFired(serial, triggerID string, field mower.Field, value, threshold float64) {
	f.logger.Info("threshold fired", "serial", serial, "trigger", triggerID, "value", value, "threshold", threshold)
	f.bus.Emit(events.Event{
		Type:   events.EventThresholdFired,
		Serial: serial,
		Data:   map[string]any{"trigger": triggerID, "field": string(field), "value": value},
	})
	if f.adapter != nil {
		f.adapter.TriggerFlow(serial, triggerID, value)
	}
}

func (f *Fleet) handleTransportState(state transport.State) {
	f.bus.Emit(events.Event{Type: events.EventConnection, Data: state.String()})

	switch state {
	case transport.StateBlocked, transport.StateRestartScheduled:
		reason := "broker connection blocked"
		if at := f.supervisor.RestartAt(); !at.IsZero() {
			reason = fmt.Sprintf("broker connection blocked, restart scheduled at %s", at.Format(time.RFC3339))
		}
		f.setAllAvailable(false, reason)
	case transport.StateConnected:
		f.setAllAvailable(true, "")
	}
}

func (f *Fleet) setAllAvailable(available bool, reason string) {
	for _, d := range f.Devices() {
		d.setAvailable(available, reason)
		f.bus.Emit(events.Event{
			Type:   events.EventAvailability,
			Serial: d.Serial,
			Data:   map[string]any{"available": available, "reason": reason},
		})
		if f.adapter != nil {
			f.adapter.SetAvailable(d.Serial, available, reason)
		}
	}
}

func (f *Fleet) pollLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.pollDevices()
		}
	}
}

// pollDevices refreshes each mower from REST: reachability plus the cached
// last report, so state recovers even when broker traffic is lost.
func (f *Fleet) pollDevices() {
	for _, d := range f.Devices() {
		item, err := f.api.ProductItem(f.ctx, d.Serial)
		if err != nil {
			f.logger.Warn("device poll failed", "serial", d.Serial, "err", err)
			continue
		}
		d.setOnline(item.Online)
		if item.LastStatus != nil && len(item.LastStatus.Payload) > 0 {
			f.applyPayload(d, item.LastStatus.Payload, false)
		} else {
			f.persist(d)
		}
	}
}

func (f *Fleet) persist(d *Device) {
	if err := f.st.SaveDevice(d.snapshot(f.identity.Name)); err != nil {
		f.logger.Error("persist device", "serial", d.Serial, "err", err)
	}
}
