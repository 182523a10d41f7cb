//go:build !no_automation

package automation

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"mower-go-home/internal/events"
	"mower-go-home/internal/store"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommander) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeCommander) SendCommand(serial string, code int) error {
	f.record(fmt.Sprintf("command %s %d", serial, code))
	return nil
}

func (f *fakeCommander) SendPartyMode(serial string, on bool) error {
	f.record(fmt.Sprintf("party %s %v", serial, on))
	return nil
}

func (f *fakeCommander) SendEdgeCut(serial string) error {
	f.record("edgecut " + serial)
	return nil
}

func (f *fakeCommander) SendZonePercentages(serial string, percents []int) error {
	f.record("zones " + serial)
	return nil
}

func (f *fakeCommander) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestEngine(t *testing.T) (*Engine, *fakeCommander, store.Store) {
	t.Helper()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cmdr := &fakeCommander{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewEventBus(logger)

	e := NewEngine(bus, db, cmdr, mgr, logger, SystemConfig{}, TelegramConfig{})
	return e, cmdr, db
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`mower.log("hello")
mower.log("world")`)

	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "hello" || res.Logs[1] != "world" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, cmdr, _ := newTestEngine(t)

	res := e.RunLuaCode(`
mower.on("status_changed", {serial = "WX1001"}, function(event)
	mower.log("got " .. event.type)
	mower.home(event.serial)
end)`)

	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "got status_changed" {
		t.Errorf("logs = %v", res.Logs)
	}
	calls := cmdr.callList()
	if len(calls) != 1 || calls[0] != "command WX1001 3" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for _, code := range []string{
		`os.execute("ls")`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
		`dofile("/tmp/x.lua")`,
	} {
		res := e.RunLuaCode(code)
		if res.OK {
			t.Errorf("sandbox let through: %s", code)
		}
	}
}

func TestRunLuaCodeGetDeviceValue(t *testing.T) {
	e, _, db := newTestEngine(t)

	if err := db.SaveDevice(&store.Device{
		Serial: "WX1001",
		Status: "1",
		Online: true,
		Values: map[string]float64{"battery_percent": 42},
	}); err != nil {
		t.Fatal(err)
	}

	res := e.RunLuaCode(`
local pct = mower.get("WX1001", "battery_percent")
mower.log("battery " .. pct)
if mower.get("WX1001", "status") ~= "1" then
	error("wrong status")
end
if mower.get("nope", "battery_percent") ~= nil then
	error("missing device should be nil")
end`)

	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "battery 42" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeDevices(t *testing.T) {
	e, _, db := newTestEngine(t)

	for _, serial := range []string{"WX1001", "WX1002"} {
		if err := db.SaveDevice(&store.Device{Serial: serial, Source: "cloud"}); err != nil {
			t.Fatal(err)
		}
	}

	res := e.RunLuaCode(`
local list = mower.devices()
mower.log("count " .. #list)`)

	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "count 2" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeHandlerLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var b strings.Builder
	for i := 0; i <= maxHandlersPerScript; i++ {
		b.WriteString(`mower.on("status_changed", {}, function() end)` + "\n")
	}

	res := e.RunLuaCode(b.String())
	if res.OK {
		t.Fatal("expected handler limit error")
	}
	if !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestEngineDispatchesBusEvents(t *testing.T) {
	e, cmdr, _ := newTestEngine(t)

	_, err := e.manager.Save(&Script{
		Meta: ScriptMeta{Name: "Rain Guard", Enabled: true},
		LuaCode: `mower.on("value_changed", {serial = "WX1001", field = "battery_percent"}, function(event)
	if event.value < 20 then
		mower.home(event.serial)
	end
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	e.bus.Emit(events.Event{
		Type:   events.EventValueChanged,
		Serial: "WX1001",
		Data:   map[string]any{"field": "battery_percent", "value": 15.0},
	})
	// Non-matching serial must not trigger.
	e.bus.Emit(events.Event{
		Type:   events.EventValueChanged,
		Serial: "WX1002",
		Data:   map[string]any{"field": "battery_percent", "value": 5.0},
	})

	waitFor(t, func() bool {
		calls := cmdr.callList()
		return len(calls) == 1 && calls[0] == "command WX1001 3"
	})
}

func TestErrorFilterWildcardDispatch(t *testing.T) {
	e, cmdr, _ := newTestEngine(t)

	_, err := e.manager.Save(&Script{
		Meta: ScriptMeta{Name: "Any Error Dock", Enabled: true},
		LuaCode: `mower.on("error_changed", {serial = "WX1001", error = "99"}, function(event)
	mower.home(event.serial)
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	// Clearing the error must not trigger the any-error handler.
	e.bus.Emit(events.Event{Type: events.EventErrorChanged, Serial: "WX1001", Data: "0"})
	e.bus.Emit(events.Event{Type: events.EventErrorChanged, Serial: "WX1001", Data: "5"})

	waitFor(t, func() bool { return len(cmdr.callList()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	calls := cmdr.callList()
	if len(calls) != 1 || calls[0] != "command WX1001 3" {
		t.Fatalf("calls = %v, want a single dock command", calls)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		event   events.Event
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "value_changed", serial: "WX1001", field: "battery_percent"},
			events.Event{Type: "value_changed", Serial: "WX1001", Data: map[string]any{"field": "battery_percent"}},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "value_changed"},
			events.Event{Type: "status_changed"},
			false,
		},
		{
			"serial mismatch",
			luaEventHandler{eventType: "value_changed", serial: "WX1001"},
			events.Event{Type: "value_changed", Serial: "WX1002"},
			false,
		},
		{
			"field mismatch",
			luaEventHandler{eventType: "value_changed", field: "battery_percent"},
			events.Event{Type: "value_changed", Data: map[string]any{"field": "wifi_rssi"}},
			false,
		},
		{
			"field filter on scalar payload",
			luaEventHandler{eventType: "status_changed", field: "battery_percent"},
			events.Event{Type: "status_changed", Data: "1"},
			false,
		},
		{
			"status exact code",
			luaEventHandler{eventType: "status_changed", status: "7"},
			events.Event{Type: "status_changed", Serial: "WX1001", Data: "7"},
			true,
		},
		{
			"status code mismatch",
			luaEventHandler{eventType: "status_changed", status: "7"},
			events.Event{Type: "status_changed", Serial: "WX1001", Data: "1"},
			false,
		},
		{
			"status wildcard matches any",
			luaEventHandler{eventType: "status_changed", status: "99"},
			events.Event{Type: "status_changed", Serial: "WX1001", Data: "34"},
			true,
		},
		{
			"error wildcard matches real error",
			luaEventHandler{eventType: "error_changed", errorCode: "99"},
			events.Event{Type: "error_changed", Serial: "WX1001", Data: "5"},
			true,
		},
		{
			"error wildcard excludes no-error",
			luaEventHandler{eventType: "error_changed", errorCode: "99"},
			events.Event{Type: "error_changed", Serial: "WX1001", Data: "0"},
			false,
		},
		{
			"no filters match any serial",
			luaEventHandler{eventType: "status_changed"},
			events.Event{Type: "status_changed", Serial: "WX1001", Data: "7"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.event); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"float32", float32(1.5), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"field": "battery_percent", "value": 87.0}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if s, ok := tbl.RawGetString("field").(lua.LString); !ok || string(s) != "battery_percent" {
		t.Errorf("map[field] = %v", tbl.RawGetString("field"))
	}
	if n, ok := tbl.RawGetString("value").(lua.LNumber); !ok || float64(n) != 87 {
		t.Errorf("map[value] = %v", tbl.RawGetString("value"))
	}
}
