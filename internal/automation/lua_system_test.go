//go:build !no_automation

package automation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// newBareEngine builds an Engine with just enough state to register the
// system and telegram modules against a standalone Lua state.
func newBareEngine() *Engine {
	return &Engine{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		systemCfg:   SystemConfig{},
		telegramCfg: TelegramConfig{},
	}
}

func newSystemState(t *testing.T, e *Engine) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, e)
	return L
}

func TestSystemDatetimeComponents(t *testing.T) {
	L := newSystemState(t, newBareEngine())

	tests := []struct {
		component string
		wantType  lua.LValueType
	}{
		{"hour", lua.LTNumber},
		{"minute", lua.LTNumber},
		{"second", lua.LTNumber},
		{"weekday", lua.LTNumber},
		{"day", lua.LTNumber},
		{"month", lua.LTNumber},
		{"year", lua.LTNumber},
		{"timestamp", lua.LTNumber},
		{"time_str", lua.LTString},
		{"date_str", lua.LTString},
	}

	for _, tt := range tests {
		L.SetGlobal("component", lua.LString(tt.component))
		if err := L.DoString(`result = system.datetime(component)`); err != nil {
			t.Fatalf("datetime(%q): %v", tt.component, err)
		}
		if got := L.GetGlobal("result").Type(); got != tt.wantType {
			t.Errorf("datetime(%q) type = %v, want %v", tt.component, got, tt.wantType)
		}
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := newSystemState(t, newBareEngine())

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Fatal("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L := newSystemState(t, newBareEngine())

	// Ranges are built around the current hour so the expected result is
	// deterministic regardless of when the test runs.
	h := time.Now().Hour()
	wrap := func(n int) int { return ((n % 24) + 24) % 24 }

	tests := []struct {
		name     string
		from, to int
		want     lua.LValue
	}{
		{"inside normal range", h, wrap(h + 1), lua.LTrue},
		{"inside wrapped range", wrap(h - 4), wrap(h - 8), lua.LTrue},
		{"outside range", wrap(h + 2), wrap(h + 3), lua.LFalse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L.SetGlobal("from", lua.LNumber(tt.from))
			L.SetGlobal("to", lua.LNumber(tt.to))
			if err := L.DoString(`result = system.time_between(from, to)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result"); got != tt.want {
				t.Errorf("time_between(%d, %d) at hour %d = %v, want %v", tt.from, tt.to, h, got, tt.want)
			}
		})
	}
}

func TestSystemExecPolicy(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
	}{
		{"empty allowlist", nil, "/bin/echo hi"},
		{"relative path", []string{"/bin/echo"}, "echo hi"},
		{"binary not listed", []string{"/usr/bin/echo"}, "/usr/bin/ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newBareEngine()
			e.systemCfg.ExecAllowlist = tt.allowlist
			L := newSystemState(t, e)

			L.SetGlobal("cmd", lua.LString(tt.cmd))
			if err := L.DoString(`result = system.exec(cmd)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result"); got != lua.LString("") {
				t.Errorf("blocked exec returned %q, want empty string", got)
			}
		})
	}
}

func TestSystemExecAllowlisted(t *testing.T) {
	e := newBareEngine()
	e.systemCfg.ExecAllowlist = []string{"/bin/echo"}
	L := newSystemState(t, e)

	if err := L.DoString(`result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("result"); got != lua.LString("hello\n") {
		t.Errorf("exec returned %q, want %q", got, "hello\n")
	}
}

func TestTelegramSendUnconfigured(t *testing.T) {
	e := newBareEngine()
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerTelegramModule(L, e)

	// No token, no chats: the call is a logged no-op.
	if err := L.DoString(`telegram.send("mower stuck")`); err != nil {
		t.Fatal(err)
	}
}
