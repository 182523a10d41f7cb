package command

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestCorrelator() *Correlator {
	return NewCorrelator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnvelopeShape(t *testing.T) {
	c := newTestCorrelator()
	c.now = func() time.Time {
		return time.Date(2026, 8, 30, 9, 5, 7, 0, time.Local)
	}

	env := c.Envelope("WX001", "de", map[string]any{"cmd": 1})

	if env["sn"] != "WX001" || env["lg"] != "de" {
		t.Errorf("serial/language = %v/%v", env["sn"], env["lg"])
	}
	if env["cmd"] != 1 {
		t.Errorf("merge did not override cmd: %v", env["cmd"])
	}
	if env["tm"] != "09:05:07" {
		t.Errorf("tm = %v, want 09:05:07", env["tm"])
	}
	if env["dt"] != "30/08/2026" {
		t.Errorf("dt = %v, want 30/08/2026", env["dt"])
	}
	id, ok := env["id"].(uint16)
	if !ok || id < 1024 {
		t.Errorf("id = %v, want uint16 >= 1024", env["id"])
	}
}

func TestTrackAndAck(t *testing.T) {
	c := newTestCorrelator()
	env := c.Envelope("WX001", "en", map[string]any{"cmd": 3})

	payload, id, err := c.Track(env, "Home", "flow")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingCount())
	}

	if !c.OnAck(id) {
		t.Fatal("ack for tracked id not recognized")
	}
	cmds := c.PendingCommands()
	if len(cmds) != 1 || cmds[0].RespondedAt.IsZero() {
		t.Errorf("responded timestamp not merged: %+v", cmds)
	}
}

func TestAckUnknownIDDropped(t *testing.T) {
	c := newTestCorrelator()
	if c.OnAck(2048) {
		t.Fatal("unknown ack must be dropped")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", c.PendingCount())
	}
}

func TestSweepPastRetention(t *testing.T) {
	c := newTestCorrelator()
	current := time.Now()
	c.now = func() time.Time { return current }

	env := c.Envelope("WX001", "en", map[string]any{"cmd": 1})
	_, id, err := c.Track(env, "Start", "app")
	if err != nil {
		t.Fatal(err)
	}
	c.OnAck(id)

	// Within the horizon nothing is removed.
	current = current.Add(23 * time.Hour)
	c.Sweep()
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1 before horizon", c.PendingCount())
	}

	current = current.Add(2 * time.Hour)
	c.Sweep()
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 after horizon", c.PendingCount())
	}
}

func TestSweepEmptyTable(t *testing.T) {
	c := newTestCorrelator()
	c.Sweep() // must not panic
}

func TestCapTriggersSweepBeforeAdmission(t *testing.T) {
	c := newTestCorrelator()
	current := time.Now()
	c.now = func() time.Time { return current }

	for i := 0; i < 51; i++ {
		env := c.Envelope("WX001", "en", nil)
		if _, _, err := c.Track(env, "Poll", "heartbeat"); err != nil {
			t.Fatal(err)
		}
	}
	if c.PendingCount() != 51 {
		t.Fatalf("pending = %d, want 51", c.PendingCount())
	}

	// Age everything past the horizon; the next Track sweeps first.
	current = current.Add(25 * time.Hour)
	env := c.Envelope("WX001", "en", nil)
	if _, _, err := c.Track(env, "Poll", "heartbeat"); err != nil {
		t.Fatal(err)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1 after cap sweep", c.PendingCount())
	}
}

func TestIDCollisionAvoidance(t *testing.T) {
	c := newTestCorrelator()
	ids := []uint16{2000, 2000, 2001}
	i := 0
	c.randID = func() uint16 {
		id := ids[i%len(ids)]
		i++
		return id
	}

	env := c.Envelope("WX001", "en", nil)
	if _, _, err := c.Track(env, "Poll", "heartbeat"); err != nil {
		t.Fatal(err)
	}
	env2 := c.Envelope("WX001", "en", nil)
	if env2["id"].(uint16) != 2001 {
		t.Errorf("id = %v, want 2001 (collision skipped)", env2["id"])
	}
}
