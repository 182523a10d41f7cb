// Package command wraps outbound mower commands in the broker envelope and
// correlates them with asynchronous acknowledgements by id.
package command

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// retention is how long a pending entry survives after it was sent or
	// answered before a sweep removes it.
	retention = 24 * time.Hour

	// sweepCap is the pending-table size that forces a synchronous sweep
	// before a new command is admitted.
	sweepCap = 50

	// Envelope ids live above the broker's own packet-id range.
	idFloor = 1024
	idSpan  = 65535 - 1025
)

// Pending is one in-flight command awaiting acknowledgement.
type Pending struct {
	ID          uint16    `json:"id"`
	Cmd         int       `json:"cmd"`
	Serial      string    `json:"sn"`
	Action      string    `json:"action"`
	Origin      string    `json:"origin"`
	SentAt      time.Time `json:"sent_at"`
	RespondedAt time.Time `json:"responded_at,omitempty"`
}

// Correlator tracks in-flight commands keyed by generated envelope id.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint16]*Pending
	logger  *slog.Logger

	now    func() time.Time
	randID func() uint16
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[uint16]*Pending),
		logger:  logger.With("component", "correlator"),
		now:     time.Now,
		randID: func() uint16 {
			return uint16(idFloor + rand.IntN(idSpan))
		},
	}
}

// Envelope builds the wire envelope for a command: a generated id, the
// command code, language, serial, local wall-clock time and date, plus any
// merge fields. Mowers use the tm/dt fields to set their clock, so they must
// be in local time.
func (c *Correlator) Envelope(serial, language string, merge map[string]any) map[string]any {
	now := c.now()
	env := map[string]any{
		"id":  c.nextID(),
		"cmd": 0,
		"lg":  language,
		"sn":  serial,
		"tm":  now.Format("15:04:05"),
		"dt":  now.Format("02/01/2006"),
	}
	for k, v := range merge {
		env[k] = v
	}
	return env
}

// nextID picks an id not currently in flight.
func (c *Correlator) nextID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.randID()
	for i := 0; i < 8; i++ {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = c.randID()
	}
	return id
}

// Track admits an envelope into the pending table and returns the payload to
// publish. When the table exceeds its cap, stale entries are swept first.
// Heartbeats (cmd=0) occupy the table like any other command.
func (c *Correlator) Track(env map[string]any, action, origin string) ([]byte, uint16, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal envelope: %w", err)
	}
	id, _ := env["id"].(uint16)
	cmd := 0
	if n, ok := env["cmd"].(int); ok {
		cmd = n
	}
	serial, _ := env["sn"].(string)

	c.mu.Lock()
	if len(c.pending) > sweepCap {
		c.sweepLocked()
	}
	c.pending[id] = &Pending{
		ID:     id,
		Cmd:    cmd,
		Serial: serial,
		Action: action,
		Origin: origin,
		SentAt: c.now(),
	}
	c.mu.Unlock()

	return payload, id, nil
}

// OnAck merges a late acknowledgement into its pending entry. Unknown ids
// are logged and dropped, never treated as errors.
func (c *Correlator) OnAck(id uint16) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		p.RespondedAt = c.now()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("acknowledgement without matching command", "id", id)
		return false
	}
	c.logger.Debug("command acknowledged", "id", id, "action", p.Action)
	return true
}

// Sweep removes entries whose sent or responded timestamp predates the
// retention horizon. Safe to call with an empty table.
func (c *Correlator) Sweep() {
	c.mu.Lock()
	c.sweepLocked()
	c.mu.Unlock()
}

func (c *Correlator) sweepLocked() {
	cutoff := c.now().Add(-retention)
	for id, p := range c.pending {
		if (!p.SentAt.IsZero() && p.SentAt.Before(cutoff)) ||
			(!p.RespondedAt.IsZero() && p.RespondedAt.Before(cutoff)) {
			delete(c.pending, id)
		}
	}
}

// PendingCount returns the size of the pending table.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingCommands returns a snapshot of the table for observability.
func (c *Correlator) PendingCommands() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}
