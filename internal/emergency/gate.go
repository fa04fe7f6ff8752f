package emergency

import (
	"fmt"
	"log"
	"sync"
	"time"

	"safety-guardian/internal/models"
)

// Messenger delivers an escalation text to the configured contact.
// Enqueueing is non-blocking; delivery failures are reported by the
// messenger itself. Escalations are not retried here, the cooldown
// already rate-limits attempts.
type Messenger interface {
	Notify(text string)
}

// Gate applies the escalation cooldown. At most one outbound message per
// cooldown window; suppressed triggers are silent, not errors.
type Gate struct {
	state     *models.DeviceState
	messenger Messenger
	cooldown  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewGate creates an escalation gate that has never fired
func NewGate(state *models.DeviceState, messenger Messenger, cooldown time.Duration) *Gate {
	return &Gate{
		state:     state,
		messenger: messenger,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// TryEscalate fires an escalation unless one fired within the cooldown.
// Returns the captured state and true when a message was dispatched.
func (g *Gate) TryEscalate(reason string) (models.Snapshot, bool) {
	now := g.now()

	g.mu.Lock()
	if !g.last.IsZero() && now.Sub(g.last) < g.cooldown {
		remaining := g.cooldown - now.Sub(g.last)
		g.mu.Unlock()
		log.Printf("[EscalationGate] Suppressed (%s), cooldown for another %s", reason, remaining.Round(time.Second))
		return models.Snapshot{}, false
	}
	g.last = now
	g.mu.Unlock()

	snap := g.state.Capture(now)
	log.Printf("[EscalationGate] Escalating (%s)", reason)
	g.messenger.Notify(RenderMessage(snap))
	return snap, true
}

// RenderMessage builds the human-directed emergency text
func RenderMessage(snap models.Snapshot) string {
	network := "Available"
	if !snap.Network {
		network = "Lost"
	}

	location := "Location unavailable"
	if snap.Lat != nil && snap.Lng != nil {
		location = fmt.Sprintf("Lat: %v, Lng: %v", *snap.Lat, *snap.Lng)
	}

	return fmt.Sprintf("EMERGENCY ALERT\n\nBattery: %d%%\nInternet: %s\nLocation: %s\n\nPlease check on me.",
		snap.Battery, network, location)
}
