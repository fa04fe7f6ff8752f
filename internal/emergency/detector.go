package emergency

import (
	"log"
	"sync"
)

// Escalation reasons passed to the escalation callback
const (
	ReasonNetworkLost     = "network lost"
	ReasonCriticalBattery = "critical battery"
)

// criticalBatteryMax is the highest battery percentage that still counts
// as critical
const criticalBatteryMax = 10

// CriticalBattery reports whether a battery reading is critically low.
// 0 and unknown (-1) are treated as powered-off noise, not a reading.
func CriticalBattery(percent int) bool {
	return percent >= 1 && percent <= criticalBatteryMax
}

// NetworkLost reports whether connectivity just transitioned away.
// Edge-triggered: a sustained outage does not re-fire.
func NetworkLost(wasAvailable, isAvailable bool) bool {
	return wasAvailable && !isAvailable
}

// Detector evaluates the emergency rules on every battery and network
// write. The two rules are independent; both may fire on the same
// underlying transition and the escalation gate's cooldown is what keeps
// that from producing duplicate outbound messages.
type Detector struct {
	escalate func(reason string)

	mu            sync.Mutex
	lastAvailable bool
}

// NewDetector creates a detector invoking escalate for every rule that
// fires. The network is assumed available until the first signal.
func NewDetector(escalate func(reason string)) *Detector {
	return &Detector{
		escalate:      escalate,
		lastAvailable: true,
	}
}

// OnBattery evaluates the critical-battery rule for one reading
func (d *Detector) OnBattery(percent int) {
	if CriticalBattery(percent) {
		log.Printf("[EmergencyDetector] Critical battery: %d%%", percent)
		d.escalate(ReasonCriticalBattery)
	}
}

// OnNetworkChange evaluates the network-loss rule for one connectivity
// write
func (d *Detector) OnNetworkChange(available bool) {
	d.mu.Lock()
	was := d.lastAvailable
	d.lastAvailable = available
	d.mu.Unlock()

	if NetworkLost(was, available) {
		log.Printf("[EmergencyDetector] Network lost")
		d.escalate(ReasonNetworkLost)
	}
}
