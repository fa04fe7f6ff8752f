package monitor

import (
	"context"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"

	"safety-guardian/internal/models"
)

// Monitor owns the three signal sources of a monitoring session and the
// fused device state they write into
type Monitor struct {
	state   *models.DeviceState
	sources []Source

	wg sync.WaitGroup
}

// New creates a monitor wiring the battery, network and location sources
// to a fresh device state. Battery and network writes feed the emergency
// sink; location writes do not.
func New(redisClient *redis.Client, config *models.Config, sink EmergencySink) *Monitor {
	state := models.NewDeviceState()
	return &Monitor{
		state: state,
		sources: []Source{
			NewBatterySource(redisClient, state, sink),
			NewNetworkSource(redisClient, state, sink),
			NewLocationSource(redisClient, state, &config.Location),
		},
	}
}

// State returns the fused device state shared with the sources
func (m *Monitor) State() *models.DeviceState {
	return m.state
}

// Start launches every signal source
func (m *Monitor) Start(ctx context.Context) {
	log.Printf("[Monitor] Starting %d signal sources", len(m.sources))
	for _, src := range m.sources {
		m.wg.Add(1)
		go func(s Source) {
			defer m.wg.Done()
			s.Start(ctx)
		}(src)
	}
}

// Stop unsubscribes all sources and waits for their loops to exit.
// Safe to call more than once.
func (m *Monitor) Stop() {
	for _, src := range m.sources {
		src.Stop()
	}
	m.wg.Wait()
}
