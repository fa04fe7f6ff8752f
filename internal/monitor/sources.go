package monitor

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/go-redis/redis/v8"

	"safety-guardian/internal/models"
	"safety-guardian/internal/utils"
)

// Redis hashes written by the platform signal providers. Each provider
// publishes the changed field name on the channel of the same name; the
// connectivity provider publishes "lost" when the active network goes away.
const (
	batteryHash  = "battery"
	networkHash  = "network"
	gpsHash      = "gps"
	gpsConfigKey = "gps:config"

	networkLostPayload = "lost"
)

// EmergencySink receives battery readings and network transitions for
// emergency rule evaluation
type EmergencySink interface {
	OnBattery(percent int)
	OnNetworkChange(available bool)
}

// Source is one platform signal stream feeding the device state
type Source interface {
	// Start subscribes and blocks until the context is cancelled or the
	// source is stopped
	Start(ctx context.Context)
	// Stop unsubscribes; stopping an unstarted or already-stopped source
	// is a no-op
	Stop()
}

// source holds the common subscription plumbing shared by all three
// signal sources
type source struct {
	redisClient *redis.Client
	state       *models.DeviceState

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newSource(redisClient *redis.Client, state *models.DeviceState) source {
	return source{
		redisClient: redisClient,
		state:       state,
		stopCh:      make(chan struct{}),
	}
}

func (s *source) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// subscribe runs the pub/sub receive loop for one channel, invoking
// handle for every message payload
func (s *source) subscribe(ctx context.Context, name, channel string, handle func(ctx context.Context, payload string)) {
	pubsub := s.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Printf("[%s] Subscribed to %q channel", name, channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Context cancelled, stopping", name)
			return
		case <-s.stopCh:
			log.Printf("[%s] Stop signal received, stopping", name)
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			handle(ctx, msg.Payload)
		}
	}
}

// BatterySource tracks the platform battery level
type BatterySource struct {
	source
	sink EmergencySink
}

// NewBatterySource creates a battery signal source
func NewBatterySource(redisClient *redis.Client, state *models.DeviceState, sink EmergencySink) *BatterySource {
	return &BatterySource{source: newSource(redisClient, state), sink: sink}
}

// Start subscribes to battery change notifications and blocks
func (b *BatterySource) Start(ctx context.Context) {
	b.subscribe(ctx, "BatterySource", batteryHash, b.handleChange)
}

func (b *BatterySource) handleChange(ctx context.Context, _ string) {
	fields, err := b.redisClient.HGetAll(ctx, batteryHash).Result()
	if err != nil {
		log.Printf("[BatterySource] Failed to read hash %s: %v", batteryHash, err)
		return
	}

	percent := batteryPercent(utils.ParseInt(fields["level"]), utils.ParseInt(fields["scale"]))
	b.state.SetBattery(percent)
	b.sink.OnBattery(percent)
}

// batteryPercent converts a raw level/scale pair to a percentage,
// BatteryUnknown when the provider reports garbage
func batteryPercent(level, scale int) int {
	if scale <= 0 || level < 0 {
		return models.BatteryUnknown
	}
	return int(math.Round(float64(level) / float64(scale) * 100))
}

// NetworkSource tracks platform connectivity
type NetworkSource struct {
	source
	sink EmergencySink
}

// NewNetworkSource creates a network signal source
func NewNetworkSource(redisClient *redis.Client, state *models.DeviceState, sink EmergencySink) *NetworkSource {
	return &NetworkSource{source: newSource(redisClient, state), sink: sink}
}

// Start subscribes to connectivity change notifications and blocks
func (n *NetworkSource) Start(ctx context.Context) {
	n.subscribe(ctx, "NetworkSource", networkHash, n.handleChange)
}

func (n *NetworkSource) handleChange(ctx context.Context, payload string) {
	available := false
	if payload != networkLostPayload {
		fields, err := n.redisClient.HGetAll(ctx, networkHash).Result()
		if err != nil {
			log.Printf("[NetworkSource] Failed to read hash %s: %v", networkHash, err)
			return
		}
		// Connected means the link claims internet access and the
		// platform has validated it
		available = utils.ParseBool(fields["internet"]) && utils.ParseBool(fields["validated"])
	}

	n.state.SetNetwork(available)
	n.sink.OnNetworkChange(available)
}

// LocationSource tracks the platform location fix
type LocationSource struct {
	source
	config *models.LocationConfig
}

// NewLocationSource creates a location signal source
func NewLocationSource(redisClient *redis.Client, state *models.DeviceState, config *models.LocationConfig) *LocationSource {
	return &LocationSource{source: newSource(redisClient, state), config: config}
}

// Start publishes the location request parameters for the provider, then
// subscribes to fix notifications and blocks
func (l *LocationSource) Start(ctx context.Context) {
	if err := l.requestUpdates(ctx); err != nil {
		log.Printf("[LocationSource] Failed to write location request: %v", err)
	}
	l.subscribe(ctx, "LocationSource", gpsHash, l.handleFix)
}

// requestUpdates tells the platform provider what stream we want:
// high accuracy, fixes every interval, never more often than min_interval
func (l *LocationSource) requestUpdates(ctx context.Context) error {
	if err := l.redisClient.HSet(ctx, gpsConfigKey, map[string]interface{}{
		"priority":     "high-accuracy",
		"interval":     l.config.Interval,
		"min-interval": l.config.MinInterval,
	}).Err(); err != nil {
		return err
	}
	return l.redisClient.Publish(ctx, gpsConfigKey, "request").Err()
}

func (l *LocationSource) handleFix(ctx context.Context, _ string) {
	fields, err := l.redisClient.HGetAll(ctx, gpsHash).Result()
	if err != nil {
		log.Printf("[LocationSource] Failed to read hash %s: %v", gpsHash, err)
		return
	}

	latStr, lngStr := fields["latitude"], fields["longitude"]
	if latStr == "" || lngStr == "" {
		return
	}

	// Latest fix wins, no smoothing
	l.state.SetLocation(utils.ParseFloat(latStr), utils.ParseFloat(lngStr))
}
