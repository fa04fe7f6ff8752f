package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"

	"safety-guardian/internal/emergency"
	"safety-guardian/internal/events"
	"safety-guardian/internal/models"
	"safety-guardian/internal/monitor"
	"safety-guardian/internal/scheduler"
	"safety-guardian/internal/store"
	"safety-guardian/internal/syncer"
	"safety-guardian/internal/telegram"
	"safety-guardian/internal/utils"
)

// GuardianClient owns the Redis connection and wires the monitor,
// emergency pipeline, snapshot scheduler and sync worker together.
type GuardianClient struct {
	config      *models.Config
	redisClient *redis.Client
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	monitor    *monitor.Monitor
	detector   *emergency.Detector
	gate       *emergency.Gate
	rideClient *emergency.RideClient
	notifier   *telegram.Notifier
	scheduler  *scheduler.Scheduler
	syncRunner *syncer.Runner

	// Optional ops event channel
	mqttClient  mqtt.Client
	eventBuffer *events.Buffer

	netMu       sync.Mutex
	lastNetwork bool
}

// logMessenger is the escalation fallback when Telegram is disabled:
// the alert still reaches the journal.
type logMessenger struct{}

func (logMessenger) Notify(text string) {
	log.Printf("[Escalation] %s", strings.ReplaceAll(text, "\n", " | "))
}

// NewGuardianClient connects to Redis and assembles the monitoring
// pipeline. The config must have passed validation.
func NewGuardianClient(config *models.Config) (*GuardianClient, error) {
	ctx, cancel := context.WithCancel(context.Background())

	redisOptions, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	redisClient := redis.NewClient(redisOptions)
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		cancel()
		return nil, fmt.Errorf("redis connection failed: %v", err)
	}

	// Snapshot timestamps and the cooldown depend on wall time
	if err := utils.SyncTimeNTP(&config.NTP); err != nil {
		log.Printf("Warning: NTP sync failed: %v", err)
	}

	c := &GuardianClient{
		config:      config,
		redisClient: redisClient,
		ctx:         ctx,
		cancel:      cancel,
		lastNetwork: true,
	}

	var messenger emergency.Messenger = logMessenger{}
	if config.Telegram.Enabled {
		notifier, err := telegram.NewNotifier(&config.Telegram)
		if err != nil {
			log.Printf("Failed to initialize Telegram notifier: %v", err)
		} else {
			c.notifier = notifier
			messenger = notifier
			log.Println("Telegram notifier initialized")
		}
	}

	c.detector = emergency.NewDetector(c.escalate)
	c.monitor = monitor.New(redisClient, config, &fusionSink{c})

	cooldown, err := time.ParseDuration(config.Escalation.Cooldown)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid escalation cooldown: %v", err)
	}
	c.gate = emergency.NewGate(c.monitor.State(), messenger, cooldown)

	if config.SOS.Enabled {
		c.rideClient = emergency.NewRideClient(&config.SOS)
		log.Println("SOS ride client initialized")
	}

	snapshotStore := store.NewSnapshotStore(redisClient)

	worker, err := syncer.NewWorker(snapshotStore, &config.Snapshots)
	if err != nil {
		cancel()
		return nil, err
	}
	retryInterval, err := time.ParseDuration(config.Snapshots.RetryInterval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid retry interval: %v", err)
	}
	maxBackoff, err := time.ParseDuration(config.Snapshots.MaxBackoff)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid max backoff: %v", err)
	}
	c.syncRunner = syncer.NewRunner(worker, c.monitor.State().NetworkAvailable, retryInterval, maxBackoff)

	interval, err := time.ParseDuration(config.Snapshots.Interval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid snapshot interval: %v", err)
	}
	c.scheduler = scheduler.New(c.monitor.State(), snapshotStore, interval, c.syncRunner.Request)

	if config.MQTT.Enabled {
		c.eventBuffer = events.NewBuffer(config.MQTT.BufferPath, config.MQTT.MaxRetries)
		mqttClient, err := c.connectMQTT()
		if err != nil {
			// The ops channel is best-effort; events queue on disk until
			// a later run reaches the broker
			log.Printf("Warning: ops event channel unavailable: %v", err)
		} else {
			c.mqttClient = mqttClient
		}
	}

	return c, nil
}

// fusionSink receives fused signal changes from the monitor and feeds
// the emergency detector plus the sync and event plumbing
type fusionSink struct {
	c *GuardianClient
}

func (s *fusionSink) OnBattery(percent int) {
	s.c.detector.OnBattery(percent)
}

func (s *fusionSink) OnNetworkChange(available bool) {
	s.c.detector.OnNetworkChange(available)
	s.c.onNetworkChange(available)
}

// onNetworkChange publishes connectivity transitions and nudges the
// sync runner when the network comes back
func (c *GuardianClient) onNetworkChange(available bool) {
	c.netMu.Lock()
	changed := available != c.lastNetwork
	c.lastNetwork = available
	c.netMu.Unlock()

	if !changed {
		return
	}

	if available {
		log.Println("Network regained, requesting sync")
		c.syncRunner.Request()
		c.publishEvent(events.NewEvent(events.EventTypeConnectivity, events.StatusRegained, nil))
		return
	}
	c.publishEvent(events.NewEvent(events.EventTypeConnectivity, events.StatusLost, nil))
}

// escalate is the detector's callback. The gate decides whether this
// trigger becomes an outbound alert.
func (c *GuardianClient) escalate(reason string) {
	snap, fired := c.gate.TryEscalate(reason)
	if !fired {
		return
	}

	data := map[string]interface{}{
		"reason":  reason,
		"battery": snap.Battery,
		"network": snap.Network,
	}
	if snap.Lat != nil && snap.Lng != nil {
		data["lat"] = *snap.Lat
		data["lng"] = *snap.Lng
	}
	c.publishEvent(events.NewEvent(events.EventTypeEmergency, events.StatusTriggered, data))

	if c.rideClient != nil {
		go c.requestRide(snap)
	}
}

// requestRide asks the SOS service for emergency transport. A ride can
// only be requested with a location fix.
func (c *GuardianClient) requestRide(snap models.Snapshot) {
	if snap.Lat == nil || snap.Lng == nil {
		log.Println("Skipping SOS ride request: no location fix")
		return
	}

	if err := c.rideClient.RequestRide(c.ctx, snap); err != nil {
		log.Printf("SOS ride request failed: %v", err)
		c.publishEvent(events.NewEvent(events.EventTypeSOSRide, events.StatusFailed, map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	log.Println("SOS ride requested")
	c.publishEvent(events.NewEvent(events.EventTypeSOSRide, events.StatusRequested, nil))
}

// Start begins monitoring, snapshot capture and sync
func (c *GuardianClient) Start() error {
	if err := c.setTrackingActive(true); err != nil {
		return err
	}

	if c.notifier != nil {
		c.notifier.Start(c.ctx)
	}

	c.monitor.Start(c.ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.scheduler.Run(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.syncRunner.Run(c.ctx)
	}()

	// Drain anything left over from a previous run. Buffered events are
	// flushed by the MQTT connect handler, which covers the initial
	// connect as well as reconnects.
	c.syncRunner.Request()

	log.Printf("Guardian %s started", c.config.Device.Identifier)
	return nil
}

// Stop shuts the pipeline down. An in-flight sync attempt completes or
// fails on its own before the runner goroutine exits; the queue keeps
// anything unacknowledged.
func (c *GuardianClient) Stop() {
	if err := c.setTrackingActive(false); err != nil {
		log.Printf("Failed to clear tracking flag: %v", err)
	}

	if c.notifier != nil {
		log.Println("Stopping Telegram notifier...")
		c.notifier.Stop()
	}

	log.Println("Stopping monitor...")
	c.monitor.Stop()

	log.Println("Cancelling client context...")
	c.cancel()

	log.Println("Waiting for goroutines to finish...")
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		// LWT only covers unclean disconnects, announce explicitly
		statusTopic := fmt.Sprintf("guardians/%s/status", c.config.Device.Identifier)
		token := c.mqttClient.Publish(statusTopic, 1, true, `{"status": "disconnected"}`)
		if token.WaitTimeout(500*time.Millisecond) && token.Error() != nil {
			log.Printf("Failed to publish disconnected status: %v", token.Error())
		}
		log.Println("Disconnecting MQTT client...")
		c.mqttClient.Disconnect(500)
	}

	log.Println("Closing Redis client...")
	if err := c.redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("GuardianClient stopped.")
}

// setTrackingActive records whether the guardian is watching, so other
// platform services can surface it
func (c *GuardianClient) setTrackingActive(active bool) error {
	if err := c.redisClient.HSet(c.ctx, "system", "tracking-active", fmt.Sprintf("%t", active)).Err(); err != nil {
		return fmt.Errorf("failed to set tracking flag: %v", err)
	}
	if err := c.redisClient.Publish(c.ctx, "system", "tracking-active").Err(); err != nil {
		log.Printf("Failed to publish tracking flag change: %v", err)
	}
	return nil
}

// publishEvent sends an operational event over the ops channel, or
// buffers it when the broker is unreachable. With MQTT disabled events
// are dropped silently.
func (c *GuardianClient) publishEvent(event events.Event) {
	if !c.config.MQTT.Enabled {
		return
	}

	if c.mqttClient == nil || !c.mqttClient.IsConnectionOpen() {
		c.eventBuffer.Add(event)
		return
	}

	if err := c.sendEvent(c.mqttClient, event); err != nil {
		log.Printf("Failed to publish event %s: %v", event.EventType, err)
		c.eventBuffer.Add(event)
	}
}

// sendEvent publishes a single event to the broker. The client is
// passed in because the connect handler can run before connectMQTT
// has returned the client to the caller.
func (c *GuardianClient) sendEvent(mc mqtt.Client, event events.Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}

	topic := fmt.Sprintf("guardians/%s/events", c.config.Device.Identifier)
	token := mc.Publish(topic, 1, false, eventJSON)
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		if token.Error() != nil {
			return fmt.Errorf("failed to publish event: %v", token.Error())
		}
		return fmt.Errorf("failed to publish event: timeout")
	}

	log.Printf("Published event to %s: %s", topic, event.EventType)
	return nil
}

// connectMQTT establishes the optional ops event channel
func (c *GuardianClient) connectMQTT() (mqtt.Client, error) {
	keepAlive, err := time.ParseDuration(c.config.MQTT.KeepAlive)
	if err != nil {
		return nil, fmt.Errorf("could not parse keepalive interval: %v", err)
	}

	clientID := fmt.Sprintf("safety-guardian-%s", c.config.Device.Identifier)
	willTopic := fmt.Sprintf("guardians/%s/status", c.config.Device.Identifier)

	opts := mqtt.NewClientOptions().
		AddBroker(c.config.MQTT.BrokerURL).
		SetClientID(clientID).
		SetUsername(c.config.Device.Identifier).
		SetPassword(c.config.MQTT.Token).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(models.MQTTPublishTimeout).
		SetConnectTimeout(models.MQTTPublishTimeout).
		SetWriteTimeout(models.MQTTPublishTimeout).
		SetPingTimeout(models.MQTTPublishTimeout).
		SetCleanSession(false).
		SetWill(willTopic, `{"status": "disconnected"}`, 1, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("Ops channel connection lost: %v", err)
		}).
		SetOnConnectHandler(func(mc mqtt.Client) {
			log.Printf("Connected to MQTT broker at %s", c.config.MQTT.BrokerURL)

			token := mc.Publish(willTopic, 1, true, `{"status": "connected"}`)
			if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
				log.Printf("Failed to publish connection status: %v", token.Error())
			}

			if c.eventBuffer.Count() > 0 {
				go c.eventBuffer.Flush(func(e events.Event) error {
					return c.sendEvent(mc, e)
				})
			}
		})

	if utils.IsTLSURL(c.config.MQTT.BrokerURL) {
		tlsConfig, err := utils.CreateTLSConfig(c.config.MQTT.CACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	mqttClient := mqtt.NewClient(opts)
	token := mqttClient.Connect()
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			return nil, fmt.Errorf("connection timed out")
		}

		// A badly skewed clock breaks certificate validation; try once
		// more after correcting it
		if strings.Contains(err.Error(), "certificate has expired or is not yet valid") ||
			strings.Contains(err.Error(), "failed to verify certificate") {
			log.Printf("TLS certificate error: %v, attempting NTP sync...", err)
			if ntpErr := utils.SyncTimeNTP(&c.config.NTP); ntpErr == nil {
				token := mqttClient.Connect()
				if token.WaitTimeout(models.MQTTPublishTimeout) && token.Error() == nil {
					return mqttClient, nil
				}
				return nil, fmt.Errorf("connection failed after NTP sync: %v", token.Error())
			}
		}
		return nil, fmt.Errorf("connection failed: %v", err)
	}

	return mqttClient, nil
}
