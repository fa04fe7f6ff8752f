package models

import (
	"sync"
	"time"
)

// MQTTPublishTimeout bounds every MQTT connect/publish wait
const MQTTPublishTimeout = 10 * time.Second

// CommandLineFlags contains all command-line options
type CommandLineFlags struct {
	ConfigPath string
	Identifier string
	RedisURL   string
	Debug      bool
	// NTP configuration
	NtpEnabled bool
	NtpServer  string
	// Collector sync options
	CollectorURL  string
	SnapshotEvery string
	RetryInterval string
	MaxBackoff    string
	// Escalation options
	Cooldown string
}

// Config represents the application configuration
type Config struct {
	Device      DeviceConfig     `yaml:"device"`
	Environment string           `yaml:"environment"`
	RedisURL    string           `yaml:"redis_url"`
	NTP         NTPConfig        `yaml:"ntp"`
	Snapshots   SnapshotConfig   `yaml:"snapshots"`
	Escalation  EscalationConfig `yaml:"escalation"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	SOS         SOSConfig        `yaml:"sos,omitempty"`
	MQTT        MQTTConfig       `yaml:"mqtt,omitempty"`
	Location    LocationConfig   `yaml:"location"`
	Debug       bool             `yaml:"debug,omitempty"`
}

// DeviceConfig identifies the monitored device
type DeviceConfig struct {
	Identifier string `yaml:"identifier"`
	Name       string `yaml:"name,omitempty"`
}

// NTPConfig contains NTP time synchronization configuration
type NTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
}

// SnapshotConfig controls periodic capture and collector sync
type SnapshotConfig struct {
	Interval       string `yaml:"interval"`
	CollectorURL   string `yaml:"collector_url"`
	ConnectTimeout string `yaml:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout"`
	RetryInterval  string `yaml:"retry_interval"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// EscalationConfig controls the emergency escalation policy
type EscalationConfig struct {
	Cooldown string `yaml:"cooldown"`
}

// TelegramConfig contains the escalation messenger settings
type TelegramConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChatID    string `yaml:"chat_id"`
	RateLimit string `yaml:"rate_limit"`
	QueueSize int    `yaml:"queue_size"`
}

// SOSConfig contains the emergency ride request endpoint settings
type SOSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	UserID  string `yaml:"user_id"`
}

// MQTTConfig contains the optional ops event channel settings
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrokerURL  string `yaml:"broker_url"`
	Token      string `yaml:"token,omitempty"`
	CACert     string `yaml:"ca_cert,omitempty"`
	KeepAlive  string `yaml:"keepalive"`
	BufferPath string `yaml:"buffer_path,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

// LocationConfig contains the location request parameters passed to the
// platform location provider
type LocationConfig struct {
	Interval    string `yaml:"interval"`
	MinInterval string `yaml:"min_interval"`
}

// BatteryUnknown is the sentinel for a battery level that has not been
// observed yet (or could not be read)
const BatteryUnknown = -1

// DeviceState is the live fused view of the device. It is shared by
// reference between the signal sources (each writing its own field
// subset), the emergency detector and the snapshot scheduler.
type DeviceState struct {
	mu sync.Mutex

	battery          int
	networkAvailable bool
	lat, lng         *float64
}

// NewDeviceState returns a state with no battery reading, no location fix
// and the network optimistically assumed available.
func NewDeviceState() *DeviceState {
	return &DeviceState{
		battery:          BatteryUnknown,
		networkAvailable: true,
	}
}

// SetBattery records the latest battery percentage
func (s *DeviceState) SetBattery(percent int) {
	s.mu.Lock()
	s.battery = percent
	s.mu.Unlock()
}

// SetNetwork records the latest network availability
func (s *DeviceState) SetNetwork(available bool) {
	s.mu.Lock()
	s.networkAvailable = available
	s.mu.Unlock()
}

// SetLocation records the latest location fix, last writer wins
func (s *DeviceState) SetLocation(lat, lng float64) {
	s.mu.Lock()
	s.lat, s.lng = &lat, &lng
	s.mu.Unlock()
}

// Battery returns the latest battery percentage, BatteryUnknown if none
func (s *DeviceState) Battery() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery
}

// NetworkAvailable returns the latest network availability
func (s *DeviceState) NetworkAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkAvailable
}

// Valid reports whether the state is complete enough to persist: a real
// battery reading and a location fix
func (s *DeviceState) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery != BatteryUnknown && s.lat != nil && s.lng != nil
}

// Capture returns a consistent snapshot of all fields taken at ts
func (s *DeviceState) Capture(ts time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Timestamp: ts.UnixMilli(),
		Battery:   s.battery,
		Network:   s.networkAvailable,
	}
	if s.lat != nil && s.lng != nil {
		lat, lng := *s.lat, *s.lng
		snap.Lat, snap.Lng = &lat, &lng
	}
	return snap
}

// Snapshot is an immutable point-in-time capture of the device state,
// queued for upload to the collector. Only Synced ever changes after
// insert, and only from false to true.
type Snapshot struct {
	LocalID   int64    `json:"local_id"`
	Timestamp int64    `json:"timestamp"` // ms since epoch
	Battery   int      `json:"battery"`
	Network   bool     `json:"network"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Synced    bool     `json:"synced"`
}

// SnapshotPayload is the wire shape of one snapshot in an upload batch
type SnapshotPayload struct {
	LocalID   int64    `json:"local_id"`
	Timestamp int64    `json:"timestamp"`
	Battery   int      `json:"battery"`
	Network   bool     `json:"network"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

// Payload maps a stored snapshot into its wire shape
func (s Snapshot) Payload() SnapshotPayload {
	return SnapshotPayload{
		LocalID:   s.LocalID,
		Timestamp: s.Timestamp,
		Battery:   s.Battery,
		Network:   s.Network,
		Lat:       s.Lat,
		Lng:       s.Lng,
	}
}

// SyncResponse is the collector's acknowledgement for an upload batch
type SyncResponse struct {
	AckedIDs []int64 `json:"acked_ids"`
}
