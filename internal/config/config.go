package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"safety-guardian/internal/models"
)

// ParseFlags parses command line flags and returns them as a struct
func ParseFlags() *models.CommandLineFlags {
	flags := &models.CommandLineFlags{}

	// Basic configuration
	flag.StringVar(&flags.ConfigPath, "config", "", "path to config file (defaults to safety-guardian.yml if not specified)")
	flag.StringVar(&flags.Identifier, "identifier", "", "device identifier")
	flag.StringVar(&flags.RedisURL, "redis-url", "redis://localhost:6379", "Redis URL")
	flag.BoolVar(&flags.Debug, "debug", false, "enable debug logging")

	// NTP configuration
	flag.BoolVar(&flags.NtpEnabled, "ntp-enabled", true, "enable NTP time synchronization")
	flag.StringVar(&flags.NtpServer, "ntp-server", "pool.ntp.org", "NTP server address")

	// Snapshot capture and collector sync
	flag.StringVar(&flags.CollectorURL, "collector-url", "", "snapshot collector endpoint URL")
	flag.StringVar(&flags.SnapshotEvery, "snapshot-interval", "30s", "interval between snapshot captures")
	flag.StringVar(&flags.RetryInterval, "sync-retry-interval", "1m", "base interval between sync retries")
	flag.StringVar(&flags.MaxBackoff, "sync-max-backoff", "15m", "cap for the sync retry backoff")

	// Escalation
	flag.StringVar(&flags.Cooldown, "escalation-cooldown", "10m", "minimum time between two escalations")

	flag.Parse()
	return flags
}

// LoadConfig loads configuration from file and/or command line flags
func LoadConfig(flags *models.CommandLineFlags) (*models.Config, string, error) {
	var config *models.Config

	// Try to load config file
	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = "safety-guardian.yml"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		config = &models.Config{}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %v", err)
		}
		log.Printf("Loaded configuration from %s", configPath)
	} else if flags.ConfigPath != "" {
		// Only return error if config file was explicitly specified
		return nil, "", fmt.Errorf("failed to read config file: %v", err)
	} else {
		config = &models.Config{
			Environment: "production",
			RedisURL:    "redis://127.0.0.1:6379",
			NTP: models.NTPConfig{
				Enabled: true,
				Server:  "pool.ntp.org",
			},
			Snapshots: models.SnapshotConfig{
				Interval:       "30s",
				ConnectTimeout: "10s",
				ReadTimeout:    "10s",
				RetryInterval:  "1m",
				MaxBackoff:     "15m",
			},
			Escalation: models.EscalationConfig{
				Cooldown: "10m",
			},
			Location: models.LocationConfig{
				Interval:    "10s",
				MinInterval: "5s",
			},
		}
	}

	// Override with command line flags
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "identifier":
			config.Device.Identifier = flags.Identifier
		case "redis-url":
			config.RedisURL = flags.RedisURL
		case "collector-url":
			config.Snapshots.CollectorURL = flags.CollectorURL
		case "snapshot-interval":
			config.Snapshots.Interval = flags.SnapshotEvery
		case "sync-retry-interval":
			config.Snapshots.RetryInterval = flags.RetryInterval
		case "sync-max-backoff":
			config.Snapshots.MaxBackoff = flags.MaxBackoff
		case "escalation-cooldown":
			config.Escalation.Cooldown = flags.Cooldown
		case "debug":
			config.Debug = flags.Debug
		case "ntp-enabled":
			config.NTP.Enabled = flags.NtpEnabled
		case "ntp-server":
			config.NTP.Server = flags.NtpServer
		}
	})

	if err := ValidateConfig(config); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %v", err)
	}

	return config, configPath, nil
}

// ValidateConfig validates configuration and fills in defaults
func ValidateConfig(config *models.Config) error {
	var errors []string

	if config.Device.Identifier == "" {
		errors = append(errors, "device identifier is required")
	}
	if config.Environment != "" && config.Environment != "production" && config.Environment != "development" {
		errors = append(errors, fmt.Sprintf("invalid environment: %s (must be 'production' or 'development')", config.Environment))
	}
	if config.RedisURL == "" {
		errors = append(errors, "redis URL is required")
	}
	if config.Snapshots.CollectorURL == "" {
		errors = append(errors, "snapshot collector URL is required")
	}

	// Snapshot defaults
	if config.Snapshots.Interval == "" {
		config.Snapshots.Interval = "30s"
	}
	if config.Snapshots.ConnectTimeout == "" {
		config.Snapshots.ConnectTimeout = "10s"
	}
	if config.Snapshots.ReadTimeout == "" {
		config.Snapshots.ReadTimeout = "10s"
	}
	if config.Snapshots.RetryInterval == "" {
		config.Snapshots.RetryInterval = "1m"
	}
	if config.Snapshots.MaxBackoff == "" {
		config.Snapshots.MaxBackoff = "15m"
	}

	// Escalation defaults
	if config.Escalation.Cooldown == "" {
		config.Escalation.Cooldown = "10m"
	}

	// Location request defaults
	if config.Location.Interval == "" {
		config.Location.Interval = "10s"
	}
	if config.Location.MinInterval == "" {
		config.Location.MinInterval = "5s"
	}

	// Messenger defaults
	if config.Telegram.Enabled {
		if config.Telegram.BotToken == "" {
			errors = append(errors, "telegram bot_token is required when telegram is enabled")
		}
		if config.Telegram.ChatID == "" {
			errors = append(errors, "telegram chat_id is required when telegram is enabled")
		}
		if config.Telegram.RateLimit == "" {
			config.Telegram.RateLimit = "5s"
		}
		if config.Telegram.QueueSize <= 0 {
			config.Telegram.QueueSize = 10
		}
	}

	// SOS ride request defaults
	if config.SOS.Enabled {
		if config.SOS.URL == "" {
			errors = append(errors, "sos url is required when sos is enabled")
		}
		if config.SOS.UserID == "" {
			config.SOS.UserID = "sos_user"
		}
	}

	// Ops event channel defaults
	if config.MQTT.Enabled {
		if config.MQTT.BrokerURL == "" {
			errors = append(errors, "mqtt broker_url is required when mqtt is enabled")
		}
		if config.MQTT.KeepAlive == "" {
			config.MQTT.KeepAlive = "30s"
		}
		if config.MQTT.MaxRetries <= 0 {
			config.MQTT.MaxRetries = 10
		}
		if config.MQTT.BufferPath == "" {
			config.MQTT.BufferPath = "/var/lib/safety-guardian/events-buffer.json"
		}
	}

	// Parse and validate durations
	durations := map[string]string{
		"snapshots.interval":        config.Snapshots.Interval,
		"snapshots.connect_timeout": config.Snapshots.ConnectTimeout,
		"snapshots.read_timeout":    config.Snapshots.ReadTimeout,
		"snapshots.retry_interval":  config.Snapshots.RetryInterval,
		"snapshots.max_backoff":     config.Snapshots.MaxBackoff,
		"escalation.cooldown":       config.Escalation.Cooldown,
		"location.interval":         config.Location.Interval,
		"location.min_interval":     config.Location.MinInterval,
	}
	if config.Telegram.Enabled {
		durations["telegram.rate_limit"] = config.Telegram.RateLimit
	}
	if config.MQTT.Enabled {
		durations["mqtt.keepalive"] = config.MQTT.KeepAlive
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			errors = append(errors, fmt.Sprintf("invalid %s: %v", name, err))
		}
	}

	// The provider cannot deliver fixes more often than its minimum
	if err := validateLocationIntervals(config); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *models.Config, configPath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %v", err)
	}

	// Create a backup of the existing config file if it exists
	if _, err := os.Stat(configPath); err == nil {
		backupPath := configPath + ".backup"
		if err := copyFile(configPath, backupPath); err != nil {
			log.Printf("Warning: failed to create backup of config file: %v", err)
		} else {
			log.Printf("Created backup of config file at %s", backupPath)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}

	log.Printf("Configuration saved to %s", configPath)
	return nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// validateLocationIntervals ensures min_interval <= interval
func validateLocationIntervals(config *models.Config) error {
	interval, err := time.ParseDuration(config.Location.Interval)
	if err != nil {
		return nil // Already caught by duration validation
	}
	minInterval, err := time.ParseDuration(config.Location.MinInterval)
	if err != nil {
		return nil
	}

	if minInterval > interval {
		return fmt.Errorf("location.min_interval (%s) must be <= location.interval (%s)",
			config.Location.MinInterval, config.Location.Interval)
	}

	return nil
}
