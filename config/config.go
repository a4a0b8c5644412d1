package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

const (
	DefaultTimezone      = "America/Los_Angeles"
	DefaultStatusLogPath = "log.txt"
)

// ErrMissingConfig is returned when the boot config file does not exist.
var ErrMissingConfig = errors.New("missing config file")

// Intervals holds the scheduler cadences.
type Intervals struct {
	Sampling    time.Duration
	Temperature time.Duration
	Beacon      time.Duration
	Sync        time.Duration
	Heartbeat   time.Duration
}

type Config struct {
	// Boot config file
	WifiSSID     string
	WifiPassword string
	ServiceURL   string
	Timezone     string

	// Host hardware
	I2CBus        string
	AccelAddr     uint16
	BarometerAddr uint16
	LEDPin        string
	LEDActiveLow  bool
	NetInterface  string

	// Storage
	EventLogPath     string
	StatusLogPath    string
	EventLogMaxLines int

	Intervals Intervals

	// Supervision
	WatchdogTimeout time.Duration
	WatchdogDevice  string
	FirmwarePath    string

	// Status beacon
	BeaconMQTTURL      string
	BeaconMQTTUser     string
	BeaconMQTTPassword string
	BeaconTopic        string
	BeaconAMQPURL      string
	BeaconAMQPExchange string

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
}

type bootFile struct {
	WifiSSID     *string `json:"wifi_ssid"`
	WifiPassword *string `json:"wifi_password"`
	ServiceURL   *string `json:"service_url"`
	Timezone     string  `json:"timezone"`
}

// LoadConfig reads the boot config file at path and the host settings
// from the environment (and .env, if present).
func LoadConfig(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingConfig, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var boot bootFile
	if err := json.Unmarshal(jsonc.ToJSON(raw), &boot); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var missing []string
	if boot.WifiSSID == nil {
		missing = append(missing, "wifi_ssid")
	}
	if boot.WifiPassword == nil {
		missing = append(missing, "wifi_password")
	}
	if boot.ServiceURL == nil {
		missing = append(missing, "service_url")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}

	config := &Config{
		WifiSSID:     *boot.WifiSSID,
		WifiPassword: *boot.WifiPassword,
		ServiceURL:   *boot.ServiceURL,
		Timezone:     boot.Timezone,

		I2CBus:        getEnv("I2C_BUS", ""),
		AccelAddr:     uint16(getEnvInt("ACCEL_ADDR", 0x69)),
		BarometerAddr: uint16(getEnvInt("BAROMETER_ADDR", 0x76)),
		LEDPin:        getEnv("LED_PIN", "GPIO17"),
		LEDActiveLow:  getEnvBool("LED_ACTIVE_LOW", true),
		NetInterface:  getEnv("NET_INTERFACE", ""),

		EventLogPath:     getEnv("EVENT_LOG_PATH", "vibrations_log.txt"),
		StatusLogPath:    getEnv("STATUS_LOG_PATH", DefaultStatusLogPath),
		EventLogMaxLines: getEnvInt("EVENT_LOG_MAX_LINES", 25),

		Intervals: Intervals{
			Sampling:    getEnvMillis("SAMPLING_INTERVAL_MS", 200*time.Millisecond),
			Temperature: getEnvMillis("TEMPERATURE_INTERVAL_MS", 60*time.Second),
			Beacon:      getEnvMillis("BEACON_INTERVAL_MS", 10*time.Second),
			Sync:        getEnvMillis("SYNC_INTERVAL_MS", 120*time.Second),
			Heartbeat:   getEnvMillis("HEARTBEAT_INTERVAL_MS", 240*time.Minute),
		},

		WatchdogTimeout: time.Duration(getEnvInt("WATCHDOG_TIMEOUT_S", 60)) * time.Second,
		WatchdogDevice:  getEnv("WATCHDOG_DEVICE", ""),
		FirmwarePath:    getEnv("FIRMWARE_PATH", ""),

		BeaconMQTTURL:      getEnv("BEACON_MQTT_URL", ""),
		BeaconMQTTUser:     getEnv("BEACON_MQTT_USER", ""),
		BeaconMQTTPassword: getEnv("BEACON_MQTT_PASSWORD", ""),
		BeaconTopic:        getEnv("BEACON_TOPIC", "vibenode"),
		BeaconAMQPURL:      getEnv("BEACON_AMQP_URL", ""),
		BeaconAMQPExchange: getEnv("BEACON_AMQP_EXCHANGE", "amq.topic"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
	if config.Timezone == "" {
		config.Timezone = DefaultTimezone
	}
	if config.EventLogMaxLines < 1 {
		return nil, fmt.Errorf("EVENT_LOG_MAX_LINES must be positive, got %d", config.EventLogMaxLines)
	}
	if config.Intervals.Sampling <= 0 {
		return nil, fmt.Errorf("SAMPLING_INTERVAL_MS must be positive")
	}

	return config, nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt accepts decimal or 0x-prefixed values (I2C addresses).
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 0, 64); err == nil {
			return int(n)
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if ms := getEnvInt(key, -1); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
