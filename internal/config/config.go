package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// MQTT holds the broker connection settings shared by every binary.
type MQTT struct {
	BrokerURL            string
	ClientID             string
	Username             string
	Password             string
	CAFile               string
	CertFile             string
	KeyFile              string
	MaxReconnectInterval time.Duration
	RequestTimeout       time.Duration
}

// ServerConfig configures the shadow authority.
type ServerConfig struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration
	LogLevel    string
	MQTT        MQTT
}

// AgentConfig configures the device agent and the console.
type AgentConfig struct {
	DeviceName        string
	DeviceSecret      string
	WatchedDevices    []string
	WatchedProperties []string
	TelemetryTopic    string
	TelemetryInterval time.Duration
	CredentialsURL    string
	OperatorEmail     string
	OperatorPassword  string
	LogLevel          string
	MQTT              MQTT
}

func LoadServerConfig() (*ServerConfig, error) {
	expiry, err := parseDuration("JWT_EXPIRY", "1h")
	if err != nil {
		return nil, err
	}
	mqtt, err := loadMQTT("edgeshadow-server")
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   expiry,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MQTT:        *mqtt,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

func LoadAgentConfig() (*AgentConfig, error) {
	interval, err := parseDuration("TELEMETRY_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, errors.New("TELEMETRY_INTERVAL must be positive")
	}

	deviceName := os.Getenv("DEVICE_NAME")
	mqtt, err := loadMQTT(getEnv("DEVICE_NAME", "edgeshadow-agent"))
	if err != nil {
		return nil, err
	}

	cfg := &AgentConfig{
		DeviceName:        deviceName,
		DeviceSecret:      os.Getenv("DEVICE_SECRET"),
		WatchedDevices:    splitList(getEnv("WATCHED_DEVICES", "car1,car2")),
		WatchedProperties: splitList(getEnv("WATCHED_PROPERTIES", "lights")),
		TelemetryTopic:    getEnv("TELEMETRY_TOPIC", "lab/telemetry"),
		TelemetryInterval: interval,
		CredentialsURL:    os.Getenv("CREDENTIALS_URL"),
		OperatorEmail:     os.Getenv("OPERATOR_EMAIL"),
		OperatorPassword:  os.Getenv("OPERATOR_PASSWORD"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		MQTT:              *mqtt,
	}

	return cfg, nil
}

// RequireDevice checks the settings a device agent cannot run without.
func (c *AgentConfig) RequireDevice() error {
	if c.DeviceName == "" {
		return errors.New("DEVICE_NAME is required")
	}
	return nil
}

func loadMQTT(defaultClientID string) (*MQTT, error) {
	maxReconnect, err := parseDuration("MQTT_MAX_RECONNECT_INTERVAL", "8s")
	if err != nil {
		return nil, err
	}
	requestTimeout, err := parseDuration("SHADOW_REQUEST_TIMEOUT", "0s")
	if err != nil {
		return nil, err
	}

	m := &MQTT{
		BrokerURL:            os.Getenv("MQTT_BROKER_URL"),
		ClientID:             getEnv("MQTT_CLIENT_ID", defaultClientID),
		Username:             os.Getenv("MQTT_USERNAME"),
		Password:             os.Getenv("MQTT_PASSWORD"),
		CAFile:               os.Getenv("MQTT_CA_FILE"),
		CertFile:             os.Getenv("MQTT_CERT_FILE"),
		KeyFile:              os.Getenv("MQTT_KEY_FILE"),
		MaxReconnectInterval: maxReconnect,
		RequestTimeout:       requestTimeout,
	}
	if m.BrokerURL == "" {
		return nil, errors.New("MQTT_BROKER_URL is required")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		return nil, errors.New("MQTT_CERT_FILE and MQTT_KEY_FILE must be set together")
	}
	return m, nil
}

// TLSEnabled reports whether a client certificate or CA bundle was configured.
func (m *MQTT) TLSEnabled() bool {
	return m.CAFile != "" || m.CertFile != ""
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
