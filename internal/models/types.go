package models

import "time"

// MQTTPublishTimeout bounds every MQTT token wait so a dead broker
// connection cannot stall a publisher goroutine.
const MQTTPublishTimeout = 10 * time.Second

// MaxConsecutivePublishFailures is the number of failed publishes after
// which a full MQTT reconnect cycle is forced.
const MaxConsecutivePublishFailures = 5

// CommandLineFlags contains all command-line options
type CommandLineFlags struct {
	ConfigPath    string
	Identifier    string
	Token         string
	MqttBrokerURL string
	MqttCACert    string
	MqttKeepAlive string
	RedisURL      string
	Environment   string
	Debug         bool
	// NTP configuration
	NtpEnabled bool
	NtpServer  string
	// Shift table
	TablePath string
	// Engine tuning
	ResetMargin     float64
	MinFireInterval string
	// Telemetry intervals
	PollInterval string
	LiveInterval string
	IdleInterval string
	// HTTP API
	HTTPListen string
}

// Config represents the application configuration
type Config struct {
	Rig         RigConfig          `yaml:"rig"`
	Environment string             `yaml:"environment"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	NTP         NTPConfig          `yaml:"ntp"`
	RedisURL    string             `yaml:"redis_url"`
	Table       TableConfig        `yaml:"table"`
	Engine      EngineConfig       `yaml:"engine"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Events      EventsConfig       `yaml:"events"`
	HTTP        HTTPConfig         `yaml:"http"`
	Store       StoreConfig        `yaml:"store"`
	Discord     DiscordConfig      `yaml:"discord"`
	Commands    map[string]Command `yaml:"commands"`
	Debug       bool               `yaml:"debug,omitempty"`
}

// RigConfig identifies this rig against the broker
type RigConfig struct {
	Identifier string `yaml:"identifier"`
	Token      string `yaml:"token"`
}

// MQTTConfig contains MQTT configuration
type MQTTConfig struct {
	BrokerURL      string `yaml:"broker_url"`
	CACert         string `yaml:"ca_cert"`
	CACertEmbedded string `yaml:"ca_cert_embedded,omitempty"`
	KeepAlive      string `yaml:"keepalive"`
}

// NTPConfig contains NTP time synchronization configuration
type NTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
}

// TableConfig locates the shift table document
type TableConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the alert decision engine
type EngineConfig struct {
	// ResetMargin is how far RPM must drop below the threshold before a
	// gear re-arms. 0 re-arms as soon as RPM is below the threshold.
	ResetMargin float64 `yaml:"reset_margin"`
	// MinFireInterval is the minimum spacing between fired alerts.
	// "0s" disables the limit.
	MinFireInterval string `yaml:"min_fire_interval"`
}

// TelemetryConfig contains poll and publish configuration
type TelemetryConfig struct {
	PollInterval string             `yaml:"poll_interval"`
	Intervals    TelemetryIntervals `yaml:"intervals"`
	Priorities   PriorityConfig     `yaml:"priorities"`
	Buffer       BufferConfig       `yaml:"buffer,omitempty"`
}

// TelemetryIntervals contains snapshot publish intervals per connection state
type TelemetryIntervals struct {
	Live string `yaml:"live"`
	Idle string `yaml:"idle"`
}

// PriorityConfig contains flush deadlines per change priority
type PriorityConfig struct {
	Immediate string `yaml:"immediate"`
	Quick     string `yaml:"quick"`
	Medium    string `yaml:"medium"`
	Slow      string `yaml:"slow"`
}

// BufferConfig contains snapshot buffer configuration used while the
// broker is unreachable
type BufferConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxSize       int    `yaml:"max_size"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryInterval string `yaml:"retry_interval"`
	PersistPath   string `yaml:"persist_path,omitempty"`
}

// EventsConfig contains the event detector configuration
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BufferPath    string `yaml:"buffer_path"`
	MaxBuffered   int    `yaml:"max_buffered"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryInterval string `yaml:"retry_interval"`
}

// HTTPConfig contains the local API listener configuration
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig contains the optional alert journal configuration
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// DiscordConfig contains the webhook notifier configuration
type DiscordConfig struct {
	Enabled     bool     `yaml:"enabled"`
	WebhookURL  string   `yaml:"webhook_url,omitempty"`
	RateLimit   string   `yaml:"rate_limit"`
	MinInterval string   `yaml:"min_interval"`
	EventTypes  []string `yaml:"event_types,omitempty"`
}

// Command represents a remote command configuration
type Command struct {
	Disabled bool                   `yaml:"disabled"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
}

// FlagState classifies the session flag for alert suppression
type FlagState string

const (
	FlagGreen   FlagState = "green"
	FlagCaution FlagState = "caution"
	FlagOther   FlagState = "other"
)

// ConnState is the bridge connection state
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnWaiting      ConnState = "waiting"
	ConnConnected    ConnState = "connected"
)

// TelemetrySample is one tick of live data as read from the sim bridge.
// Gear 0 is the neutral/reverse sentinel. Immutable once built.
type TelemetrySample struct {
	RPM         float64   `json:"rpm"`
	Gear        int       `json:"gear"`
	CarID       string    `json:"car_id"`
	CarName     string    `json:"car_name,omitempty"`
	FlagState   FlagState `json:"flag_state"`
	RawFlags    uint32    `json:"raw_flags"`
	Speed       float64   `json:"speed"`
	Lap         int       `json:"lap"`
	Track       string    `json:"track,omitempty"`
	SessionTime float64   `json:"session_time"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertEvent is the payload handed to every alert sink on a fired alert
type AlertEvent struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	CarID        string  `json:"car_id"`
	CarName      string  `json:"car_name,omitempty"`
	Gear         int     `json:"gear"`
	RPM          float64 `json:"rpm"`
	ThresholdRPM float64 `json:"threshold_rpm"`
	Lap          int     `json:"lap"`
	Timestamp    string  `json:"timestamp"`
}

// SessionInfo describes the tracked session for snapshots and /status
type SessionInfo struct {
	Connection  ConnState `json:"connection"`
	SessionID   string    `json:"session_id,omitempty"`
	CarID       string    `json:"car_id,omitempty"`
	CarName     string    `json:"car_name,omitempty"`
	Track       string    `json:"track,omitempty"`
	FlagState   FlagState `json:"flag_state"`
	Paused      bool      `json:"paused"`
	SessionTime float64   `json:"session_time"`
}

// VehicleInfo is the live vehicle portion of a snapshot
type VehicleInfo struct {
	RPM          float64 `json:"rpm"`
	Gear         int     `json:"gear"`
	Speed        float64 `json:"speed"`
	Lap          int     `json:"lap"`
	ThresholdRPM float64 `json:"threshold_rpm,omitempty"`
}

// AlertCounters summarizes engine activity for snapshots and /status
type AlertCounters struct {
	Fired      int64 `json:"fired"`
	Suppressed int64 `json:"suppressed"`
	Samples    int64 `json:"samples"`
}

// TelemetryData is the snapshot payload published to the broker
type TelemetryData struct {
	Version      int           `json:"version"`
	BuildVersion string        `json:"build_version,omitempty"`
	Session      SessionInfo   `json:"session"`
	Vehicle      VehicleInfo   `json:"vehicle"`
	Alerts       AlertCounters `json:"alerts"`
	TableVersion int64         `json:"table_version"`
	Timestamp    string        `json:"timestamp"`
}

// BufferedSnapshot is one snapshot held while the broker is unreachable
type BufferedSnapshot struct {
	Data      *TelemetryData `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Attempts  int            `json:"attempts"`
}

// SnapshotBuffer accumulates snapshots across broker outages
type SnapshotBuffer struct {
	Events    []BufferedSnapshot `json:"events"`
	BatchID   string             `json:"batch_id"`
	CreatedAt time.Time          `json:"created_at"`
}

// SnapshotBatch is the batched payload replayed after an outage
type SnapshotBatch struct {
	BatchID   string          `json:"batch_id"`
	Count     int             `json:"count"`
	Events    []TelemetryData `json:"events"`
	Timestamp string          `json:"timestamp"`
}

// CommandMessage represents an incoming command
type CommandMessage struct {
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params"`
	Timestamp int64                  `json:"timestamp"`
	RequestID string                 `json:"request_id"`
}

// CommandResponse represents a command response
type CommandResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id"`
}
