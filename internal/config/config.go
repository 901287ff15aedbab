package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"shiftbeep/internal/models"
	"shiftbeep/internal/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ParseFlags parses command line flags and returns them as a struct
func ParseFlags() *models.CommandLineFlags {
	flags := &models.CommandLineFlags{}

	// Basic configuration
	flag.StringVar(&flags.ConfigPath, "config", "", "path to config file (defaults to shiftbeep.yml if not specified)")
	flag.StringVar(&flags.Environment, "environment", "", "environment (production or development)")
	flag.StringVar(&flags.Identifier, "identifier", "", "rig identifier (MQTT username)")
	flag.StringVar(&flags.Token, "token", "", "authentication token (MQTT password)")
	flag.StringVar(&flags.MqttBrokerURL, "mqtt-broker", "", "MQTT broker URL")
	flag.StringVar(&flags.MqttCACert, "mqtt-cacert", "", "path to MQTT CA certificate")
	flag.StringVar(&flags.MqttKeepAlive, "mqtt-keepalive", "30s", "MQTT keepalive duration")
	flag.StringVar(&flags.RedisURL, "redis-url", "redis://localhost:6379", "Redis URL of the sim bridge")
	flag.BoolVar(&flags.Debug, "debug", false, "enable debug logging")

	// NTP configuration
	flag.BoolVar(&flags.NtpEnabled, "ntp-enabled", true, "enable NTP time synchronization")
	flag.StringVar(&flags.NtpServer, "ntp-server", "pool.ntp.org", "NTP server address")

	// Shift table and engine
	flag.StringVar(&flags.TablePath, "table", "shift_table.json", "path to the shift table JSON file")
	flag.Float64Var(&flags.ResetMargin, "reset-margin", 0, "RPM the needle must drop below the threshold before re-arming")
	flag.StringVar(&flags.MinFireInterval, "min-fire-interval", "0s", "minimum spacing between fired alerts")

	// Telemetry intervals
	flag.StringVar(&flags.PollInterval, "poll-interval", "50ms", "sim bridge poll interval")
	flag.StringVar(&flags.LiveInterval, "live-interval", "1s", "snapshot publish interval during a session")
	flag.StringVar(&flags.IdleInterval, "idle-interval", "30s", "snapshot publish interval while idle")

	// HTTP API
	flag.StringVar(&flags.HTTPListen, "http-listen", "", "local HTTP API listen address (empty to disable)")

	flag.Parse()
	return flags
}

// LoadConfig loads configuration from file and/or command line flags
func LoadConfig(flags *models.CommandLineFlags) (*models.Config, string, error) {
	var config *models.Config

	// Secrets may live in a .env next to the binary
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	// Try to load config file
	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = "shiftbeep.yml"
	}

	// Try to read the config file
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
		config = DefaultConfig()
	}

	// Override with command line flags
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "identifier":
			config.Rig.Identifier = flags.Identifier
		case "token":
			config.Rig.Token = flags.Token
		case "environment":
			config.Environment = flags.Environment
		case "mqtt-broker":
			config.MQTT.BrokerURL = flags.MqttBrokerURL
		case "mqtt-cacert":
			config.MQTT.CACert = flags.MqttCACert
		case "mqtt-keepalive":
			config.MQTT.KeepAlive = flags.MqttKeepAlive
		case "redis-url":
			config.RedisURL = flags.RedisURL
		case "table":
			config.Table.Path = flags.TablePath
		case "reset-margin":
			config.Engine.ResetMargin = flags.ResetMargin
		case "min-fire-interval":
			config.Engine.MinFireInterval = flags.MinFireInterval
		case "poll-interval":
			config.Telemetry.PollInterval = flags.PollInterval
		case "live-interval":
			config.Telemetry.Intervals.Live = flags.LiveInterval
		case "idle-interval":
			config.Telemetry.Intervals.Idle = flags.IdleInterval
		case "http-listen":
			config.HTTP.Listen = flags.HTTPListen
		case "debug":
			config.Debug = flags.Debug
		case "ntp-enabled":
			config.NTP.Enabled = flags.NtpEnabled
		case "ntp-server":
			config.NTP.Server = flags.NtpServer
		}
	})

	applyEnvOverrides(config)

	// Fall back to the machine ID so a rig image works without per-host config
	if config.Rig.Identifier == "" {
		if id, err := utils.ReadMachineID(); err == nil {
			config.Rig.Identifier = id
			log.Printf("Auto-detected rig identifier from machine ID: %s", id)
		}
	}

	// Validate the final configuration
	if err := ValidateConfig(config); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %v", err)
	}

	return config, configPath, nil
}

// DefaultConfig returns a configuration with all defaults filled in
func DefaultConfig() *models.Config {
	return &models.Config{
		Rig:         models.RigConfig{},
		Environment: "production",
		MQTT: models.MQTTConfig{
			KeepAlive: "30s",
		},
		NTP: models.NTPConfig{
			Enabled: true,
			Server:  "pool.ntp.org",
		},
		RedisURL: "redis://127.0.0.1:6379",
		Table: models.TableConfig{
			Path: "shift_table.json",
		},
		Engine: models.EngineConfig{
			ResetMargin:     0,
			MinFireInterval: "0s",
		},
		Telemetry: models.TelemetryConfig{
			PollInterval: "50ms",
			Intervals: models.TelemetryIntervals{
				Live: "1s",
				Idle: "30s",
			},
			Buffer: models.BufferConfig{
				Enabled:       false,
				MaxSize:       1000,
				MaxRetries:    5,
				RetryInterval: "1m",
			},
		},
		Events: models.EventsConfig{
			Enabled: true,
		},
		Discord: models.DiscordConfig{
			Enabled: false,
		},
	}
}

// applyEnvOverrides lets the environment override secrets so they stay
// out of the YAML file
func applyEnvOverrides(config *models.Config) {
	if token := os.Getenv("SHIFTBEEP_TOKEN"); token != "" {
		config.Rig.Token = token
	}
	if dsn := os.Getenv("SHIFTBEEP_POSTGRES_DSN"); dsn != "" {
		config.Store.PostgresDSN = dsn
	}
	if webhook := os.Getenv("SHIFTBEEP_DISCORD_WEBHOOK"); webhook != "" {
		config.Discord.WebhookURL = webhook
	}
}

// ValidateConfig validates configuration
func ValidateConfig(config *models.Config) error {
	var errors []string

	if config.Rig.Identifier == "" {
		errors = append(errors, "rig identifier is required")
	}
	if config.Rig.Token == "" {
		errors = append(errors, "rig token is required")
	}
	if config.Environment != "" && config.Environment != "production" && config.Environment != "development" {
		errors = append(errors, fmt.Sprintf("invalid environment: %s (must be 'production' or 'development')", config.Environment))
	}
	if config.RedisURL == "" {
		errors = append(errors, "redis URL is required")
	}
	if config.Table.Path == "" {
		config.Table.Path = "shift_table.json"
	}

	// Engine defaults
	if config.Engine.ResetMargin < 0 {
		errors = append(errors, fmt.Sprintf("engine.reset_margin must be >= 0, got %v", config.Engine.ResetMargin))
	}
	if config.Engine.MinFireInterval == "" {
		config.Engine.MinFireInterval = "0s"
	}

	// Validate telemetry intervals
	if config.Telemetry.PollInterval == "" {
		config.Telemetry.PollInterval = "50ms"
	}
	if config.Telemetry.Intervals.Live == "" {
		config.Telemetry.Intervals.Live = "1s"
	}
	if config.Telemetry.Intervals.Idle == "" {
		config.Telemetry.Intervals.Idle = "30s"
	}

	// Initialize buffer config if not present
	if config.Telemetry.Buffer.RetryInterval == "" {
		config.Telemetry.Buffer.RetryInterval = "1m"
	}
	if config.Telemetry.Buffer.MaxSize <= 0 {
		config.Telemetry.Buffer.MaxSize = 1000
	}
	if config.Telemetry.Buffer.MaxRetries <= 0 {
		config.Telemetry.Buffer.MaxRetries = 5
	}

	// Initialize priority config with defaults
	if config.Telemetry.Priorities.Immediate == "" {
		config.Telemetry.Priorities.Immediate = "1s"
	}
	if config.Telemetry.Priorities.Quick == "" {
		config.Telemetry.Priorities.Quick = "5s"
	}
	if config.Telemetry.Priorities.Medium == "" {
		config.Telemetry.Priorities.Medium = "1m"
	}
	if config.Telemetry.Priorities.Slow == "" {
		config.Telemetry.Priorities.Slow = "15m"
	}

	// Initialize events config with defaults
	if config.Events.MaxRetries <= 0 {
		config.Events.MaxRetries = 10
	}
	if config.Events.MaxBuffered <= 0 {
		config.Events.MaxBuffered = 1000
	}
	if config.Events.BufferPath == "" {
		config.Events.BufferPath = "/var/lib/shiftbeep/events-buffer.json"
	}

	// Discord defaults only matter when the notifier is on
	if config.Discord.Enabled {
		if config.Discord.WebhookURL == "" {
			errors = append(errors, "discord.webhook_url is required when discord is enabled")
		}
		if config.Discord.RateLimit == "" {
			config.Discord.RateLimit = "2s"
		}
		if config.Discord.MinInterval == "" {
			config.Discord.MinInterval = "30s"
		}
		if len(config.Discord.EventTypes) == 0 {
			config.Discord.EventTypes = []string{"session_start", "session_end", "incident", "connect", "disconnect"}
		}
	}

	// Parse and validate durations
	durations := map[string]string{
		"mqtt.keepalive":           config.MQTT.KeepAlive,
		"engine.min_fire_interval": config.Engine.MinFireInterval,
		"telemetry.poll_interval":  config.Telemetry.PollInterval,
		"intervals.live":           config.Telemetry.Intervals.Live,
		"intervals.idle":           config.Telemetry.Intervals.Idle,
		"buffer.retry_interval":    config.Telemetry.Buffer.RetryInterval,
		"priorities.immediate":     config.Telemetry.Priorities.Immediate,
		"priorities.quick":         config.Telemetry.Priorities.Quick,
		"priorities.medium":        config.Telemetry.Priorities.Medium,
		"priorities.slow":          config.Telemetry.Priorities.Slow,
	}
	if config.Discord.Enabled {
		durations["discord.rate_limit"] = config.Discord.RateLimit
		durations["discord.min_interval"] = config.Discord.MinInterval
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			errors = append(errors, fmt.Sprintf("invalid %s: %v", name, err))
		}
	}

	// Validate priority ordering: immediate <= quick <= medium <= slow
	if err := validatePriorityOrdering(config); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *models.Config, configPath string) error {
	// Marshal the config to YAML
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

	// Write the new config file
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

// setFieldValue sets a field value with type conversion
func setFieldValue(field reflect.Value, value interface{}) error {
	valueReflect := reflect.ValueOf(value)
	fieldType := field.Type()

	// Handle type conversions
	switch fieldType.Kind() {
	case reflect.String:
		if valueReflect.Kind() == reflect.String {
			field.SetString(valueReflect.String())
		} else {
			field.SetString(fmt.Sprintf("%v", value))
		}
	case reflect.Bool:
		if valueReflect.Kind() == reflect.Bool {
			field.SetBool(valueReflect.Bool())
		} else {
			// Try to parse string as bool
			if str, ok := value.(string); ok {
				if str == "true" || str == "1" {
					field.SetBool(true)
				} else if str == "false" || str == "0" {
					field.SetBool(false)
				} else {
					return fmt.Errorf("cannot convert '%s' to bool", str)
				}
			} else {
				return fmt.Errorf("cannot convert %T to bool", value)
			}
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if valueReflect.Kind() >= reflect.Int && valueReflect.Kind() <= reflect.Int64 {
			field.SetInt(valueReflect.Int())
		} else if valueReflect.Kind() >= reflect.Uint && valueReflect.Kind() <= reflect.Uint64 {
			field.SetInt(int64(valueReflect.Uint()))
		} else if valueReflect.Kind() >= reflect.Float32 && valueReflect.Kind() <= reflect.Float64 {
			field.SetInt(int64(valueReflect.Float()))
		} else {
			return fmt.Errorf("cannot convert %T to int", value)
		}
	case reflect.Float32, reflect.Float64:
		if valueReflect.Kind() >= reflect.Float32 && valueReflect.Kind() <= reflect.Float64 {
			field.SetFloat(valueReflect.Float())
		} else if valueReflect.Kind() >= reflect.Int && valueReflect.Kind() <= reflect.Int64 {
			field.SetFloat(float64(valueReflect.Int()))
		} else {
			return fmt.Errorf("cannot convert %T to float", value)
		}
	default:
		if valueReflect.Type().ConvertibleTo(fieldType) {
			field.Set(valueReflect.Convert(fieldType))
		} else {
			return fmt.Errorf("cannot convert %T to %s", value, fieldType)
		}
	}

	return nil
}

// titleCase converts a string to title case (first letter uppercase)
func titleCase(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// GetConfigField retrieves a specific field from the configuration using YAML dot syntax
func GetConfigField(config *models.Config, field string) (interface{}, error) {
	structPath := convertYamlPathToStructPath(field)
	parts := strings.Split(structPath, ".")
	return getNestedField(config, parts)
}

// SetConfigField sets a specific field in the configuration using YAML dot syntax
func SetConfigField(config *models.Config, field string, value interface{}) error {
	structPath := convertYamlPathToStructPath(field)
	parts := strings.Split(structPath, ".")
	return setNestedField(config, parts, value)
}

// DeleteConfigField clears/resets a specific field in the configuration using YAML dot syntax
func DeleteConfigField(config *models.Config, field string) error {
	structPath := convertYamlPathToStructPath(field)
	parts := strings.Split(structPath, ".")
	return deleteNestedField(config, parts)
}

// getNestedField retrieves a nested field value using reflection
func getNestedField(obj interface{}, parts []string) (interface{}, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty field path")
	}

	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("object must be a struct or pointer to struct")
	}

	// Navigate to the nested field
	for i, part := range parts[:len(parts)-1] {
		field := v.FieldByName(titleCase(part))
		if !field.IsValid() {
			return nil, fmt.Errorf("field '%s' not found at level %d", part, i)
		}
		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				return nil, fmt.Errorf("nil pointer encountered at field '%s'", part)
			}
			field = field.Elem()
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("field '%s' is not a struct", part)
		}
		v = field
	}

	// Get the final field
	finalField := titleCase(parts[len(parts)-1])
	field := v.FieldByName(finalField)
	if !field.IsValid() {
		return nil, fmt.Errorf("field '%s' not found", finalField)
	}

	return field.Interface(), nil
}

// setNestedField sets a nested field in a struct using reflection
func setNestedField(obj interface{}, parts []string, value interface{}) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty field path")
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("object must be a pointer to a struct")
	}

	v = v.Elem()

	// Navigate to the nested field
	for i, part := range parts[:len(parts)-1] {
		field := v.FieldByName(titleCase(part))
		if !field.IsValid() {
			return fmt.Errorf("field '%s' not found at level %d", part, i)
		}
		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				return fmt.Errorf("nil pointer encountered at field '%s'", part)
			}
			field = field.Elem()
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("field '%s' is not a struct", part)
		}
		v = field
	}

	// Set the final field
	finalField := titleCase(parts[len(parts)-1])
	field := v.FieldByName(finalField)
	if !field.IsValid() {
		return fmt.Errorf("field '%s' not found", finalField)
	}
	if !field.CanSet() {
		return fmt.Errorf("field '%s' cannot be set", finalField)
	}

	// Convert and set the value
	return setFieldValue(field, value)
}

// deleteNestedField sets a nested field to its zero value
func deleteNestedField(obj interface{}, parts []string) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty field path")
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("object must be a pointer to a struct")
	}

	v = v.Elem()

	// Navigate to the nested field
	for i, part := range parts[:len(parts)-1] {
		field := v.FieldByName(titleCase(part))
		if !field.IsValid() {
			return fmt.Errorf("field '%s' not found at level %d", part, i)
		}
		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				return fmt.Errorf("nil pointer encountered at field '%s'", part)
			}
			field = field.Elem()
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("field '%s' is not a struct", part)
		}
		v = field
	}

	// Set the final field to its zero value
	finalField := titleCase(parts[len(parts)-1])
	field := v.FieldByName(finalField)
	if !field.IsValid() {
		return fmt.Errorf("field '%s' not found", finalField)
	}
	if !field.CanSet() {
		return fmt.Errorf("field '%s' cannot be set", finalField)
	}

	// Set to zero value
	zeroValue := reflect.Zero(field.Type())
	field.Set(zeroValue)

	return nil
}

// convertYamlPathToStructPath converts YAML dot notation to Go struct field path
func convertYamlPathToStructPath(yamlPath string) string {
	// Map of YAML field names to Go struct field names
	fieldMap := map[string]string{
		// Top level fields
		"rig":         "Rig",
		"environment": "Environment",
		"mqtt":        "MQTT",
		"ntp":         "NTP",
		"redis_url":   "RedisURL",
		"table":       "Table",
		"engine":      "Engine",
		"telemetry":   "Telemetry",
		"events":      "Events",
		"http":        "HTTP",
		"store":       "Store",
		"discord":     "Discord",
		"commands":    "Commands",
		"debug":       "Debug",

		// Rig fields
		"identifier": "Identifier",
		"token":      "Token",

		// MQTT fields
		"broker_url":       "BrokerURL",
		"ca_cert":          "CACert",
		"ca_cert_embedded": "CACertEmbedded",
		"keep_alive":       "KeepAlive",
		"keepalive":        "KeepAlive", // Alternative naming

		// NTP fields
		"enabled": "Enabled",
		"server":  "Server",

		// Table fields
		"path": "Path",

		// Engine fields
		"reset_margin":      "ResetMargin",
		"min_fire_interval": "MinFireInterval",

		// Telemetry fields
		"poll_interval": "PollInterval",
		"intervals":     "Intervals",
		"priorities":    "Priorities",
		"buffer":        "Buffer",

		// Telemetry.Intervals fields
		"live": "Live",
		"idle": "Idle",

		// Telemetry.Priorities fields
		"immediate": "Immediate",
		"quick":     "Quick",
		"medium":    "Medium",
		"slow":      "Slow",

		// Telemetry.Buffer fields
		"max_size":       "MaxSize",
		"max_retries":    "MaxRetries",
		"retry_interval": "RetryInterval",
		"persist_path":   "PersistPath",

		// Events fields
		"buffer_path":  "BufferPath",
		"max_buffered": "MaxBuffered",

		// HTTP fields
		"listen": "Listen",

		// Store fields
		"postgres_dsn": "PostgresDSN",

		// Discord fields
		"webhook_url":  "WebhookURL",
		"rate_limit":   "RateLimit",
		"min_interval": "MinInterval",
		"event_types":  "EventTypes",

		// Command sub-fields
		"disabled": "Disabled",
		"params":   "Params",
	}

	parts := strings.Split(yamlPath, ".")
	structParts := make([]string, len(parts))

	for i, part := range parts {
		if mapped, exists := fieldMap[part]; exists {
			structParts[i] = mapped
		} else {
			// If no mapping exists, use titleCase as fallback
			structParts[i] = titleCase(part)
		}
	}

	return strings.Join(structParts, ".")
}

// validatePriorityOrdering ensures priority durations are ordered correctly:
// immediate <= quick <= medium <= slow
func validatePriorityOrdering(config *models.Config) error {
	immediate, err := time.ParseDuration(config.Telemetry.Priorities.Immediate)
	if err != nil {
		return nil // Already caught by duration validation
	}
	quick, err := time.ParseDuration(config.Telemetry.Priorities.Quick)
	if err != nil {
		return nil
	}
	medium, err := time.ParseDuration(config.Telemetry.Priorities.Medium)
	if err != nil {
		return nil
	}
	slow, err := time.ParseDuration(config.Telemetry.Priorities.Slow)
	if err != nil {
		return nil
	}

	if immediate > quick {
		return fmt.Errorf("priorities.immediate (%s) must be <= priorities.quick (%s)",
			config.Telemetry.Priorities.Immediate, config.Telemetry.Priorities.Quick)
	}
	if quick > medium {
		return fmt.Errorf("priorities.quick (%s) must be <= priorities.medium (%s)",
			config.Telemetry.Priorities.Quick, config.Telemetry.Priorities.Medium)
	}
	if medium > slow {
		return fmt.Errorf("priorities.medium (%s) must be <= priorities.slow (%s)",
			config.Telemetry.Priorities.Medium, config.Telemetry.Priorities.Slow)
	}

	return nil
}
