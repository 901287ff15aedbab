package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"

	"shiftbeep/internal/alerts"
	"shiftbeep/internal/events"
	"shiftbeep/internal/handlers/commands"
	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
	"shiftbeep/internal/shifttable"
)

// CommandHandlerClient is the interface needed by command handlers
type CommandHandlerClient interface {
	SendCommandResponse(requestID, status, errorMsg string)
	GetCommandParam(cmd, param string, defaultValue interface{}) interface{}
	CleanRetainedMessage(topic string) error
	PublishTelemetryData(current *models.TelemetryData) error
	GetConfigPath() string
	CurrentTelemetry() *models.TelemetryData
	SetEnginePaused(paused bool)
	RequestReconnect()
	EmitEvent(eventType, status string, data map[string]interface{})
}

// RigController exposes the client-owned operations that command
// handlers reach back into: the live snapshot, engine pause state,
// reconnects and event emission.
type RigController interface {
	CurrentTelemetry() *models.TelemetryData
	SetEnginePaused(paused bool)
	RequestReconnect()
	EmitEvent(eventType, status string, data map[string]interface{})
}

// ClientImplementation implements CommandHandlerClient and provides access to client methods
type ClientImplementation struct {
	Config      *models.Config
	ConfigPath  string
	MQTTClient  mqtt.Client
	RedisClient *redis.Client
	Ctx         context.Context
	Version     string
	Controller  RigController
}

// SendCommandResponse sends a response to a command
func (c *ClientImplementation) SendCommandResponse(requestID, status, errorMsg string) {
	response := models.CommandResponse{
		Status:    status,
		Error:     errorMsg,
		RequestID: requestID,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to marshal response: %v", err)
		return
	}

	topic := fmt.Sprintf("rigs/%s/acks", c.Config.Rig.Identifier)
	if token := c.MQTTClient.Publish(topic, 1, false, responseJSON); token.Wait() && token.Error() != nil {
		log.Printf("Failed to publish response: %v", token.Error())
	}

	log.Printf("Published response to %s: %s", topic, string(responseJSON))
}

// GetCommandParam retrieves a command parameter from configuration
func (c *ClientImplementation) GetCommandParam(cmd, param string, defaultValue interface{}) interface{} {
	if cmdConfig, ok := c.Config.Commands[cmd]; ok {
		if params, ok := cmdConfig.Params[param]; ok {
			return params
		}
	}
	return defaultValue
}

// CleanRetainedMessage removes a retained message by publishing an empty payload
func (c *ClientImplementation) CleanRetainedMessage(topic string) error {
	emptyPayload := []byte{}

	token := c.MQTTClient.Publish(topic, 1, true, emptyPayload)
	token.Wait()

	if err := token.Error(); err != nil {
		log.Printf("Failed to clean retained message. Topic: %s, Error: %v", topic, err)
		return fmt.Errorf("failed to clean retained message: %v", err)
	}

	return nil
}

// PublishTelemetryData publishes a telemetry payload to MQTT
func (c *ClientImplementation) PublishTelemetryData(current *models.TelemetryData) error {
	telemetryJSON, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %v", err)
	}

	topic := fmt.Sprintf("rigs/%s/telemetry", c.Config.Rig.Identifier)
	if token := c.MQTTClient.Publish(topic, 1, false, telemetryJSON); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish telemetry: %v", token.Error())
	}

	log.Printf("Published telemetry to %s", topic)
	return nil
}

// GetConfigPath returns the configuration file path
func (c *ClientImplementation) GetConfigPath() string {
	return c.ConfigPath
}

// CurrentTelemetry returns the live snapshot from the controller
func (c *ClientImplementation) CurrentTelemetry() *models.TelemetryData {
	if c.Controller == nil {
		return nil
	}
	return c.Controller.CurrentTelemetry()
}

// SetEnginePaused pauses or resumes alert evaluation
func (c *ClientImplementation) SetEnginePaused(paused bool) {
	if c.Controller != nil {
		c.Controller.SetEnginePaused(paused)
	}
}

// RequestReconnect asks the client for an async MQTT reconnect
func (c *ClientImplementation) RequestReconnect() {
	if c.Controller != nil {
		c.Controller.RequestReconnect()
	}
}

// EmitEvent forwards an event into the event pipeline
func (c *ClientImplementation) EmitEvent(eventType, status string, data map[string]interface{}) {
	if c.Controller != nil {
		c.Controller.EmitEvent(eventType, status, data)
	}
}

// HandleCommand processes incoming MQTT commands
func HandleCommand(client CommandHandlerClient, mqttClient mqtt.Client, redisClient *redis.Client, ctx context.Context, config *models.Config, tables *shifttable.Store, version string, mqttMsg mqtt.Message) {
	// Check for empty payload early
	if len(mqttMsg.Payload()) == 0 {
		log.Printf("Received empty payload message on topic: %s, retained: %v",
			mqttMsg.Topic(), mqttMsg.Retained())

		return
	}

	var command models.CommandMessage
	if err := json.Unmarshal(mqttMsg.Payload(), &command); err != nil {
		log.Printf("Failed to parse command: %v", err)
		log.Printf("Payload was %v", mqttMsg.Payload())

		client.SendCommandResponse("unknown", "error", "Invalid command format")
		client.CleanRetainedMessage(mqttMsg.Topic())
		return
	}

	log.Printf("Received command: %s with requestID: %s", command.Command, command.RequestID)
	metrics.CommandsHandled.Add(1)

	// Check if command is disabled (except for ping and get_state)
	if command.Command != "ping" && command.Command != "get_state" {
		if cmdConfig, ok := config.Commands[command.Command]; ok && cmdConfig.Disabled {
			log.Printf("Command %s is disabled in config", command.Command)
			client.SendCommandResponse(command.RequestID, "error", "Command disabled in config")
			return
		}
	}

	// Raw redis access is restricted to development environment
	if command.Command == "redis" && config.Environment != "development" {
		log.Printf("Command %s is not allowed in %s environment", command.Command, config.Environment)
		client.SendCommandResponse(command.RequestID, "error", "Command not allowed in this environment")
		return
	}

	var err error
	switch command.Command {
	case "ping":
		client.SendCommandResponse(command.RequestID, "success", "")
		if mqttMsg.Retained() {
			if err := client.CleanRetainedMessage(mqttMsg.Topic()); err != nil {
				log.Printf("Failed to clean retained message: %v", err)
			}
		}
		return // Skip error handling
	case "get_state":
		err = handleGetStateCommand(client)
	case "pause":
		err = handlePauseCommand(client, true)
	case "resume":
		err = handlePauseCommand(client, false)
	case "beep_test":
		err = handleBeepTestCommand(client, redisClient, ctx, command.Params, command.RequestID)
	case "table:reload":
		err = commands.HandleTableReloadCommand(client, mqttClient, config, tables, command.RequestID)
	case "table:get":
		err = commands.HandleTableGetCommand(client, mqttClient, config, tables, command.RequestID)
	case "table:set":
		err = commands.HandleTableSetCommand(client, mqttClient, config, tables, command.Params, command.RequestID)
	case "table:update":
		err = handleTableUpdateCommand(client, command.Params, command.RequestID, tables)
	case "update_ca_cert":
		err = commands.HandleUpdateCACertCommand(client, config, command.Params, command.RequestID)
	case "config:get":
		err = commands.HandleConfigGetCommand(client, mqttClient, config, command.Params, command.RequestID)
	case "config:set":
		err = commands.HandleConfigSetCommand(client, mqttClient, config, command.Params, command.RequestID)
	case "config:del":
		err = commands.HandleConfigDelCommand(client, mqttClient, config, command.Params, command.RequestID)
	case "config:save":
		err = commands.HandleConfigSaveCommand(client, mqttClient, config, command.RequestID)
	case "redis":
		err = handleRedisCommand(client, redisClient, ctx, mqttClient, config, command.Params, command.RequestID)
	default:
		err = fmt.Errorf("unknown command: %s", command.Command)
	}

	if err != nil {
		log.Printf("Command failed: %v", err)
		metrics.CommandFailures.Add(1)
		client.SendCommandResponse(command.RequestID, "error", err.Error())
		if err := client.CleanRetainedMessage(mqttMsg.Topic()); err != nil {
			log.Printf("Failed to clean message: %v", err)
		}
		return
	}

	if err := client.CleanRetainedMessage(mqttMsg.Topic()); err != nil {
		log.Printf("Failed to clean message: %v", err)
	}

	client.SendCommandResponse(command.RequestID, "success", "")
}

// handleGetStateCommand handles the get_state command
func handleGetStateCommand(client CommandHandlerClient) error {
	current := client.CurrentTelemetry()
	if current == nil {
		return fmt.Errorf("no telemetry snapshot available yet")
	}

	return client.PublishTelemetryData(current)
}

// handlePauseCommand handles the pause and resume commands
func handlePauseCommand(client CommandHandlerClient, paused bool) error {
	client.SetEnginePaused(paused)

	action := "pause"
	if !paused {
		action = "resume"
	}
	client.EmitEvent(events.EventTypeCommand, events.StatusTriggered, map[string]interface{}{
		"command": action,
	})
	return nil
}

// handleBeepTestCommand handles the beep_test command. It pushes a
// synthetic alert through the beep sink so the operator can verify the
// beeper wiring without driving.
func handleBeepTestCommand(client CommandHandlerClient, redisClient *redis.Client, ctx context.Context, params map[string]interface{}, requestID string) error {
	gear := int(client.GetCommandParam("beep_test", "gear", 3.0).(float64))
	rpm := client.GetCommandParam("beep_test", "rpm", 7000.0).(float64)

	if g, ok := params["gear"].(float64); ok {
		gear = int(g)
	}
	if r, ok := params["rpm"].(float64); ok {
		rpm = r
	}

	event := models.AlertEvent{
		ID:           fmt.Sprintf("beep-test-%s", requestID),
		CarID:        "beep_test",
		Gear:         gear,
		RPM:          rpm,
		ThresholdRPM: rpm,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	sink := alerts.NewBeepSink(redisClient)
	return sink.HandleAlert(ctx, event)
}

// handleRedisCommand handles the redis command
func handleRedisCommand(client CommandHandlerClient, redisClient *redis.Client, ctx context.Context, mqttClient mqtt.Client, config *models.Config, params map[string]interface{}, requestID string) error {
	cmd, ok := params["cmd"].(string)
	if !ok {
		return fmt.Errorf("redis command not specified")
	}

	args, ok := params["args"].([]interface{})
	if !ok {
		args = []interface{}{}
	}

	var result interface{}
	var err error

	switch cmd {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get requires exactly 1 argument")
		}
		result, err = redisClient.Get(ctx, args[0].(string)).Result()

	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set requires exactly 2 arguments")
		}
		result, err = redisClient.Set(ctx, args[0].(string), args[1], 0).Result()

	case "hget":
		if len(args) != 2 {
			return fmt.Errorf("hget requires exactly 2 arguments")
		}
		result, err = redisClient.HGet(ctx, args[0].(string), args[1].(string)).Result()

	case "hset":
		if len(args) != 3 {
			return fmt.Errorf("hset requires exactly 3 arguments")
		}
		result, err = redisClient.HSet(ctx, args[0].(string), args[1].(string), args[2]).Result()

	case "hgetall":
		if len(args) != 1 {
			return fmt.Errorf("hgetall requires exactly 1 argument")
		}
		result, err = redisClient.HGetAll(ctx, args[0].(string)).Result()

	case "lpush":
		if len(args) < 2 {
			return fmt.Errorf("lpush requires at least 2 arguments")
		}
		key := args[0].(string)
		values := args[1:]
		result, err = redisClient.LPush(ctx, key, values...).Result()

	case "lpop":
		if len(args) != 1 {
			return fmt.Errorf("lpop requires exactly 1 argument")
		}
		result, err = redisClient.LPop(ctx, args[0].(string)).Result()

	case "publish":
		if len(args) != 2 {
			return fmt.Errorf("publish requires exactly 2 arguments")
		}
		channel, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("publish channel must be a string")
		}
		message, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("publish message must be a string")
		}
		result, err = redisClient.Publish(ctx, channel, message).Result()

	default:
		return fmt.Errorf("unsupported redis command: %s", cmd)
	}

	if err != nil {
		return fmt.Errorf("redis command failed: %v", err)
	}

	// Send response on the data topic
	response := map[string]interface{}{
		"type":       "redis",
		"command":    cmd,
		"result":     result,
		"request_id": requestID,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %v", err)
	}

	topic := fmt.Sprintf("rigs/%s/data", config.Rig.Identifier)
	if token := mqttClient.Publish(topic, 1, false, responseJSON); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish response: %v", token.Error())
	}

	return nil
}
