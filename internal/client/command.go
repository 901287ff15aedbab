package client

import (
	"encoding/json"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shiftbeep/internal/handlers"
	"shiftbeep/internal/models"
)

// handleCommand processes incoming MQTT commands
func (s *RigMQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	// First, unmarshal the command message to access parameters for logging
	var command models.CommandMessage
	if err := json.Unmarshal(msg.Payload(), &command); err == nil {
		// Log command parameters if they exist
		if len(command.Params) > 0 {
			paramsJSON, err := json.Marshal(command.Params)
			if err == nil {
				log.Printf("Command %s (requestID: %s) parameters: %s",
					command.Command, command.RequestID, string(paramsJSON))
			} else {
				log.Printf("Command %s (requestID: %s) has parameters but failed to marshal: %v",
					command.Command, command.RequestID, err)
			}
		} else {
			log.Printf("Command %s (requestID: %s) has no parameters",
				command.Command, command.RequestID)
		}
	}

	// Create a client implementation that can be used by command handlers
	clientImpl := &handlers.ClientImplementation{
		Config:      s.config,
		ConfigPath:  s.configPath,
		MQTTClient:  s.mqttClient,
		RedisClient: s.redisClient,
		Ctx:         s.ctx,
		Version:     s.version,
		Controller:  s,
	}

	// Delegate to the common command handler
	handlers.HandleCommand(clientImpl, s.mqttClient, s.redisClient, s.ctx, s.config, s.tables, s.version, msg)
}
