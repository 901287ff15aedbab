package commands

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shiftbeep/internal/events"
	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
	"shiftbeep/internal/shifttable"
)

// TableCommandHandlerClient extends the config handler interface with
// event emission, so table changes show up in the event stream
type TableCommandHandlerClient interface {
	ConfigCommandHandlerClient
	EmitEvent(eventType, status string, data map[string]interface{})
}

/// HandleTableReloadCommand handles the table:reload command. It re-reads
// the shift table from disk; the active table survives a failed reload.
func HandleTableReloadCommand(client TableCommandHandlerClient, mqttClient mqtt.Client, config *models.Config, tables *shifttable.Store, requestID string) error {
	if err := tables.Load(); err != nil {
		metrics.TableReloadFailures.Add(1)
		client.EmitEvent(events.EventTypeTableReload, events.StatusFailed, map[string]interface{}{
			"path":  tables.Path(),
			"error": err.Error(),
		})
		return fmt.Errorf("failed to reload shift table: %v", err)
	}

	metrics.TableReloads.Add(1)
	info := tables.Info()
	log.Printf("Shift table reloaded from %s, version %d with %d cars", info.Path, info.Version, info.Cars)

	client.EmitEvent(events.EventTypeTableReload, events.StatusTriggered, map[string]interface{}{
		"version":  info.Version,
		"checksum": info.Checksum,
		"cars":     info.Cars,
	})

	// Send version info on the data topic
	response := map[string]interface{}{
		"status":     "success",
		"version":    info.Version,
		"checksum":   info.Checksum,
		"cars":       info.Cars,
		"request_id": requestID,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to marshal table reload response: %v", err)
		return nil // Don't fail the command if response marshaling fails
	}

	topic := fmt.Sprintf("rigs/%s/data", config.Rig.Identifier)
	if token := mqttClient.Publish(topic, 1, false, responseJSON); token.Wait() && token.Error() != nil {
		log.Printf("Failed to publish table reload response: %v", token.Error())
		return nil // Don't fail the command if response publishing fails
	}

	return nil
}

// HandleTableGetCommand handles the table:get command
func HandleTableGetCommand(client TableCommandHandlerClient, mqttClient mqtt.Client, config *models.Config, tables *shifttable.Store, requestID string) error {
	raw := tables.Raw()
	if raw == nil {
		return fmt.Errorf("no shift table loaded")
	}

	info := tables.Info()
	response := map[string]interface{}{
		"status":     "success",
		"table":      json.RawMessage(raw),
		"version":    info.Version,
		"checksum":   info.Checksum,
		"request_id": requestID,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to marshal table get response: %v", err)
		return fmt.Errorf("failed to marshal response: %v", err)
	}

	// Send response on the data topic
	topic := fmt.Sprintf("rigs/%s/data", config.Rig.Identifier)
	if token := mqttClient.Publish(topic, 1, false, responseJSON); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish response: %v", token.Error())
	}

	log.Printf("Table get response sent, version %d", info.Version)
	return nil
}

// HandleTableSetCommand handles the table:set command. It edits a single
// threshold in the active table document and activates the result. With a
// gear parameter the per-gear entry is set, without one the car default.
func HandleTableSetCommand(client TableCommandHandlerClient, mqttClient mqtt.Client, config *models.Config, tables *shifttable.Store, params map[string]interface{}, requestID string) error {
	car, ok := params["car"].(string)
	if !ok || car == "" {
		return fmt.Errorf("missing or invalid 'car' parameter")
	}

	rpm, ok := params["rpm"].(float64)
	if !ok {
		return fmt.Errorf("missing or invalid 'rpm' parameter")
	}
	if rpm <= 0 {
		return fmt.Errorf("rpm must be a positive number, got %v", rpm)
	}

	gear := 0
	if g, ok := params["gear"]; ok {
		gearFloat, ok := g.(float64)
		if !ok || gearFloat < 1 || gearFloat != float64(int(gearFloat)) {
			return fmt.Errorf("invalid 'gear' parameter: must be an integer >= 1")
		}
		gear = int(gearFloat)
	}

	raw := tables.Raw()
	if raw == nil {
		return fmt.Errorf("no shift table loaded")
	}

	// Edit the raw document rather than the parsed table so unknown
	// fields and formatting choices in the file survive the roundtrip
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse active table: %v", err)
	}

	cars, ok := doc["cars"].(map[string]interface{})
	if !ok {
		cars = map[string]interface{}{}
		doc["cars"] = cars
	}

	var entry map[string]interface{}
	switch existing := cars[car].(type) {
	case nil:
		entry = map[string]interface{}{}
	case float64:
		// Bare-number entries are car-wide defaults
		entry = map[string]interface{}{"default_rpm": existing}
	case map[string]interface{}:
		entry = existing
	default:
		return fmt.Errorf("car %s has an unexpected entry type in the active table", car)
	}

	if gear >= 1 {
		gears, ok := entry["gears"].(map[string]interface{})
		if !ok {
			gears = map[string]interface{}{}
		}
		gears[strconv.Itoa(gear)] = rpm
		entry["gears"] = gears
	} else {
		entry["default_rpm"] = rpm
	}
	cars[car] = entry

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal updated table: %v", err)
	}

	// Replace validates the edited table and keeps the old one on failure
	if err := tables.Replace(data); err != nil {
		return fmt.Errorf("failed to activate updated table: %v", err)
	}

	if gear >= 1 {
		log.Printf("Set shift threshold for %s gear %d to %.0f rpm, table version %d", car, gear, rpm, tables.Version())
	} else {
		log.Printf("Set default shift threshold for %s to %.0f rpm, table version %d", car, rpm, tables.Version())
	}

	eventData := map[string]interface{}{
		"version": tables.Version(),
		"car":     car,
		"rpm":     rpm,
	}
	if gear >= 1 {
		eventData["gear"] = gear
	}
	client.EmitEvent(events.EventTypeTableUpdate, events.StatusTriggered, eventData)

	// Send success response
	response := map[string]interface{}{
		"status":     "success",
		"message":    "Shift threshold updated successfully",
		"car":        car,
		"rpm":        rpm,
		"version":    tables.Version(),
		"request_id": requestID,
	}
	if gear >= 1 {
		response["gear"] = gear
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to marshal table set response: %v", err)
		return nil // Don't fail the command if response marshaling fails
	}

	topic := fmt.Sprintf("rigs/%s/data", config.Rig.Identifier)
	if token := mqttClient.Publish(topic, 1, false, responseJSON); token.Wait() && token.Error() != nil {
		log.Printf("Failed to publish table set response: %v", token.Error())
		return nil // Don't fail the command if response publishing fails
	}

	return nil
}
