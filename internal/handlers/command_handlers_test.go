package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"

	"shiftbeep/internal/alerts"
	"shiftbeep/internal/models"
)

// MockCommandHandlerClient implements CommandHandlerClient for testing
type MockCommandHandlerClient struct {
	responses     []CommandResponse
	cleanedTopics []string
	published     []*models.TelemetryData
	telemetry     *models.TelemetryData
	pauseCalls    []bool
	reconnects    int
	events        []MockEvent
}

type CommandResponse struct {
	RequestID string
	Status    string
	Error     string
}

type MockEvent struct {
	EventType string
	Status    string
	Data      map[string]interface{}
}

func (m *MockCommandHandlerClient) SendCommandResponse(requestID, status, errorMsg string) {
	m.responses = append(m.responses, CommandResponse{
		RequestID: requestID,
		Status:    status,
		Error:     errorMsg,
	})
}

func (m *MockCommandHandlerClient) GetCommandParam(cmd, param string, defaultValue interface{}) interface{} {
	return defaultValue
}

func (m *MockCommandHandlerClient) CleanRetainedMessage(topic string) error {
	m.cleanedTopics = append(m.cleanedTopics, topic)
	return nil
}

func (m *MockCommandHandlerClient) PublishTelemetryData(current *models.TelemetryData) error {
	m.published = append(m.published, current)
	return nil
}

func (m *MockCommandHandlerClient) GetConfigPath() string {
	return "/tmp/test-config.yml"
}

func (m *MockCommandHandlerClient) CurrentTelemetry() *models.TelemetryData {
	return m.telemetry
}

func (m *MockCommandHandlerClient) SetEnginePaused(paused bool) {
	m.pauseCalls = append(m.pauseCalls, paused)
}

func (m *MockCommandHandlerClient) RequestReconnect() {
	m.reconnects++
}

func (m *MockCommandHandlerClient) EmitEvent(eventType, status string, data map[string]interface{}) {
	m.events = append(m.events, MockEvent{EventType: eventType, Status: status, Data: data})
}

// MockMQTTClient implements a basic MQTT client for testing
type MockMQTTClient struct {
	publishedMessages []MockPublished
}

type MockPublished struct {
	Topic   string
	Payload []byte
}

func (m *MockMQTTClient) IsConnected() bool       { return true }
func (m *MockMQTTClient) IsConnectionOpen() bool  { return true }
func (m *MockMQTTClient) Connect() mqtt.Token     { return &MockToken{} }
func (m *MockMQTTClient) Disconnect(quiesce uint) {}
func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.publishedMessages = append(m.publishedMessages, MockPublished{
		Topic:   topic,
		Payload: payload.([]byte),
	})
	return &MockToken{}
}
func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &MockToken{}
}
func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &MockToken{}
}
func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token             { return &MockToken{} }
func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

type MockToken struct{}

func (m *MockToken) Wait() bool                     { return true }
func (m *MockToken) WaitTimeout(time.Duration) bool { return true }
func (m *MockToken) Error() error                   { return nil }
func (m *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMQTTMessage implements mqtt.Message for incoming commands
type MockMQTTMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *MockMQTTMessage) Duplicate() bool   { return false }
func (m *MockMQTTMessage) Qos() byte         { return 1 }
func (m *MockMQTTMessage) Retained() bool    { return m.retained }
func (m *MockMQTTMessage) Topic() string     { return m.topic }
func (m *MockMQTTMessage) MessageID() uint16 { return 0 }
func (m *MockMQTTMessage) Payload() []byte   { return m.payload }
func (m *MockMQTTMessage) Ack()              {}

func commandMessage(t *testing.T, command, requestID string, params map[string]interface{}) *MockMQTTMessage {
	t.Helper()
	payload, err := json.Marshal(models.CommandMessage{
		Command:   command,
		Params:    params,
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}
	return &MockMQTTMessage{topic: "rigs/test-rig/commands", payload: payload}
}

func testCommandConfig() *models.Config {
	return &models.Config{
		Environment: "development",
		Rig: models.RigConfig{
			Identifier: "test-rig",
		},
		Commands: map[string]models.Command{},
	}
}

func TestHandleCommand_EmptyPayload(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	msg := &MockMQTTMessage{topic: "rigs/test-rig/commands", payload: []byte{}}

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 0 {
		t.Errorf("Expected no responses for empty payload, got %d", len(mockClient.responses))
	}
}

func TestHandleCommand_InvalidJSON(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	msg := &MockMQTTMessage{topic: "rigs/test-rig/commands", payload: []byte("not json")}

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	resp := mockClient.responses[0]
	if resp.RequestID != "unknown" || resp.Status != "error" || resp.Error != "Invalid command format" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if len(mockClient.cleanedTopics) != 1 {
		t.Errorf("Expected retained message cleanup, got %d cleanups", len(mockClient.cleanedTopics))
	}
}

func TestHandleCommand_Ping(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	msg := commandMessage(t, "ping", "req-1", nil)

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	resp := mockClient.responses[0]
	if resp.RequestID != "req-1" || resp.Status != "success" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestHandleCommand_Disabled(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	config := testCommandConfig()
	config.Commands["pause"] = models.Command{Disabled: true}
	msg := commandMessage(t, "pause", "req-2", nil)

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), config, nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	resp := mockClient.responses[0]
	if resp.Status != "error" || resp.Error != "Command disabled in config" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if len(mockClient.pauseCalls) != 0 {
		t.Errorf("Disabled command must not reach the engine")
	}
}

func TestHandleCommand_PauseResume(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	config := testCommandConfig()

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), config, nil, "test",
		commandMessage(t, "pause", "req-3", nil))
	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), config, nil, "test",
		commandMessage(t, "resume", "req-4", nil))

	if len(mockClient.pauseCalls) != 2 || !mockClient.pauseCalls[0] || mockClient.pauseCalls[1] {
		t.Errorf("Expected pause then resume, got %v", mockClient.pauseCalls)
	}
	if len(mockClient.events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(mockClient.events))
	}
	if mockClient.events[0].Data["command"] != "pause" || mockClient.events[1].Data["command"] != "resume" {
		t.Errorf("Unexpected event data: %+v", mockClient.events)
	}
	for _, resp := range mockClient.responses {
		if resp.Status != "success" {
			t.Errorf("Expected success response, got %+v", resp)
		}
	}
}

func TestHandleCommand_GetStateWithoutSnapshot(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	msg := commandMessage(t, "get_state", "req-5", nil)

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	if mockClient.responses[0].Status != "error" {
		t.Errorf("Expected error without a snapshot, got %+v", mockClient.responses[0])
	}
}

func TestHandleCommand_GetState(t *testing.T) {
	mockClient := &MockCommandHandlerClient{
		telemetry: &models.TelemetryData{Vehicle: models.VehicleInfo{RPM: 6500, Gear: 3}},
	}
	msg := commandMessage(t, "get_state", "req-6", nil)

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.published) != 1 {
		t.Fatalf("Expected 1 telemetry publish, got %d", len(mockClient.published))
	}
	if mockClient.published[0].Vehicle.RPM != 6500 {
		t.Errorf("Published wrong snapshot: %+v", mockClient.published[0])
	}
	if mockClient.responses[0].Status != "success" {
		t.Errorf("Expected success response, got %+v", mockClient.responses[0])
	}
}

func TestHandleCommand_RedisRestrictedToDevelopment(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	config := testCommandConfig()
	config.Environment = "production"
	msg := commandMessage(t, "redis", "req-7", map[string]interface{}{"cmd": "get", "args": []interface{}{"key"}})

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), config, nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	resp := mockClient.responses[0]
	if resp.Status != "error" || resp.Error != "Command not allowed in this environment" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestHandleCommand_Unknown(t *testing.T) {
	mockClient := &MockCommandHandlerClient{}
	msg := commandMessage(t, "launch_control", "req-8", nil)

	HandleCommand(mockClient, &MockMQTTClient{}, nil, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(mockClient.responses))
	}
	resp := mockClient.responses[0]
	if resp.Status != "error" || resp.Error != "unknown command: launch_control" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestHandleCommand_BeepTest(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	mockClient := &MockCommandHandlerClient{}
	msg := commandMessage(t, "beep_test", "req-9", map[string]interface{}{"gear": 4.0, "rpm": 7350.0})

	HandleCommand(mockClient, &MockMQTTClient{}, redisClient, context.Background(), testCommandConfig(), nil, "test", msg)

	if len(mockClient.responses) != 1 || mockClient.responses[0].Status != "success" {
		t.Fatalf("Expected success response, got %+v", mockClient.responses)
	}

	queued, err := mr.List(alerts.BeepQueueKey)
	if err != nil {
		t.Fatalf("Failed to read beep queue: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("Expected 1 queued beep, got %d", len(queued))
	}

	var event models.AlertEvent
	if err := json.Unmarshal([]byte(queued[0]), &event); err != nil {
		t.Fatalf("Failed to parse queued beep: %v", err)
	}
	if event.Gear != 4 || event.RPM != 7350 {
		t.Errorf("Unexpected beep event: %+v", event)
	}
}

func TestHandleRedisCommand_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	mockClient := &MockCommandHandlerClient{}
	mockMQTT := &MockMQTTClient{}
	config := testCommandConfig()

	mr.HSet("sim:vehicle", "rpm", "7100")

	params := map[string]interface{}{
		"cmd":  "hget",
		"args": []interface{}{"sim:vehicle", "rpm"},
	}
	if err := handleRedisCommand(mockClient, redisClient, context.Background(), mockMQTT, config, params, "req-10"); err != nil {
		t.Fatalf("handleRedisCommand failed: %v", err)
	}

	if len(mockMQTT.publishedMessages) != 1 {
		t.Fatalf("Expected 1 data message, got %d", len(mockMQTT.publishedMessages))
	}
	published := mockMQTT.publishedMessages[0]
	if published.Topic != "rigs/test-rig/data" {
		t.Errorf("Unexpected topic: %s", published.Topic)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(published.Payload, &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["result"] != "7100" || response["request_id"] != "req-10" {
		t.Errorf("Unexpected response: %+v", response)
	}
}
