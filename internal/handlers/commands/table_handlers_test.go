package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shiftbeep/internal/events"
	"shiftbeep/internal/models"
	"shiftbeep/internal/shifttable"
)

type recordedEvent struct {
	EventType string
	Status    string
	Data      map[string]interface{}
}

type mockTableClient struct {
	mockUpdateCACertClient
	events []recordedEvent
}

func (m *mockTableClient) EmitEvent(eventType, status string, data map[string]interface{}) {
	m.events = append(m.events, recordedEvent{EventType: eventType, Status: status, Data: data})
}

// mqttRecorder records published messages and satisfies mqtt.Client
type mqttRecorder struct {
	published []struct {
		Topic   string
		Payload []byte
	}
}

func (m *mqttRecorder) IsConnected() bool       { return true }
func (m *mqttRecorder) IsConnectionOpen() bool  { return true }
func (m *mqttRecorder) Connect() mqtt.Token     { return &noopToken{} }
func (m *mqttRecorder) Disconnect(quiesce uint) {}
func (m *mqttRecorder) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.published = append(m.published, struct {
		Topic   string
		Payload []byte
	}{Topic: topic, Payload: payload.([]byte)})
	return &noopToken{}
}
func (m *mqttRecorder) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &noopToken{}
}
func (m *mqttRecorder) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &noopToken{}
}
func (m *mqttRecorder) Unsubscribe(topics ...string) mqtt.Token             { return &noopToken{} }
func (m *mqttRecorder) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *mqttRecorder) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

type noopToken struct{}

func (t *noopToken) Wait() bool                     { return true }
func (t *noopToken) WaitTimeout(time.Duration) bool { return true }
func (t *noopToken) Error() error                   { return nil }
func (t *noopToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func tableTestConfig() *models.Config {
	return &models.Config{
		Environment: "development",
		Rig:         models.RigConfig{Identifier: "test-rig"},
	}
}

func loadedStore(t *testing.T, content string) *shifttable.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shift_table.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write table file: %v", err)
	}
	store := shifttable.NewStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Failed to load table: %v", err)
	}
	return store
}

func TestHandleTableReloadCommand(t *testing.T) {
	client := &mockTableClient{}
	mqttClient := &mqttRecorder{}
	config := tableTestConfig()
	tables := loadedStore(t, `{"cars": {"gt3_bmw": {"gears": {"3": 7200}}}}`)

	// Change the file on disk, then reload
	updated := `{"cars": {"gt3_bmw": {"gears": {"3": 7350}}}}`
	if err := os.WriteFile(tables.Path(), []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to rewrite table file: %v", err)
	}

	if err := HandleTableReloadCommand(client, mqttClient, config, tables, "req-1"); err != nil {
		t.Fatalf("HandleTableReloadCommand failed: %v", err)
	}

	if tables.Version() != 2 {
		t.Errorf("Expected version 2 after reload, got %d", tables.Version())
	}
	if rpm, ok := tables.Current().Resolve("gt3_bmw", 3); !ok || rpm != 7350 {
		t.Errorf("Reloaded table not active, Resolve returned %v, %v", rpm, ok)
	}

	if len(client.events) != 1 || client.events[0].EventType != events.EventTypeTableReload {
		t.Fatalf("Expected a table_reload event, got %+v", client.events)
	}

	if len(mqttClient.published) != 1 {
		t.Fatalf("Expected 1 data message, got %d", len(mqttClient.published))
	}
	if mqttClient.published[0].Topic != "rigs/test-rig/data" {
		t.Errorf("Unexpected topic: %s", mqttClient.published[0].Topic)
	}
}

func TestHandleTableReloadCommand_InvalidFile(t *testing.T) {
	client := &mockTableClient{}
	config := tableTestConfig()
	tables := loadedStore(t, `{"cars": {"gt3_bmw": {"gears": {"3": 7200}}}}`)

	if err := os.WriteFile(tables.Path(), []byte(`{"cars": {"": null}}`), 0644); err != nil {
		t.Fatalf("Failed to rewrite table file: %v", err)
	}

	if err := HandleTableReloadCommand(client, &mqttRecorder{}, config, tables, "req-2"); err == nil {
		t.Fatal("Expected error for invalid table file")
	}

	// Previous table stays active
	if tables.Version() != 1 {
		t.Errorf("Version changed on failed reload: %d", tables.Version())
	}
	if rpm, ok := tables.Current().Resolve("gt3_bmw", 3); !ok || rpm != 7200 {
		t.Errorf("Old table no longer active, Resolve returned %v, %v", rpm, ok)
	}

	if len(client.events) != 1 || client.events[0].Status != events.StatusFailed {
		t.Errorf("Expected a failed table_reload event, got %+v", client.events)
	}
}

func TestHandleTableGetCommand(t *testing.T) {
	client := &mockTableClient{}
	mqttClient := &mqttRecorder{}
	config := tableTestConfig()
	tables := loadedStore(t, `{"cars": {"gt3_bmw": {"gears": {"3": 7200}}}}`)

	if err := HandleTableGetCommand(client, mqttClient, config, tables, "req-3"); err != nil {
		t.Fatalf("HandleTableGetCommand failed: %v", err)
	}

	if len(mqttClient.published) != 1 {
		t.Fatalf("Expected 1 data message, got %d", len(mqttClient.published))
	}

	var response struct {
		Status    string          `json:"status"`
		Table     json.RawMessage `json:"table"`
		Version   int64           `json:"version"`
		RequestID string          `json:"request_id"`
	}
	if err := json.Unmarshal(mqttClient.published[0].Payload, &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Status != "success" || response.Version != 1 || response.RequestID != "req-3" {
		t.Errorf("Unexpected response: %+v", response)
	}

	table, err := shifttable.Parse(response.Table)
	if err != nil {
		t.Fatalf("Returned table does not parse: %v", err)
	}
	if rpm, ok := table.Resolve("gt3_bmw", 3); !ok || rpm != 7200 {
		t.Errorf("Returned table wrong, Resolve returned %v, %v", rpm, ok)
	}
}

func TestHandleTableGetCommand_NoTable(t *testing.T) {
	tables := shifttable.NewStore(filepath.Join(t.TempDir(), "missing.json"))

	err := HandleTableGetCommand(&mockTableClient{}, &mqttRecorder{}, tableTestConfig(), tables, "req-4")
	if err == nil {
		t.Fatal("Expected error when no table is loaded")
	}
}

func TestHandleTableSetCommand(t *testing.T) {
	initial := `{"default_rpm": 7000, "cars": {"gt3_bmw": {"gears": {"3": 7200}}, "f3": 7400}}`

	tests := []struct {
		name        string
		params      map[string]interface{}
		expectError bool
		car         string
		gear        int
		wantRPM     float64
	}{
		{
			name:    "set gear threshold on existing car",
			params:  map[string]interface{}{"car": "gt3_bmw", "gear": 4.0, "rpm": 7300.0},
			car:     "gt3_bmw",
			gear:    4,
			wantRPM: 7300,
		},
		{
			name:    "overwrite existing gear threshold",
			params:  map[string]interface{}{"car": "gt3_bmw", "gear": 3.0, "rpm": 7250.0},
			car:     "gt3_bmw",
			gear:    3,
			wantRPM: 7250,
		},
		{
			name:    "set car default without gear",
			params:  map[string]interface{}{"car": "gt3_bmw", "rpm": 7100.0},
			car:     "gt3_bmw",
			gear:    5,
			wantRPM: 7100,
		},
		{
			name:    "bare-number car keeps default when gear added",
			params:  map[string]interface{}{"car": "f3", "gear": 2.0, "rpm": 7600.0},
			car:     "f3",
			gear:    2,
			wantRPM: 7600,
		},
		{
			name:    "new car entry",
			params:  map[string]interface{}{"car": "gt4_cayman", "gear": 3.0, "rpm": 6900.0},
			car:     "gt4_cayman",
			gear:    3,
			wantRPM: 6900,
		},
		{
			name:        "missing car",
			params:      map[string]interface{}{"rpm": 7300.0},
			expectError: true,
		},
		{
			name:        "missing rpm",
			params:      map[string]interface{}{"car": "gt3_bmw"},
			expectError: true,
		},
		{
			name:        "negative rpm",
			params:      map[string]interface{}{"car": "gt3_bmw", "rpm": -100.0},
			expectError: true,
		},
		{
			name:        "fractional gear",
			params:      map[string]interface{}{"car": "gt3_bmw", "gear": 2.5, "rpm": 7300.0},
			expectError: true,
		},
		{
			name:        "gear below one",
			params:      map[string]interface{}{"car": "gt3_bmw", "gear": 0.0, "rpm": 7300.0},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockTableClient{}
			mqttClient := &mqttRecorder{}
			tables := loadedStore(t, initial)

			err := HandleTableSetCommand(client, mqttClient, tableTestConfig(), tables, tt.params, "req-5")

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if tables.Version() != 1 {
					t.Errorf("Version changed on failed set: %d", tables.Version())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tables.Version() != 2 {
				t.Errorf("Expected version 2, got %d", tables.Version())
			}
			if rpm, ok := tables.Current().Resolve(tt.car, tt.gear); !ok || rpm != tt.wantRPM {
				t.Errorf("Resolve(%s, %d) = %v, %v, want %v", tt.car, tt.gear, rpm, ok, tt.wantRPM)
			}
			if len(client.events) != 1 || client.events[0].EventType != events.EventTypeTableUpdate {
				t.Errorf("Expected a table_update event, got %+v", client.events)
			}
		})
	}
}

func TestHandleTableSetCommand_BareNumberPreservesDefault(t *testing.T) {
	client := &mockTableClient{}
	tables := loadedStore(t, `{"cars": {"f3": 7400}}`)

	params := map[string]interface{}{"car": "f3", "gear": 2.0, "rpm": 7600.0}
	if err := HandleTableSetCommand(client, &mqttRecorder{}, tableTestConfig(), tables, params, "req-6"); err != nil {
		t.Fatalf("HandleTableSetCommand failed: %v", err)
	}

	// The old bare-number threshold becomes the car default
	if rpm, ok := tables.Current().Resolve("f3", 5); !ok || rpm != 7400 {
		t.Errorf("Car default lost, Resolve(f3, 5) = %v, %v", rpm, ok)
	}
	if rpm, ok := tables.Current().Resolve("f3", 2); !ok || rpm != 7600 {
		t.Errorf("Gear threshold not set, Resolve(f3, 2) = %v, %v", rpm, ok)
	}
}
