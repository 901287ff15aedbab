package handlers

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shiftbeep/internal/events"
	"shiftbeep/internal/shifttable"
)

func testTableStore(t *testing.T) *shifttable.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shift_table.json")
	if err := os.WriteFile(path, []byte(`{"cars": {"old_car": 6800}}`), 0644); err != nil {
		t.Fatalf("Failed to write initial table: %v", err)
	}
	store := shifttable.NewStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Failed to load initial table: %v", err)
	}
	return store
}

func TestHandleTableUpdateCommand(t *testing.T) {
	newTable := []byte(`{"cars": {"gt3_bmw": {"gears": {"3": 7200, "4": 7300}}}}`)
	newTableHash := sha256.Sum256(newTable)
	newTableChecksum := fmt.Sprintf("%x", newTableHash[:])

	badTable := []byte(`{"cars": {"gt3_bmw": {"gears": {"0": 7200}}}}`)
	badTableHash := sha256.Sum256(badTable)
	badTableChecksum := fmt.Sprintf("%x", badTableHash[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.Write(badTable)
			return
		}
		w.Write(newTable)
	}))
	defer server.Close()

	tests := []struct {
		name              string
		params            map[string]interface{}
		expectError       bool
		errorMsg          string
		expectFailedEvent bool
	}{
		{
			name: "successful update",
			params: map[string]interface{}{
				"url":      server.URL,
				"checksum": fmt.Sprintf("sha256:%s", newTableChecksum),
			},
			expectError: false,
		},
		{
			name: "missing URL",
			params: map[string]interface{}{
				"checksum": fmt.Sprintf("sha256:%s", newTableChecksum),
			},
			expectError: true,
			errorMsg:    "update URL not specified or invalid",
		},
		{
			name: "missing checksum",
			params: map[string]interface{}{
				"url": server.URL,
			},
			expectError: true,
			errorMsg:    "checksum not specified or invalid",
		},
		{
			name: "invalid checksum format",
			params: map[string]interface{}{
				"url":      server.URL,
				"checksum": "invalid-checksum-format",
			},
			expectError: true,
			errorMsg:    "invalid checksum format",
		},
		{
			name: "checksum mismatch",
			params: map[string]interface{}{
				"url":      server.URL,
				"checksum": "sha256:wrongchecksum",
			},
			expectError: true,
			errorMsg:    "checksum mismatch",
		},
		{
			name: "invalid table content",
			params: map[string]interface{}{
				"url":      server.URL + "/bad",
				"checksum": fmt.Sprintf("sha256:%s", badTableChecksum),
			},
			expectError:       true,
			errorMsg:          "failed to activate shift table",
			expectFailedEvent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockCommandHandlerClient{}
			tables := testTableStore(t)
			versionBefore := tables.Version()

			err := handleTableUpdateCommand(client, tt.params, "test-request-id", tables)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got: %v", tt.errorMsg, err)
				}
				if tables.Version() != versionBefore {
					t.Errorf("Table version changed on failed update: %d -> %d", versionBefore, tables.Version())
				}
				if tt.expectFailedEvent {
					if len(client.events) != 1 || client.events[0].Status != events.StatusFailed {
						t.Errorf("Expected a failed table_update event, got %+v", client.events)
					}
				} else if len(client.events) != 0 {
					t.Errorf("Unexpected events on failed update: %+v", client.events)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tables.Version() != versionBefore+1 {
				t.Errorf("Expected version %d, got %d", versionBefore+1, tables.Version())
			}
			if rpm, ok := tables.Current().Resolve("gt3_bmw", 3); !ok || rpm != 7200 {
				t.Errorf("New table not active, Resolve returned %v, %v", rpm, ok)
			}
			if len(client.events) != 1 || client.events[0].EventType != events.EventTypeTableUpdate {
				t.Errorf("Expected a table_update event, got %+v", client.events)
			}
		})
	}
}
