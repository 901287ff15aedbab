package telemetry

import (
	"testing"

	"shiftbeep/internal/models"
)

func TestGetFieldPriority_ExactMatch(t *testing.T) {
	tests := []struct {
		hash     string
		field    string
		expected Priority
	}{
		{"sim:session", "state", Immediate},
		{"sim:session", "flags", Immediate},
		{"sim:session", "car_id", Immediate},
		{"sim:vehicle", "in_pits", Immediate},
		{"sim:vehicle", "gear", Quick},
		{"sim:vehicle", "lap", Quick},
		{"sim:session", "track", Slow},
		{"sim:session", "car_name", Slow},
	}

	for _, tt := range tests {
		t.Run(tt.hash+"["+tt.field+"]", func(t *testing.T) {
			got := GetFieldPriority(tt.hash, tt.field)
			if got != tt.expected {
				t.Errorf("GetFieldPriority(%s, %s) = %v, want %v", tt.hash, tt.field, got, tt.expected)
			}
		})
	}
}

func TestGetFieldPriority_HashFallback(t *testing.T) {
	// Fields not explicitly mapped should fall back to hash priority
	got := GetFieldPriority("sim:vehicle", "fuel_level")
	if got != Quick {
		t.Errorf("GetFieldPriority(sim:vehicle, fuel_level) = %v, want Quick", got)
	}
}

func TestGetFieldPriority_DefaultMedium(t *testing.T) {
	// Unknown hashes should default to Medium priority
	tests := []struct {
		hash  string
		field string
	}{
		{"sim:session", "session_type"},
		{"sim:weather", "track_temp"},
	}

	for _, tt := range tests {
		t.Run(tt.hash+"["+tt.field+"]", func(t *testing.T) {
			got := GetFieldPriority(tt.hash, tt.field)
			if got != Medium {
				t.Errorf("GetFieldPriority(%s, %s) = %v, want Medium", tt.hash, tt.field, got)
			}
		})
	}
}

func TestGetFieldPriority_NoisyFields(t *testing.T) {
	// Per-frame fields should return -1
	tests := []struct {
		hash  string
		field string
	}{
		{"sim:vehicle", "rpm"},
		{"sim:vehicle", "speed"},
		{"sim:session", "session_time"},
	}

	for _, tt := range tests {
		if got := GetFieldPriority(tt.hash, tt.field); got != -1 {
			t.Errorf("GetFieldPriority(%s, %s) = %v, want -1 (noisy)", tt.hash, tt.field, got)
		}
	}
}

func TestGetPriorityDeadlines(t *testing.T) {
	config := &models.Config{
		Telemetry: models.TelemetryConfig{
			Priorities: models.PriorityConfig{
				Immediate: "1s",
				Quick:     "5s",
				Medium:    "1m",
				Slow:      "15m",
			},
		},
	}

	deadlines := GetPriorityDeadlines(config)

	if deadlines[Immediate].Seconds() != 1 {
		t.Errorf("Immediate deadline = %v, want 1s", deadlines[Immediate])
	}
	if deadlines[Quick].Seconds() != 5 {
		t.Errorf("Quick deadline = %v, want 5s", deadlines[Quick])
	}
	if deadlines[Medium].Seconds() != 60 {
		t.Errorf("Medium deadline = %v, want 1m", deadlines[Medium])
	}
	if deadlines[Slow].Minutes() != 15 {
		t.Errorf("Slow deadline = %v, want 15m", deadlines[Slow])
	}
}

func TestPriorityNames(t *testing.T) {
	if PriorityNames[Immediate] != "Immediate" {
		t.Errorf("PriorityNames[Immediate] = %s, want Immediate", PriorityNames[Immediate])
	}
	if PriorityNames[Quick] != "Quick" {
		t.Errorf("PriorityNames[Quick] = %s, want Quick", PriorityNames[Quick])
	}
	if PriorityNames[Medium] != "Medium" {
		t.Errorf("PriorityNames[Medium] = %s, want Medium", PriorityNames[Medium])
	}
	if PriorityNames[Slow] != "Slow" {
		t.Errorf("PriorityNames[Slow] = %s, want Slow", PriorityNames[Slow])
	}
}
