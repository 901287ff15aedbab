package telemetry

import (
	"time"

	"shiftbeep/internal/models"
)

// Priority represents a telemetry field priority level
type Priority int

const (
	Immediate Priority = iota // 0 - Connection state, flags, car identity
	Quick                     // 1 - Gear, lap
	Medium                    // 2 - Most other fields (default)
	Slow                      // 3 - Static session metadata
)

// PriorityNames maps priority levels to human-readable names
var PriorityNames = map[Priority]string{
	Immediate: "Immediate",
	Quick:     "Quick",
	Medium:    "Medium",
	Slow:      "Slow",
}

// FieldPriorities maps specific fields to their priority levels
// Format: "hash[field]" -> Priority
var FieldPriorities = map[string]Priority{
	// Immediate priority - changes the backend wants right away
	"sim:session[state]":   Immediate,
	"sim:session[flags]":   Immediate,
	"sim:session[car_id]":  Immediate,
	"sim:vehicle[in_pits]": Immediate,

	// Quick priority - frequently changing important data
	"sim:vehicle[gear]": Quick,
	"sim:vehicle[lap]":  Quick,

	// Slow priority - static for the duration of a session
	"sim:session[track]":      Slow,
	"sim:session[car_name]":   Slow,
	"sim:session[session_id]": Slow,
}

// HashPriorities maps Redis hash names to their default priority
// Used when a field isn't explicitly mapped in FieldPriorities
var HashPriorities = map[string]Priority{
	"sim:vehicle": Quick,
}

// NoisyFields contains fields that should be filtered out from change detection
// These fields change every sim frame and would defeat the deadlines
var NoisyFields = map[string]bool{
	"sim:vehicle[rpm]":          true,
	"sim:vehicle[speed]":        true,
	"sim:session[session_time]": true,
}

// GetFieldPriority returns the priority for a given hash and field
func GetFieldPriority(hash, field string) Priority {
	fullKey := hash + "[" + field + "]"

	// Check if field is in noisy filter
	if NoisyFields[fullKey] {
		return -1 // Signal to skip this field
	}

	// Check exact field mapping first
	if priority, ok := FieldPriorities[fullKey]; ok {
		return priority
	}

	// Fall back to hash-level priority
	if priority, ok := HashPriorities[hash]; ok {
		return priority
	}

	// Default to Medium priority
	return Medium
}

// GetPriorityDeadlines returns a map of priority levels to their deadlines
func GetPriorityDeadlines(config *models.Config) map[Priority]time.Duration {
	immediate, _ := time.ParseDuration(config.Telemetry.Priorities.Immediate)
	quick, _ := time.ParseDuration(config.Telemetry.Priorities.Quick)
	medium, _ := time.ParseDuration(config.Telemetry.Priorities.Medium)
	slow, _ := time.ParseDuration(config.Telemetry.Priorities.Slow)

	return map[Priority]time.Duration{
		Immediate: immediate,
		Quick:     quick,
		Medium:    medium,
		Slow:      slow,
	}
}
