package shifttable

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// CarEntry holds the shift thresholds for a single car. A car may carry
// per-gear thresholds, a car-wide default, or both.
type CarEntry struct {
	DefaultRPM float64         `json:"default_rpm,omitempty"`
	Gears      map[int]float64 `json:"gears,omitempty"`
}

// UnmarshalJSON accepts either the object form or a bare number, which
// sets the car-wide default for all gears
func (e *CarEntry) UnmarshalJSON(data []byte) error {
	var rpm float64
	if err := json.Unmarshal(data, &rpm); err == nil {
		e.DefaultRPM = rpm
		e.Gears = nil
		return nil
	}

	var raw struct {
		DefaultRPM float64            `json:"default_rpm"`
		Gears      map[string]float64 `json:"gears"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("car entry must be a number or an object: %v", err)
	}

	e.DefaultRPM = raw.DefaultRPM
	e.Gears = nil
	if len(raw.Gears) > 0 {
		e.Gears = make(map[int]float64, len(raw.Gears))
		for key, rpm := range raw.Gears {
			gear, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("invalid gear key %q: must be an integer", key)
			}
			e.Gears[gear] = rpm
		}
	}
	return nil
}

// Table is a parsed shift table document. Tables are immutable after
// validation; reloads build a new Table and swap the pointer.
type Table struct {
	DefaultRPM float64              `json:"default_rpm,omitempty"`
	Cars       map[string]*CarEntry `json:"cars"`
	Aliases    map[string]string    `json:"aliases,omitempty"`
}

// Parse decodes and validates a shift table document
func Parse(data []byte) (*Table, error) {
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse shift table: %v", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Load reads and parses a shift table document from disk
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shift table: %v", err)
	}
	return Parse(data)
}

// Validate checks the table for invalid thresholds, gear numbers and
// alias references. All problems are collected into a single error.
func (t *Table) Validate() error {
	var errors []string

	if t.DefaultRPM < 0 || math.IsNaN(t.DefaultRPM) || math.IsInf(t.DefaultRPM, 0) {
		errors = append(errors, fmt.Sprintf("default_rpm must be a positive number, got %v", t.DefaultRPM))
	}

	for _, carID := range sortedCarIDs(t.Cars) {
		entry := t.Cars[carID]
		if carID == "" {
			errors = append(errors, "car id must not be empty")
			continue
		}
		if entry == nil {
			errors = append(errors, fmt.Sprintf("car %s: entry must not be null", carID))
			continue
		}
		if entry.DefaultRPM < 0 || math.IsNaN(entry.DefaultRPM) || math.IsInf(entry.DefaultRPM, 0) {
			errors = append(errors, fmt.Sprintf("car %s: default_rpm must be a positive number, got %v", carID, entry.DefaultRPM))
		}
		if entry.DefaultRPM == 0 && len(entry.Gears) == 0 {
			errors = append(errors, fmt.Sprintf("car %s: entry has neither default_rpm nor gears", carID))
		}
		for gear, rpm := range entry.Gears {
			if gear < 1 {
				errors = append(errors, fmt.Sprintf("car %s: gear %d is invalid, gears start at 1", carID, gear))
			}
			if rpm <= 0 || math.IsNaN(rpm) || math.IsInf(rpm, 0) {
				errors = append(errors, fmt.Sprintf("car %s gear %d: threshold must be a positive number, got %v", carID, gear, rpm))
			}
		}
	}

	for _, alias := range sortedAliasKeys(t.Aliases) {
		target := t.Aliases[alias]
		if _, shadows := t.Cars[alias]; shadows {
			errors = append(errors, fmt.Sprintf("alias %s shadows a car entry of the same id", alias))
		}
		if _, chained := t.Aliases[target]; chained {
			errors = append(errors, fmt.Sprintf("alias %s points at alias %s, chains are not allowed", alias, target))
			continue
		}
		if _, ok := t.Cars[target]; !ok {
			errors = append(errors, fmt.Sprintf("alias %s points at unknown car %s", alias, target))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shift table validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Resolve returns the shift threshold for a car and gear. Lookup order
// is alias, exact gear entry, car default, global default. The second
// return is false when no threshold applies.
func (t *Table) Resolve(carID string, gear int) (float64, bool) {
	if t == nil || carID == "" || gear < 1 {
		return 0, false
	}

	if target, ok := t.Aliases[carID]; ok {
		carID = target
	}

	if entry, ok := t.Cars[carID]; ok && entry != nil {
		if rpm, ok := entry.Gears[gear]; ok {
			return rpm, true
		}
		if entry.DefaultRPM > 0 {
			return entry.DefaultRPM, true
		}
	}

	if t.DefaultRPM > 0 {
		return t.DefaultRPM, true
	}
	return 0, false
}

// CarCount returns the number of car entries, not counting aliases
func (t *Table) CarCount() int {
	if t == nil {
		return 0
	}
	return len(t.Cars)
}

func sortedCarIDs(cars map[string]*CarEntry) []string {
	ids := make([]string, 0, len(cars))
	for id := range cars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedAliasKeys(aliases map[string]string) []string {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
