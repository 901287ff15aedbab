package session

import (
	"testing"
	"time"

	"shiftbeep/internal/models"
)

func connectedSample(car, track string, sessionTime float64) models.TelemetrySample {
	return models.TelemetrySample{
		CarID:       car,
		Track:       track,
		FlagState:   models.FlagGreen,
		SessionTime: sessionTime,
		Timestamp:   time.Now(),
	}
}

func changeTypes(changes []Change) []ChangeType {
	types := make([]ChangeType, 0, len(changes))
	for _, c := range changes {
		types = append(types, c.Type)
	}
	return types
}

func hasChange(changes []Change, ct ChangeType) bool {
	for _, c := range changes {
		if c.Type == ct {
			return true
		}
	}
	return false
}

func TestObserve_ConnectStartsSession(t *testing.T) {
	tr := NewTracker()

	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 10))

	if !hasChange(changes, ChangeConnection) {
		t.Errorf("Expected connection change, got %v", changeTypes(changes))
	}
	if !hasChange(changes, ChangeSessionStart) {
		t.Errorf("Expected session start, got %v", changeTypes(changes))
	}
	if tr.SessionID() == "" {
		t.Error("Expected session id after connect")
	}
	if tr.State() != models.ConnConnected {
		t.Errorf("Expected connected state, got %v", tr.State())
	}
}

func TestObserve_DisconnectEndsSession(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 10))
	id := tr.SessionID()

	changes := tr.Observe(models.ConnDisconnected, models.TelemetrySample{Timestamp: time.Now()})

	if !hasChange(changes, ChangeSessionEnd) {
		t.Errorf("Expected session end, got %v", changeTypes(changes))
	}
	for _, c := range changes {
		if c.Type == ChangeSessionEnd && c.From != id {
			t.Errorf("Expected session end to carry id %s, got %s", id, c.From)
		}
	}
	if tr.SessionID() != "" {
		t.Error("Expected no session id after disconnect")
	}
}

func TestObserve_SteadyStateNoChanges(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 10))

	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 10.05))
	if len(changes) != 0 {
		t.Errorf("Expected no changes in steady state, got %v", changeTypes(changes))
	}
}

func TestObserve_SessionTimeResetMintsNewSession(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 600))
	first := tr.SessionID()

	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 2))

	if !hasChange(changes, ChangeSessionEnd) || !hasChange(changes, ChangeSessionStart) {
		t.Fatalf("Expected session end and start, got %v", changeTypes(changes))
	}
	if tr.SessionID() == first || tr.SessionID() == "" {
		t.Error("Expected a fresh session id after the clock reset")
	}
}

func TestObserve_SmallClockJitterKeepsSession(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 100))
	first := tr.SessionID()

	// Within the tolerance window, no restart
	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 98))
	if hasChange(changes, ChangeSessionEnd) {
		t.Errorf("Expected no restart for small jitter, got %v", changeTypes(changes))
	}
	if tr.SessionID() != first {
		t.Error("Expected session id to be stable across jitter")
	}
}

func TestObserve_TrackChangeMintsNewSession(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 100))
	first := tr.SessionID()

	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "monza", 101))

	if !hasChange(changes, ChangeSessionEnd) || !hasChange(changes, ChangeSessionStart) {
		t.Fatalf("Expected session end and start on track change, got %v", changeTypes(changes))
	}
	if tr.SessionID() == first {
		t.Error("Expected a fresh session id after track change")
	}
}

func TestObserve_CarChange(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 100))

	changes := tr.Observe(models.ConnConnected, connectedSample("gt3_porsche", "spa", 101))

	if !hasChange(changes, ChangeCar) {
		t.Fatalf("Expected car change, got %v", changeTypes(changes))
	}
	for _, c := range changes {
		if c.Type == ChangeCar && (c.From != "gt3_bmw" || c.To != "gt3_porsche") {
			t.Errorf("Expected car change gt3_bmw -> gt3_porsche, got %s -> %s", c.From, c.To)
		}
	}
}

func TestObserve_FlagChange(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 100))

	caution := connectedSample("gt3_bmw", "spa", 101)
	caution.FlagState = models.FlagCaution
	changes := tr.Observe(models.ConnConnected, caution)

	if !hasChange(changes, ChangeFlag) {
		t.Fatalf("Expected flag change, got %v", changeTypes(changes))
	}
}

func TestMarkDisconnected(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.ConnConnected, connectedSample("gt3_bmw", "spa", 100))

	changes := tr.MarkDisconnected()
	if !hasChange(changes, ChangeConnection) || !hasChange(changes, ChangeSessionEnd) {
		t.Fatalf("Expected connection change and session end, got %v", changeTypes(changes))
	}
	if tr.State() != models.ConnDisconnected {
		t.Errorf("Expected disconnected, got %v", tr.State())
	}

	// Idempotent when already disconnected
	if changes := tr.MarkDisconnected(); len(changes) != 0 {
		t.Errorf("Expected no changes when already disconnected, got %v", changeTypes(changes))
	}
}

func TestInfo_ReflectsTrackedSession(t *testing.T) {
	tr := NewTracker()
	sample := connectedSample("gt3_bmw", "spa", 42)
	sample.CarName = "BMW M4 GT3"
	tr.Observe(models.ConnConnected, sample)

	info := tr.Info()
	if info.Connection != models.ConnConnected {
		t.Errorf("Expected connected, got %v", info.Connection)
	}
	if info.CarID != "gt3_bmw" || info.CarName != "BMW M4 GT3" {
		t.Errorf("Expected car identity, got %s / %s", info.CarID, info.CarName)
	}
	if info.Track != "spa" {
		t.Errorf("Expected track spa, got %s", info.Track)
	}
	if info.SessionID == "" {
		t.Error("Expected session id in info")
	}
	if info.SessionTime != 42 {
		t.Errorf("Expected session time 42, got %v", info.SessionTime)
	}
}
