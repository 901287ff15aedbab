package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"shiftbeep/internal/events"
	"shiftbeep/internal/models"
)

func testConfig() *models.DiscordConfig {
	return &models.DiscordConfig{
		Enabled:     true,
		WebhookURL:  "https://discord.example/api/webhooks/123/token",
		RateLimit:   "10ms",
		MinInterval: "",
		EventTypes:  []string{"session_start", "session_end", "incident", "connect", "disconnect"},
	}
}

func testRig() *models.RigConfig {
	return &models.RigConfig{Identifier: "RIG-01"}
}

func TestShouldNotify(t *testing.T) {
	n, err := NewNotifier(testConfig(), testRig())
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}

	tests := []struct {
		eventType string
		expected  bool
	}{
		{"session_start", true},
		{"session_end", true},
		{"incident", true},
		{"disconnect", true},
		{"flag_change", false},
		{"alert", false},
		{"unknown_event", false},
	}

	for _, tt := range tests {
		if got := n.ShouldNotify(tt.eventType); got != tt.expected {
			t.Errorf("ShouldNotify(%q) = %v, want %v", tt.eventType, got, tt.expected)
		}
	}
}

func TestFormatSessionStart(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeSessionStart, "", map[string]interface{}{
		"car_id":   "porsche992cup",
		"car_name": "Porsche 992 GT3 Cup",
		"track":    "spa",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🏁 RIG-01 session started: Porsche 992 GT3 Cup at spa")
}

func TestFormatSessionStartWithoutCarName(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeSessionStart, "", map[string]interface{}{
		"car_id": "porsche992cup",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🏁 RIG-01 session started: porsche992cup")
}

func TestFormatSessionEnd(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeSessionEnd, "", map[string]interface{}{
		"track": "spa",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🏁 RIG-01 session ended at spa")
}

func TestFormatFlagChangeCaution(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeFlagChange, "", map[string]interface{}{
		"from": "green",
		"to":   "caution",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🟡 RIG-01 caution is out")
}

func TestFormatFlagChangeGreen(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeFlagChange, "", map[string]interface{}{
		"from": "caution",
		"to":   "green",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🟢 RIG-01 green flag")
}

func TestFormatStateChange(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeStateChange, "", map[string]interface{}{
		"from": "waiting",
		"to":   "connected",
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🔄 RIG-01: waiting → connected")
}

func TestFormatConnectivity(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())

	lost := n.FormatMessage(events.NewEvent(events.EventTypeDisconnect, events.StatusLost, nil))
	assertEq(t, lost, "📡 RIG-01 lost sim link")

	restored := n.FormatMessage(events.NewEvent(events.EventTypeConnect, events.StatusRegained, nil))
	assertEq(t, restored, "📡 RIG-01 sim link restored")
}

func TestFormatAlert(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeAlert, events.StatusTriggered, map[string]interface{}{
		"gear":          3,
		"rpm":           7250,
		"threshold_rpm": 7200,
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "🔔 RIG-01 shift alert: gear 3 at 7250 rpm (limit 7200)")
}

func TestFormatIncident(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	event := events.NewEvent(events.EventTypeIncident, events.StatusTriggered, map[string]interface{}{
		"type": "off_track",
		"lap":  4,
	})
	msg := n.FormatMessage(event)
	assertEq(t, msg, "⚠️ RIG-01 incident: off_track (lap 4)")
}

func TestFormatDefault(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())
	msg := n.FormatMessage(events.NewEvent(events.EventTypeCommand, events.StatusTriggered, nil))
	assertEq(t, msg, "📢 RIG-01 command: triggered")
}

func TestNotifyQueueFull(t *testing.T) {
	n, err := NewNotifier(testConfig(), testRig())
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}

	event := events.NewEvent(events.EventTypeIncident, events.StatusTriggered, nil)
	for i := 0; i < defaultQueueSize+5; i++ {
		n.Notify(event)
	}

	if len(n.queue) != defaultQueueSize {
		t.Errorf("queue should have %d events, got %d", defaultQueueSize, len(n.queue))
	}
}

func TestSendToDiscord(t *testing.T) {
	var receivedCount int32
	var lastContent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&receivedCount, 1)
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		lastContent.Store(payload["content"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.WebhookURL = server.URL
	n, _ := NewNotifier(cfg, testRig())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.Notify(events.NewEvent(events.EventTypeDisconnect, events.StatusLost, nil))
	time.Sleep(100 * time.Millisecond)
	cancel()
	n.Stop()

	if atomic.LoadInt32(&receivedCount) != 1 {
		t.Fatalf("expected 1 webhook call, got %d", receivedCount)
	}
	if got, _ := lastContent.Load().(string); got != "📡 RIG-01 lost sim link" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestMinIntervalSuppression(t *testing.T) {
	var receivedCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&receivedCount, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.WebhookURL = server.URL
	cfg.RateLimit = "5ms"
	cfg.MinInterval = "1h"
	n, _ := NewNotifier(cfg, testRig())

	event := events.NewEvent(events.EventTypeFlagChange, "", map[string]interface{}{"to": "caution"})
	n.Notify(event)
	n.Notify(event)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	n.Stop()

	if atomic.LoadInt32(&receivedCount) != 1 {
		t.Errorf("expected 1 webhook call with min_interval active, got %d", receivedCount)
	}
}

func TestStartStop(t *testing.T) {
	n, _ := NewNotifier(testConfig(), testRig())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.Notify(events.NewEvent(events.EventTypeIncident, events.StatusTriggered, nil))
	time.Sleep(50 * time.Millisecond)
	cancel()
	n.Stop()
}

func TestInvalidRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = "not-a-duration"

	_, err := NewNotifier(cfg, testRig())
	if err == nil {
		t.Error("expected error for invalid rate_limit")
	}
}

func TestInvalidMinInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = "sometimes"

	_, err := NewNotifier(cfg, testRig())
	if err == nil {
		t.Error("expected error for invalid min_interval")
	}
}

func assertEq(t *testing.T, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("got:  %q\nwant: %q", got, want)
	}
}
