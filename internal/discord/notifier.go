package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"shiftbeep/internal/events"
	"shiftbeep/internal/models"
)

// defaultQueueSize bounds pending notifications per notifier
const defaultQueueSize = 16

// Notifier sends Discord webhook notifications for rig events
type Notifier struct {
	config      *models.DiscordConfig
	identifier  string
	queue       chan events.Event
	client      *http.Client
	rateLimit   time.Duration
	minInterval time.Duration
	lastSent    map[string]time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewNotifier creates a new Discord webhook notifier
func NewNotifier(config *models.DiscordConfig, rigConfig *models.RigConfig) (*Notifier, error) {
	rateLimit, err := time.ParseDuration(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit: %v", err)
	}

	var minInterval time.Duration
	if config.MinInterval != "" {
		minInterval, err = time.ParseDuration(config.MinInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid min_interval: %v", err)
		}
	}

	return &Notifier{
		config:      config,
		identifier:  rigConfig.Identifier,
		queue:       make(chan events.Event, defaultQueueSize),
		client:      &http.Client{Timeout: 10 * time.Second},
		rateLimit:   rateLimit,
		minInterval: minInterval,
		lastSent:    make(map[string]time.Time),
	}, nil
}

// Start begins processing the notification queue
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.processQueue(ctx)
	log.Printf("[Discord] Notifier started (rate_limit=%s, min_interval=%s)", n.rateLimit, n.minInterval)
}

// Stop gracefully shuts down the notifier
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	log.Println("[Discord] Notifier stopped")
}

// Notify enqueues an event for sending (non-blocking)
func (n *Notifier) Notify(event events.Event) {
	select {
	case n.queue <- event:
	default:
		log.Printf("[Discord] Queue full, dropping event: %s", event.EventType)
	}
}

// ShouldNotify checks whether notifications are enabled for an event type
func (n *Notifier) ShouldNotify(eventType string) bool {
	for _, t := range n.config.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (n *Notifier) processQueue(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.rateLimit)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			if n.suppressed(event.EventType) {
				log.Printf("[Discord] Suppressing %s within min_interval", event.EventType)
				continue
			}
			if err := n.sendToDiscord(event); err != nil {
				log.Printf("[Discord] Failed to send: %v", err)
			} else {
				n.lastSent[event.EventType] = time.Now()
			}
			// Rate limit: wait for next tick before processing more
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// suppressed reports whether the same event type was sent within
// min_interval. Keeps flag flapping from flooding the channel.
func (n *Notifier) suppressed(eventType string) bool {
	if n.minInterval <= 0 {
		return false
	}
	last, ok := n.lastSent[eventType]
	return ok && time.Since(last) < n.minInterval
}

func (n *Notifier) sendToDiscord(event events.Event) error {
	payload, err := json.Marshal(map[string]string{
		"content": n.FormatMessage(event),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %v", err)
	}

	resp, err := n.client.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Discord webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Discord] Sent %s notification", event.EventType)
	return nil
}

// FormatMessage formats an event into a concise one-line message
func (n *Notifier) FormatMessage(event events.Event) string {
	rig := n.identifier

	d := event.Data
	str := func(key string) string {
		if v, ok := d[key]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}

	switch event.EventType {
	case events.EventTypeSessionStart:
		car := str("car_name")
		if car == "" {
			car = str("car_id")
		}
		if track := str("track"); track != "" {
			return fmt.Sprintf("🏁 %s session started: %s at %s", rig, car, track)
		}
		return fmt.Sprintf("🏁 %s session started: %s", rig, car)

	case events.EventTypeSessionEnd:
		if track := str("track"); track != "" {
			return fmt.Sprintf("🏁 %s session ended at %s", rig, track)
		}
		return fmt.Sprintf("🏁 %s session ended", rig)

	case events.EventTypeFlagChange:
		switch str("to") {
		case string(models.FlagCaution):
			return fmt.Sprintf("🟡 %s caution is out", rig)
		case string(models.FlagGreen):
			return fmt.Sprintf("🟢 %s green flag", rig)
		default:
			return fmt.Sprintf("🏳️ %s flag: %s → %s", rig, str("from"), str("to"))
		}

	case events.EventTypeCarChange:
		return fmt.Sprintf("🚗 %s car change: %s → %s", rig, str("from"), str("to"))

	case events.EventTypeStateChange:
		return fmt.Sprintf("🔄 %s: %s → %s", rig, str("from"), str("to"))

	case events.EventTypeConnect:
		return fmt.Sprintf("📡 %s sim link restored", rig)

	case events.EventTypeDisconnect:
		return fmt.Sprintf("📡 %s lost sim link", rig)

	case events.EventTypeAlert:
		msg := fmt.Sprintf("🔔 %s shift alert: gear %s at %s rpm", rig, str("gear"), str("rpm"))
		if threshold := str("threshold_rpm"); threshold != "" {
			msg += fmt.Sprintf(" (limit %s)", threshold)
		}
		return msg

	case events.EventTypeIncident:
		msg := fmt.Sprintf("⚠️ %s incident", rig)
		if desc := str("description"); desc != "" {
			msg += ": " + desc
		} else if t := str("type"); t != "" {
			msg += ": " + t
		}
		if lap := str("lap"); lap != "" {
			msg += fmt.Sprintf(" (lap %s)", lap)
		}
		return msg

	case events.EventTypeTableReload, events.EventTypeTableUpdate:
		if version := str("version"); version != "" {
			return fmt.Sprintf("📋 %s shift table now v%s", rig, version)
		}
		return fmt.Sprintf("📋 %s shift table updated", rig)

	default:
		if event.Status != "" {
			return fmt.Sprintf("📢 %s %s: %s", rig, event.EventType, event.Status)
		}
		return fmt.Sprintf("📢 %s %s", rig, event.EventType)
	}
}
