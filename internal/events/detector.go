package events

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"shiftbeep/internal/models"
	"shiftbeep/internal/telemetry"
)

// EventPublisher is the interface for publishing events
type EventPublisher interface {
	PublishEvent(event Event) error
	IsConnected() bool
}

// TelemetryFlusher is the interface for triggering telemetry flush
type TelemetryFlusher interface {
	FlushAllPending()
}

// EventListener receives event notifications
type EventListener interface {
	Notify(event Event)
	ShouldNotify(eventType string) bool
}

// SessionSource provides the current session id for event tagging
type SessionSource interface {
	SessionID() string
}

// Detector monitors the sim bridge for conditions that trigger events.
// Session identity events come in through Emit; the detector itself
// watches the session hash for state, flag and car transitions.
type Detector struct {
	redisClient *redis.Client
	config      *models.Config
	publisher   EventPublisher
	buffer      *Buffer
	flusher     TelemetryFlusher
	sessions    SessionSource

	listeners []EventListener

	mu        sync.Mutex
	lastState map[string]string

	stopCh chan struct{}
}

// NewDetector creates a new event detector
func NewDetector(redisClient *redis.Client, config *models.Config) *Detector {
	return &Detector{
		redisClient: redisClient,
		config:      config,
		buffer:      NewBuffer(config.Events.BufferPath, config.Events.MaxRetries, config.Events.MaxBuffered),
		lastState:   make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// SetPublisher sets the event publisher
func (d *Detector) SetPublisher(publisher EventPublisher) {
	d.publisher = publisher
}

// SetSessionSource sets the source used to tag events with a session id
func (d *Detector) SetSessionSource(sessions SessionSource) {
	d.sessions = sessions
}

// AddListener registers an event listener for notifications
func (d *Detector) AddListener(listener EventListener) {
	d.listeners = append(d.listeners, listener)
}

// SetTelemetryFlusher sets the telemetry flusher for coordination
func (d *Detector) SetTelemetryFlusher(flusher TelemetryFlusher) {
	d.flusher = flusher
}

// Start begins monitoring the bridge for event triggers
func (d *Detector) Start(ctx context.Context) {
	if !d.config.Events.Enabled {
		log.Println("[EventDetector] Events disabled in config, not starting")
		return
	}

	log.Println("[EventDetector] Starting event detection...")

	pubsub := d.redisClient.Subscribe(ctx, telemetry.SessionHash)
	defer pubsub.Close()

	log.Printf("[EventDetector] Subscribed to %s change notifications", telemetry.SessionHash)

	// Also try to read the incident stream if the bridge writes one
	go d.watchIncidentStream(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Println("[EventDetector] Context cancelled, stopping")
			return
		case <-d.stopCh:
			log.Println("[EventDetector] Stop signal received, stopping")
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			d.handleSessionChange(ctx)
		}
	}
}

// Stop stops the detector
func (d *Detector) Stop() {
	close(d.stopCh)
}

// handleSessionChange checks for event-triggering transitions when the
// session hash changes
func (d *Detector) handleSessionChange(ctx context.Context) {
	fields, err := d.redisClient.HGetAll(ctx, telemetry.SessionHash).Result()
	if err != nil {
		log.Printf("[EventDetector] Failed to read hash %s: %v", telemetry.SessionHash, err)
		return
	}

	d.checkStateEvents(fields)
	d.checkFlagEvents(fields)
	d.checkCarEvents(fields)
}

// checkStateEvents checks for bridge connection state changes
func (d *Detector) checkStateEvents(fields map[string]string) {
	stateKey := "session:state"
	state := fields["state"]

	d.mu.Lock()
	lastState := d.lastState[stateKey]
	d.lastState[stateKey] = state
	d.mu.Unlock()

	if lastState == "" || lastState == state {
		return
	}

	d.sendEvent(NewEvent(EventTypeStateChange, "", map[string]interface{}{
		"from": lastState,
		"to":   state,
	}))

	wasConnected := telemetry.ParseConnState(lastState) == models.ConnConnected
	isConnected := telemetry.ParseConnState(state) == models.ConnConnected
	if !wasConnected && isConnected {
		d.sendEvent(NewEvent(EventTypeConnect, StatusRegained, nil))
	} else if wasConnected && !isConnected {
		d.sendEvent(NewEvent(EventTypeDisconnect, StatusLost, nil))
	}
}

// checkFlagEvents checks for flag classification changes
func (d *Detector) checkFlagEvents(fields map[string]string) {
	flagKey := "session:flag"

	raw, err := strconv.ParseUint(fields["flags"], 10, 32)
	if err != nil {
		return
	}
	flag := string(telemetry.ClassifyFlags(uint32(raw)))

	d.mu.Lock()
	lastFlag := d.lastState[flagKey]
	d.lastState[flagKey] = flag
	d.mu.Unlock()

	if lastFlag != "" && lastFlag != flag {
		d.sendEvent(NewEvent(EventTypeFlagChange, "", map[string]interface{}{
			"from":      lastFlag,
			"to":        flag,
			"raw_flags": raw,
		}))
	}
}

// checkCarEvents checks for car changes within a session
func (d *Detector) checkCarEvents(fields map[string]string) {
	carKey := "session:car_id"
	carID := fields["car_id"]

	d.mu.Lock()
	lastCar := d.lastState[carKey]
	d.lastState[carKey] = carID
	d.mu.Unlock()

	if lastCar != "" && carID != "" && lastCar != carID {
		d.sendEvent(NewEvent(EventTypeCarChange, "", map[string]interface{}{
			"from": lastCar,
			"to":   carID,
		}))
	}
}

// watchIncidentStream monitors the sim:incidents Redis stream for
// incident reports from the sim
func (d *Detector) watchIncidentStream(ctx context.Context) {
	lastID := "$" // Start from new messages

	// Check if stream exists first
	exists, err := d.redisClient.Exists(ctx, "sim:incidents").Result()
	if err != nil || exists == 0 {
		log.Println("[EventDetector] Incident stream does not exist, skipping incident monitoring")
		return
	}

	log.Println("[EventDetector] Monitoring incident stream...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		// Read from stream with blocking - use short timeout to avoid connection issues
		streams, err := d.redisClient.XRead(ctx, &redis.XReadArgs{
			Streams: []string{"sim:incidents", lastID},
			Count:   10,
			Block:   1000, // 1 second timeout
		}).Result()

		if err != nil {
			// redis.Nil means timeout with no messages - expected
			if err == redis.Nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			default:
				// Stream reading is best-effort
				continue
			}
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				d.handleIncidentMessage(msg.Values)
			}
		}
	}
}

// handleIncidentMessage processes an incident message from the stream
func (d *Detector) handleIncidentMessage(values map[string]interface{}) {
	incidentType, hasType := values["type"].(string)
	if !hasType {
		return
	}

	data := map[string]interface{}{
		"type": incidentType,
	}

	if countStr, ok := values["count"].(string); ok {
		data["count"] = parseInt(countStr)
	}
	if lapStr, ok := values["lap"].(string); ok {
		data["lap"] = parseInt(lapStr)
	}
	if desc, ok := values["description"].(string); ok {
		data["description"] = desc
	}

	d.sendEvent(NewEvent(EventTypeIncident, StatusTriggered, data))
}

// Emit sends an externally detected event through the same pipeline as
// the detector's own events. Used for session lifecycle, commands and
// fired alerts.
func (d *Detector) Emit(event Event) {
	d.sendEvent(event)
}

// sendEvent sends an event, buffering if not connected
func (d *Detector) sendEvent(event Event) {
	if event.SessionID == "" && d.sessions != nil {
		event.SessionID = d.sessions.SessionID()
	}

	log.Printf("[EventDetector] Event: %s %s %v", event.EventType, event.Status, event.Data)

	// Notify listeners asynchronously (e.g. Discord)
	for _, l := range d.listeners {
		if l.ShouldNotify(event.EventType) {
			l.Notify(event)
		}
	}

	if d.publisher != nil && d.publisher.IsConnected() {
		if err := d.publisher.PublishEvent(event); err != nil {
			log.Printf("[EventDetector] Failed to publish event, buffering: %v", err)
			d.buffer.Add(event)
		} else {
			go d.FlushBufferedEvents(context.Background())
			if d.flusher != nil {
				go d.flusher.FlushAllPending()
			}
		}
	} else {
		log.Println("[EventDetector] Not connected, buffering event")
		d.buffer.Add(event)
	}
}

// FlushBufferedEvents attempts to send all buffered events
func (d *Detector) FlushBufferedEvents(ctx context.Context) {
	if d.publisher == nil || !d.publisher.IsConnected() {
		return
	}

	d.buffer.Flush(func(event Event) error {
		return d.publisher.PublishEvent(event)
	})
}

// BufferedCount returns the number of events waiting for the broker
func (d *Detector) BufferedCount() int {
	return d.buffer.Count()
}

// InitializeBaseline sets the initial state from current Redis values
func (d *Detector) InitializeBaseline(ctx context.Context) {
	fields, err := d.redisClient.HGetAll(ctx, telemetry.SessionHash).Result()
	if err != nil {
		log.Printf("[EventDetector] Failed to read baseline: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if state, ok := fields["state"]; ok {
		d.lastState["session:state"] = state
	}
	if flags, ok := fields["flags"]; ok {
		if raw, err := strconv.ParseUint(flags, 10, 32); err == nil {
			d.lastState["session:flag"] = string(telemetry.ClassifyFlags(uint32(raw)))
		}
	}
	if carID, ok := fields["car_id"]; ok {
		d.lastState["session:car_id"] = carID
	}

	log.Printf("[EventDetector] Initialized baseline with %d field values", len(d.lastState))
}

func parseInt(s string) int {
	val, _ := strconv.Atoi(s)
	return val
}
