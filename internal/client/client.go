package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"shiftbeep/internal/alerts"
	"shiftbeep/internal/discord"
	"shiftbeep/internal/engine"
	"shiftbeep/internal/events"
	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
	"shiftbeep/internal/session"
	"shiftbeep/internal/shifttable"
	"shiftbeep/internal/telemetry"
	"shiftbeep/internal/utils"
)

// StatusHash is the Redis hash where the daemon mirrors its backend
// connectivity for local consumers like the beeper and overlays. The
// changed field name is published on a channel of the same name.
const StatusHash = "shiftbeep:status"

// bridgeReadFailureLimit is how many consecutive failed bridge reads
// mark the rig disconnected. A single failed read is jitter, a run of
// them means the bridge or Redis is gone.
const bridgeReadFailureLimit = 5

// RigMQTTClient manages the MQTT and Redis connections and owns the
// evaluation tick loop
type RigMQTTClient struct {
	config       *models.Config
	configPath   string
	mqttClient   mqtt.Client
	redisClient  *redis.Client
	ctx          context.Context
	cancel       context.CancelFunc
	version      string
	pollInterval time.Duration
	wg           sync.WaitGroup
	bufferMu     sync.Mutex
	buffer       *models.SnapshotBuffer // In-memory buffer cache
	pubsubsMu    sync.Mutex
	pubsubs      []*redis.PubSub

	// Shift decision pipeline
	tables     *shifttable.Store
	engine     *engine.Engine
	tracker    *session.Tracker
	dispatcher *alerts.Dispatcher

	// Last polled sample, cached for snapshots
	sampleMu   sync.Mutex
	lastSample models.TelemetrySample

	// Track name from the previous tick, only touched by the tick
	// goroutine. Used for the session_end event after the bridge has
	// already moved on.
	lastTrack string

	// Priority-based snapshot monitor
	monitor *telemetry.Monitor

	// Event detector
	eventDetector *events.Detector

	// Discord notifier
	discordNotifier *discord.Notifier

	consecutivePublishFailures int32       // atomic counter for publish failure tracking
	tlsConfig                  *tls.Config // reference to active TLS config (for insecure fallback)
}

// NewRigMQTTClient creates a new MQTT client and wires the alert
// pipeline around it. The table store is shared with the command
// handlers and the HTTP API, so it is injected rather than owned.
func NewRigMQTTClient(config *models.Config, configPath string, tables *shifttable.Store, version string) (*RigMQTTClient, error) {
	ctx, cancel := context.WithCancel(context.Background())

	redisOptions, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	redisClient := redis.NewClient(redisOptions)

	// Test Redis connection
	_, err = redisClient.Ping(ctx).Result()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("redis connection failed: %v", err)
	}

	keepAlive, err := time.ParseDuration(config.MQTT.KeepAlive)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("could not parse keepalive interval: %v", err)
	}

	pollInterval, err := time.ParseDuration(config.Telemetry.PollInterval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("could not parse poll interval: %v", err)
	}

	minFireInterval, err := time.ParseDuration(config.Engine.MinFireInterval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("could not parse min fire interval: %v", err)
	}

	log.Println("Setting initial backend status to disconnected")
	if err := redisClient.HSet(ctx, StatusHash, "backend", "disconnected").Err(); err != nil {
		log.Printf("Failed to set initial backend status: %v", err)
	}
	if err := redisClient.Publish(ctx, StatusHash, "backend").Err(); err != nil {
		log.Printf("Failed to publish initial backend status: %v", err)
	}

	clientID := fmt.Sprintf("shiftbeep-%s", config.Rig.Identifier)

	willTopic := fmt.Sprintf("rigs/%s/status", config.Rig.Identifier)
	willMessage := []byte(`{"status": "disconnected"}`)

	opts := mqtt.NewClientOptions().
		AddBroker(config.MQTT.BrokerURL).
		SetClientID(clientID).
		SetUsername(config.Rig.Identifier).
		SetPassword(config.Rig.Token).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(models.MQTTPublishTimeout).
		SetConnectTimeout(models.MQTTPublishTimeout).
		SetWriteTimeout(models.MQTTPublishTimeout).
		SetPingTimeout(models.MQTTPublishTimeout).
		SetCleanSession(false).                           // Maintain session for message queueing
		SetWill(willTopic, string(willMessage), 1, true). // QoS 1 and retained
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("Connection lost: %v", err)
			if err := redisClient.HSet(ctx, StatusHash, "backend", "disconnected").Err(); err != nil {
				log.Printf("Failed to set backend status: %v", err)
			}
			if err := redisClient.Publish(ctx, StatusHash, "backend").Err(); err != nil {
				log.Printf("Failed to publish backend status: %v", err)
			}
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("Connected to MQTT broker at %s", config.MQTT.BrokerURL)

			// Say hello to the backend
			statusTopic := fmt.Sprintf("rigs/%s/status", config.Rig.Identifier)
			statusMessage := []byte(`{"status": "connected"}`)
			token := c.Publish(statusTopic, 1, true, statusMessage)
			if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
				if !token.WaitTimeout(0) {
					log.Printf("Failed to publish connection status: timeout")
				} else {
					log.Printf("Failed to publish connection status: %v", token.Error())
				}
			}

			if err := redisClient.HSet(ctx, StatusHash, "backend", "connected").Err(); err != nil {
				log.Printf("Failed to set backend status: %v", err)
			}
			if err := redisClient.Publish(ctx, StatusHash, "backend").Err(); err != nil {
				log.Printf("Failed to publish backend status: %v", err)
			}
		})

	var activeTLSConfig *tls.Config
	if utils.IsTLSURL(config.MQTT.BrokerURL) {
		activeTLSConfig = new(tls.Config)

		if config.MQTT.CACertEmbedded != "" {
			log.Printf("Using embedded CA certificate")
			caCertPool := x509.NewCertPool()
			if ok := caCertPool.AppendCertsFromPEM([]byte(config.MQTT.CACertEmbedded)); !ok {
				cancel()
				return nil, fmt.Errorf("failed to parse embedded CA certificate")
			}
			activeTLSConfig.RootCAs = caCertPool
		} else if config.MQTT.CACert != "" {
			log.Printf("Using CA certificate from file: %s", config.MQTT.CACert)
			caCert, err := os.ReadFile(config.MQTT.CACert)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("failed to read CA certificate: %v", err)
			}

			caCertPool := x509.NewCertPool()
			if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
				cancel()
				return nil, fmt.Errorf("failed to parse CA certificate")
			}

			activeTLSConfig.RootCAs = caCertPool
		}
		opts.SetTLSConfig(activeTLSConfig)
	}

	opts.SetReconnectingHandler(func(c mqtt.Client, opts *mqtt.ClientOptions) {
		log.Printf("MQTT auto-reconnect attempting...")
	})

	mqttClient, err := createMQTTClient(config, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("MQTT connection failed: %v", err)
	}

	client := &RigMQTTClient{
		config:       config,
		configPath:   configPath,
		mqttClient:   mqttClient,
		redisClient:  redisClient,
		ctx:          ctx,
		cancel:       cancel,
		version:      version,
		pollInterval: pollInterval,
		tables:       tables,
		engine:       engine.New(config.Engine.ResetMargin, minFireInterval),
		tracker:      session.NewTracker(),
		tlsConfig:    activeTLSConfig,
	}

	// Alert fan-out. The beeper queue and the MQTT alert topic are
	// always on; main adds the journal and websocket sinks before Start.
	client.dispatcher = alerts.NewDispatcher(0)
	client.dispatcher.AddSink(alerts.NewBeepSink(redisClient))
	client.dispatcher.AddSink(client)

	// Initialize snapshot monitor
	client.monitor = telemetry.NewMonitor(redisClient, config)
	client.monitor.SetFlusher(client)

	// Initialize event detector
	client.eventDetector = events.NewDetector(redisClient, config)
	client.eventDetector.SetPublisher(client)
	client.eventDetector.SetSessionSource(client.tracker)
	client.eventDetector.SetTelemetryFlusher(client.monitor)

	// Initialize Discord notifier if enabled
	if config.Discord.Enabled {
		notifier, err := discord.NewNotifier(&config.Discord, &config.Rig)
		if err != nil {
			log.Printf("Failed to initialize Discord notifier: %v", err)
		} else {
			client.discordNotifier = notifier
			client.eventDetector.AddListener(notifier)
			log.Println("Discord notifier initialized")
		}
	}

	return client, nil
}

// createMQTTClient creates and connects an MQTT client
func createMQTTClient(config *models.Config, opts *mqtt.ClientOptions) (mqtt.Client, error) {
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		err := token.Error()
		isTLSError := strings.Contains(err.Error(), "certificate has expired or is not yet valid") ||
			strings.Contains(err.Error(), "certificate signed by unknown authority") ||
			strings.Contains(err.Error(), "failed to verify certificate")
		if isTLSError {
			log.Printf("TLS certificate error: %v", err)
			log.Printf("Attempting NTP sync in case of clock skew...")

			// Try NTP sync
			ntpErr := utils.SyncTimeNTP(&config.NTP)
			if ntpErr == nil {
				// Try connecting again after time sync
				token := client.Connect()
				if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
					log.Printf("Connection failed after NTP sync: %v, falling back to insecure...", token.Error())
				} else {
					return client, nil
				}
			} else {
				log.Printf("NTP sync failed: %v, falling back to insecure...", ntpErr)
			}

			// If we get here, both normal connection and NTP sync failed
			// Create new client with insecure TLS
			insecureOpts := opts

			var tlsConfig *tls.Config
			var err error

			// Check if we have an embedded certificate or a file path
			if config.MQTT.CACertEmbedded != "" {
				tlsConfig, err = utils.CreateInsecureTLSConfigWithEmbeddedCert(config.MQTT.CACertEmbedded)
			} else {
				tlsConfig, err = utils.CreateInsecureTLSConfig(config.MQTT.CACert)
			}

			if err == nil {
				insecureOpts.SetTLSConfig(tlsConfig)
				insecureClient := mqtt.NewClient(insecureOpts)
				token := insecureClient.Connect()
				if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
					return nil, fmt.Errorf("all connection attempts failed, last error: %v", token.Error())
				}
				log.Printf("Warning: Connected with insecure TLS configuration")
				return insecureClient, nil
			} else {
				return nil, fmt.Errorf("failed to create insecure TLS config: %v", err)
			}
		}
		return nil, fmt.Errorf("connection failed: %v", token.Error())
	}
	return client, nil
}

// Start subscribes to the command topic and starts the pipeline
// goroutines
func (s *RigMQTTClient) Start() error {
	// Subscribe to command topic
	commandTopic := fmt.Sprintf("rigs/%s/commands", s.config.Rig.Identifier)
	token := s.mqttClient.Subscribe(commandTopic, 1, s.handleCommand)
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		return fmt.Errorf("failed to subscribe to commands: %v", token.Error())
	}

	log.Printf("Subscribed to commands channel %s", commandTopic)

	// Initialize snapshot buffer if enabled
	if s.config.Telemetry.Buffer.Enabled {
		log.Printf("Initializing snapshot buffer")
		s.initSnapshotBuffer()
	}

	// Initialize baselines for monitor and detector
	s.monitor.InitializeBaseline(s.ctx)
	s.eventDetector.InitializeBaseline(s.ctx)

	// Start the evaluation tick loop and the snapshot publisher
	s.wg.Add(2)
	go s.runTickLoop()
	go s.publishSnapshots()

	// Start monitor, event detector and alert dispatcher
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.monitor.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.eventDetector.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.dispatcher.Start(s.ctx)
	}()

	// Start Discord notifier if initialized
	if s.discordNotifier != nil {
		s.discordNotifier.Start(s.ctx)
	}

	// Flush any buffered events from previous session
	go s.eventDetector.FlushBufferedEvents(s.ctx)

	return nil
}

// registerPubSub registers a pubsub connection for cleanup on shutdown
func (s *RigMQTTClient) registerPubSub(ps *redis.PubSub) {
	s.pubsubsMu.Lock()
	defer s.pubsubsMu.Unlock()
	s.pubsubs = append(s.pubsubs, ps)
}

// Stop stops the MQTT client and closes connections
func (s *RigMQTTClient) Stop() {
	// Stop Discord notifier first
	if s.discordNotifier != nil {
		log.Println("Stopping Discord notifier...")
		s.discordNotifier.Stop()
	}

	// Stop monitor, event detector and dispatcher
	log.Println("Stopping monitor, event detector and dispatcher...")
	s.monitor.Stop()
	s.eventDetector.Stop()
	s.dispatcher.Stop()

	if s.config.Telemetry.Buffer.Enabled {
		log.Println("Flushing snapshot buffer before shutdown...")
		if err := s.transmitBuffer(); err != nil {
			log.Printf("Error flushing snapshot buffer during shutdown: %v", err)
		} else {
			log.Println("Snapshot buffer flushed.")
		}
	}

	commandTopic := fmt.Sprintf("rigs/%s/commands", s.config.Rig.Identifier)
	if s.mqttClient.IsConnected() {
		log.Printf("Unsubscribing from %s", commandTopic)
		if token := s.mqttClient.Unsubscribe(commandTopic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			log.Printf("Error unsubscribing from command topic: %v", token.Error())
		}
	}

	log.Println("Cancelling client context...")
	s.cancel()

	log.Println("Closing pubsub connections...")
	s.pubsubsMu.Lock()
	for _, ps := range s.pubsubs {
		if err := ps.Close(); err != nil {
			log.Printf("Error closing pubsub: %v", err)
		}
	}
	s.pubsubsMu.Unlock()

	log.Println("Waiting for goroutines to finish...")
	s.wg.Wait()

	log.Println("Setting backend status to disconnected before shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := s.redisClient.HSet(shutdownCtx, StatusHash, "backend", "disconnected").Err(); err != nil {
		log.Printf("Failed to set backend status on shutdown: %v", err)
	}
	if err := s.redisClient.Publish(shutdownCtx, StatusHash, "backend").Err(); err != nil {
		log.Printf("Failed to publish backend status on shutdown: %v", err)
	}

	if s.mqttClient.IsConnected() {
		// Publish disconnected status before clean disconnect
		// (LWT is only sent on unclean disconnects, so we need to do this explicitly)
		statusTopic := fmt.Sprintf("rigs/%s/status", s.config.Rig.Identifier)
		statusMessage := []byte(`{"status": "disconnected"}`)
		if token := s.mqttClient.Publish(statusTopic, 1, true, statusMessage); token.WaitTimeout(500*time.Millisecond) && token.Error() != nil {
			log.Printf("Failed to publish disconnected status on shutdown: %v", token.Error())
		} else {
			log.Printf("Published disconnected status to %s", statusTopic)
		}
		log.Println("Disconnecting MQTT client...")
		s.mqttClient.Disconnect(500)
	}

	// Close Redis client
	log.Println("Closing Redis client...")
	if err := s.redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("RigMQTTClient stopped.")
}

// runTickLoop polls the sim bridge at the configured interval and
// feeds every sample through the session tracker and the shift engine.
// This is the only goroutine that calls Evaluate.
func (s *RigMQTTClient) runTickLoop() {
	defer s.wg.Done()

	log.Printf("Evaluation loop starting with %v poll interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	readFailures := 0
	for {
		select {
		case <-s.ctx.Done():
			log.Println("Evaluation loop stopping due to context cancellation.")
			return
		case <-ticker.C:
			started := time.Now()
			s.tick(&readFailures)
			if time.Since(started) > s.pollInterval {
				metrics.TickOverruns.Add(1)
			}
		}
	}
}

// tick reads one sample and runs it through the pipeline
func (s *RigMQTTClient) tick(readFailures *int) {
	sample, state, err := telemetry.ReadSample(s.ctx, s.redisClient)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		*readFailures++
		if *readFailures == bridgeReadFailureLimit {
			log.Printf("Bridge read failed %d times, marking disconnected: %v", *readFailures, err)
			s.applyChanges(s.tracker.MarkDisconnected(), models.TelemetrySample{})
		}
		return
	}
	*readFailures = 0

	metrics.SamplesTotal.Add(1)

	s.sampleMu.Lock()
	s.lastSample = sample
	s.sampleMu.Unlock()

	s.applyChanges(s.tracker.Observe(state, sample), sample)
	if sample.Track != "" {
		s.lastTrack = sample.Track
	}

	if state != models.ConnConnected {
		return
	}

	table := s.tables.Current()
	if table == nil {
		return
	}

	result := s.engine.Evaluate(sample, table)
	switch result.Decision {
	case engine.DecisionFire:
		metrics.AlertsFired.Add(1)
		s.fireAlert(sample, result)
	case engine.DecisionSuppressed:
		metrics.AlertsSuppressed.Add(1)
	}
}

// fireAlert builds the alert payload and fans it out
func (s *RigMQTTClient) fireAlert(sample models.TelemetrySample, result engine.Result) {
	alert := models.AlertEvent{
		ID:           uuid.New().String(),
		SessionID:    s.tracker.SessionID(),
		CarID:        sample.CarID,
		CarName:      sample.CarName,
		Gear:         result.Gear,
		RPM:          result.RPM,
		ThresholdRPM: result.ThresholdRPM,
		Lap:          sample.Lap,
		Timestamp:    sample.Timestamp.UTC().Format(time.RFC3339),
	}

	log.Printf("Shift alert: %s gear %d at %.0f rpm (threshold %.0f)",
		alert.CarID, alert.Gear, alert.RPM, alert.ThresholdRPM)

	s.dispatcher.Dispatch(alert)
	s.eventDetector.Emit(events.NewEvent(events.EventTypeAlert, events.StatusTriggered, map[string]interface{}{
		"gear":          alert.Gear,
		"rpm":           alert.RPM,
		"threshold_rpm": alert.ThresholdRPM,
	}))
}

// applyChanges reacts to transitions reported by the session tracker.
// Session boundaries drive engine resets and lifecycle events here;
// connection, flag and car edges are published by the event detector,
// which watches the same hash.
func (s *RigMQTTClient) applyChanges(changes []session.Change, sample models.TelemetrySample) {
	for _, change := range changes {
		switch change.Type {
		case session.ChangeConnection:
			log.Printf("Bridge connection: %s -> %s", change.From, change.To)
			if models.ConnState(change.To) == models.ConnConnected && !s.mqttClient.IsConnectionOpen() {
				log.Println("Session coming up without a broker connection, forcing reconnect")
				go s.forceReconnect()
			}
		case session.ChangeSessionStart:
			log.Printf("Session %s started: car %s on %s", change.To, sample.CarID, sample.Track)
			s.engine.Reset()
			event := events.NewEvent(events.EventTypeSessionStart, "", map[string]interface{}{
				"car_id":   sample.CarID,
				"car_name": sample.CarName,
				"track":    sample.Track,
			})
			event.SessionID = change.To
			s.eventDetector.Emit(event)
		case session.ChangeSessionEnd:
			log.Printf("Session %s ended", change.From)
			s.engine.Reset()
			event := events.NewEvent(events.EventTypeSessionEnd, "", map[string]interface{}{
				"track": s.lastTrack,
			})
			event.SessionID = change.From
			s.eventDetector.Emit(event)
		}
	}
}

// forceReconnect forces a full MQTT disconnect/reconnect cycle.
// This handles the case where paho's auto-reconnect is stuck (e.g., due to
// an expired CA certificate causing repeated TLS handshake failures).
func (s *RigMQTTClient) forceReconnect() {
	log.Println("Forcing MQTT reconnect: disconnecting to reset connection state")
	s.mqttClient.Disconnect(250)
	time.Sleep(500 * time.Millisecond)

	token := s.mqttClient.Connect()
	if token.WaitTimeout(models.MQTTPublishTimeout) && token.Error() == nil {
		log.Println("Forced reconnect succeeded")
		atomic.StoreInt32(&s.consecutivePublishFailures, 0)
		return
	}
	errMsg := "timeout"
	if token.Error() != nil {
		errMsg = token.Error().Error()
	}
	log.Printf("Forced reconnect failed: %s", errMsg)

	if s.tlsConfig != nil && !s.tlsConfig.InsecureSkipVerify {
		log.Println("Retrying with insecure TLS (possible certificate issue)")
		s.tlsConfig.InsecureSkipVerify = true
		token = s.mqttClient.Connect()
		if token.WaitTimeout(models.MQTTPublishTimeout) && token.Error() == nil {
			log.Println("Forced reconnect succeeded with insecure TLS")
			atomic.StoreInt32(&s.consecutivePublishFailures, 0)
			return
		}
		log.Printf("Forced reconnect failed even with insecure TLS: %v", token.Error())
	}
}

// publishSnapshot publishes a snapshot payload to MQTT
func (s *RigMQTTClient) publishSnapshot(current *models.TelemetryData) error {
	snapshotJSON, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	// Only show the full snapshot when debug is enabled
	if s.config.Debug {
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, snapshotJSON, "", "  "); err != nil {
			log.Printf("Warning: Failed to format snapshot JSON: %v", err)
		} else {
			log.Printf("Snapshot to be transmitted:\n%s", prettyJSON.String())
		}
	}

	topic := fmt.Sprintf("rigs/%s/telemetry", s.config.Rig.Identifier)
	token := s.mqttClient.Publish(topic, 1, false, snapshotJSON)
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		metrics.MQTTPublishFailures.Add(1)
		failures := atomic.AddInt32(&s.consecutivePublishFailures, 1)
		log.Printf("Publish failure #%d: %v", failures, token.Error())
		if failures >= models.MaxConsecutivePublishFailures {
			log.Printf("Reached %d consecutive publish failures, forcing reconnect", failures)
			atomic.StoreInt32(&s.consecutivePublishFailures, 0)
			go s.forceReconnect()
		}
		return fmt.Errorf("failed to publish snapshot: %v", token.Error())
	}

	atomic.StoreInt32(&s.consecutivePublishFailures, 0)
	metrics.MQTTPublishes.Add(1)
	metrics.SnapshotsPublished.Add(1)
	log.Printf("Published snapshot to %s", topic)
	s.updateBackendStatus()

	// A successful publish means buffered snapshots can drain too
	if s.config.Telemetry.Buffer.Enabled && s.bufferedSnapshotCount() > 0 {
		go func() {
			if err := s.transmitBuffer(); err != nil {
				log.Printf("Failed to transmit buffered snapshots: %v", err)
			}
		}()
	}

	return nil
}

// publishSnapshots periodically publishes status snapshots, switching
// between the live and idle intervals with the bridge state
func (s *RigMQTTClient) publishSnapshots() {
	defer s.wg.Done()
	// Get initial interval
	interval, reason := telemetry.GetTelemetryInterval(s.ctx, s.redisClient, s.config)
	log.Printf("Initial snapshot interval: %v (%s)", interval, reason)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Subscribe to state changes. The bridge publishes the changed field
	// name on a channel named after the hash.
	pubsub := s.redisClient.Subscribe(s.ctx, telemetry.SessionHash)
	s.registerPubSub(pubsub)
	defer pubsub.Close()
	ch := pubsub.Channel()

	// Publish an initial snapshot immediately so the backend sees the
	// rig without waiting a full interval
	log.Println("Publishing initial snapshot...")
	if err := s.collectAndPublishTelemetry(); err != nil {
		log.Printf("Failed to publish initial snapshot: %v", err)
	}
	lastState := s.tracker.State()

	retune := func(trigger string) {
		newInterval, reason := telemetry.GetTelemetryInterval(s.ctx, s.redisClient, s.config)
		if newInterval != interval {
			log.Printf("Updating snapshot interval to %v (%s) after %s", newInterval, reason, trigger)
			ticker.Reset(newInterval)
			interval = newInterval
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			log.Println("Snapshot publisher stopping due to context cancellation.")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "state" {
				continue
			}

			currentState := s.tracker.State()
			if currentState == lastState {
				continue
			}
			log.Printf("Bridge state changed from '%s' to '%s' (detected via pub/sub). Publishing snapshot.", lastState, currentState)
			if err := s.collectAndPublishTelemetry(); err != nil {
				log.Printf("Failed to publish snapshot on state change (pub/sub): %v", err)
			}
			lastState = currentState
			retune("state change")
		case <-ticker.C:
			currentState := s.tracker.State()
			if currentState != lastState {
				log.Printf("Bridge state changed from '%s' to '%s' (detected via ticker). Publishing snapshot.", lastState, currentState)
				lastState = currentState
				if err := s.collectAndPublishTelemetry(); err != nil {
					log.Printf("Failed to publish snapshot on state change (ticker): %v", err)
				}
				retune("state change")
			} else {
				// State hasn't changed, just publish normally per interval
				if err := s.collectAndPublishTelemetry(); err != nil {
					log.Printf("Failed to publish snapshot on ticker: %v", err)
				}
			}
		}
	}
}

// StatusSnapshot assembles the current snapshot from the tracker, the
// engine and the last polled sample
func (s *RigMQTTClient) StatusSnapshot() models.TelemetryData {
	engineStatus := s.engine.Status()

	info := s.tracker.Info()
	info.Paused = engineStatus.Paused

	s.sampleMu.Lock()
	sample := s.lastSample
	s.sampleMu.Unlock()

	vehicle := models.VehicleInfo{
		RPM:   sample.RPM,
		Gear:  sample.Gear,
		Speed: sample.Speed,
		Lap:   sample.Lap,
	}
	if table := s.tables.Current(); table != nil {
		if threshold, ok := table.Resolve(sample.CarID, sample.Gear); ok {
			vehicle.ThresholdRPM = threshold
		}
	}

	return models.TelemetryData{
		Version:      1,
		BuildVersion: s.version,
		Session:      info,
		Vehicle:      vehicle,
		Alerts:       engineStatus.Counters,
		TableVersion: s.tables.Version(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

// updateBackendStatus sets backend status to connected and publishes
// notification
func (s *RigMQTTClient) updateBackendStatus() {
	if err := s.redisClient.HSet(s.ctx, StatusHash, "backend", "connected").Err(); err != nil {
		log.Printf("Failed to set backend status: %v", err)
	}
	if err := s.redisClient.Publish(s.ctx, StatusHash, "backend").Err(); err != nil {
		log.Printf("Failed to publish backend status: %v", err)
	}
}

// CurrentTelemetry returns the live snapshot for command handlers
func (s *RigMQTTClient) CurrentTelemetry() *models.TelemetryData {
	snapshot := s.StatusSnapshot()
	return &snapshot
}

// SetEnginePaused pauses or resumes shift evaluation
func (s *RigMQTTClient) SetEnginePaused(paused bool) {
	s.engine.SetPaused(paused)
	if paused {
		log.Println("Shift evaluation paused")
	} else {
		log.Println("Shift evaluation resumed")
	}
}

// EmitEvent feeds an event into the detector pipeline
func (s *RigMQTTClient) EmitEvent(eventType, status string, data map[string]interface{}) {
	s.eventDetector.Emit(events.NewEvent(eventType, status, data))
}

// AddAlertSink registers an additional alert delivery target. Must be
// called before Start.
func (s *RigMQTTClient) AddAlertSink(sink alerts.Sink) {
	s.dispatcher.AddSink(sink)
}

// Name implements the alert sink interface for the MQTT alert topic
func (s *RigMQTTClient) Name() string {
	return "mqtt"
}

// HandleAlert publishes one fired alert to the alert topic (implements
// the alert sink interface)
func (s *RigMQTTClient) HandleAlert(ctx context.Context, event models.AlertEvent) error {
	if !s.mqttClient.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected, alert %s not published", event.ID)
	}

	alertJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %v", err)
	}

	topic := fmt.Sprintf("rigs/%s/alerts", s.config.Rig.Identifier)
	token := s.mqttClient.Publish(topic, 1, false, alertJSON)
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		metrics.MQTTPublishFailures.Add(1)
		return fmt.Errorf("failed to publish alert: %v", token.Error())
	}

	metrics.MQTTPublishes.Add(1)
	return nil
}

// FlushTelemetry implements the TelemetryFlusher interface for the monitor
func (s *RigMQTTClient) FlushTelemetry() error {
	return s.collectAndPublishTelemetry()
}

// PublishEvent publishes an event to MQTT (implements EventPublisher interface)
func (s *RigMQTTClient) PublishEvent(event events.Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}

	topic := fmt.Sprintf("rigs/%s/events", s.config.Rig.Identifier)
	token := s.mqttClient.Publish(topic, 1, false, eventJSON)
	if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		metrics.MQTTPublishFailures.Add(1)
		return fmt.Errorf("failed to publish event: %v", token.Error())
	}

	log.Printf("Published event to %s: %s", topic, event.EventType)
	metrics.MQTTPublishes.Add(1)
	s.updateBackendStatus()
	return nil
}

// IsConnected returns whether the MQTT client has an active connection
// (implements EventPublisher interface). Uses IsConnectionOpen() instead of
// IsConnected() because paho's IsConnected() returns true during the
// "reconnecting" state, which masks stuck reconnection loops.
func (s *RigMQTTClient) IsConnected() bool {
	return s.mqttClient.IsConnectionOpen()
}

// RequestReconnect disconnects and reconnects the MQTT client after a short delay.
// This is used after updating the CA certificate so the new cert is picked up.
// The delay allows the command response to be sent on the current connection first.
func (s *RigMQTTClient) RequestReconnect() {
	go func() {
		time.Sleep(2 * time.Second)
		log.Println("Reconnecting MQTT client with updated configuration...")

		if s.mqttClient.IsConnected() {
			s.mqttClient.Disconnect(500)
		}

		newClient, err := createMQTTClient(s.config, s.buildMQTTOptions())
		if err != nil {
			log.Printf("Failed to reconnect MQTT client: %v", err)
			return
		}

		s.mqttClient = newClient

		// Re-subscribe to command topic
		commandTopic := fmt.Sprintf("rigs/%s/commands", s.config.Rig.Identifier)
		token := s.mqttClient.Subscribe(commandTopic, 1, s.handleCommand)
		if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
			log.Printf("Failed to re-subscribe to commands after reconnect: %v", token.Error())
			return
		}

		log.Println("MQTT client reconnected successfully with new CA certificate")
	}()
}

// buildMQTTOptions constructs MQTT client options from current config.
// Used for reconnection after config changes (e.g., CA cert update).
func (s *RigMQTTClient) buildMQTTOptions() *mqtt.ClientOptions {
	keepAlive, err := time.ParseDuration(s.config.MQTT.KeepAlive)
	if err != nil {
		keepAlive = 30 * time.Second
	}

	clientID := fmt.Sprintf("shiftbeep-%s", s.config.Rig.Identifier)
	willTopic := fmt.Sprintf("rigs/%s/status", s.config.Rig.Identifier)
	willMessage := `{"status": "disconnected"}`

	opts := mqtt.NewClientOptions().
		AddBroker(s.config.MQTT.BrokerURL).
		SetClientID(clientID).
		SetUsername(s.config.Rig.Identifier).
		SetPassword(s.config.Rig.Token).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(models.MQTTPublishTimeout).
		SetConnectTimeout(models.MQTTPublishTimeout).
		SetWriteTimeout(models.MQTTPublishTimeout).
		SetPingTimeout(models.MQTTPublishTimeout).
		SetCleanSession(false).
		SetWill(willTopic, willMessage, 1, true).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("Connection lost: %v", err)
			if err := s.redisClient.HSet(s.ctx, StatusHash, "backend", "disconnected").Err(); err != nil {
				log.Printf("Failed to set backend status: %v", err)
			}
			if err := s.redisClient.Publish(s.ctx, StatusHash, "backend").Err(); err != nil {
				log.Printf("Failed to publish backend status: %v", err)
			}
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("Connected to MQTT broker at %s", s.config.MQTT.BrokerURL)

			statusTopic := fmt.Sprintf("rigs/%s/status", s.config.Rig.Identifier)
			statusMessage := []byte(`{"status": "connected"}`)
			token := c.Publish(statusTopic, 1, true, statusMessage)
			if !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
				if !token.WaitTimeout(0) {
					log.Printf("Failed to publish connection status: timeout")
				} else {
					log.Printf("Failed to publish connection status: %v", token.Error())
				}
			}

			if err := s.redisClient.HSet(s.ctx, StatusHash, "backend", "connected").Err(); err != nil {
				log.Printf("Failed to set backend status: %v", err)
			}
			if err := s.redisClient.Publish(s.ctx, StatusHash, "backend").Err(); err != nil {
				log.Printf("Failed to publish backend status: %v", err)
			}
		})

	if utils.IsTLSURL(s.config.MQTT.BrokerURL) {
		tlsConfig := new(tls.Config)

		if s.config.MQTT.CACertEmbedded != "" {
			log.Printf("Using embedded CA certificate")
			caCertPool := x509.NewCertPool()
			if ok := caCertPool.AppendCertsFromPEM([]byte(s.config.MQTT.CACertEmbedded)); ok {
				tlsConfig.RootCAs = caCertPool
			} else {
				log.Printf("Warning: failed to parse embedded CA certificate for reconnection")
			}
		} else if s.config.MQTT.CACert != "" {
			log.Printf("Using CA certificate from file: %s", s.config.MQTT.CACert)
			caCert, err := os.ReadFile(s.config.MQTT.CACert)
			if err == nil {
				caCertPool := x509.NewCertPool()
				if ok := caCertPool.AppendCertsFromPEM(caCert); ok {
					tlsConfig.RootCAs = caCertPool
				} else {
					log.Printf("Warning: failed to parse CA certificate from file for reconnection")
				}
			} else {
				log.Printf("Warning: failed to read CA certificate file for reconnection: %v", err)
			}
		}
		opts.SetTLSConfig(tlsConfig)
		// Keep the insecure fallback pointed at the active config
		s.tlsConfig = tlsConfig
	}

	return opts
}
