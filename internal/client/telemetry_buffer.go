package client

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
)

const (
	snapshotBufferKey = "shiftbeep:snapshot-buffer"
)

// initSnapshotBuffer loads any snapshots left over from a previous run
// and starts the periodic transmitter
func (s *RigMQTTClient) initSnapshotBuffer() {
	// If buffer is not enabled, return
	if !s.config.Telemetry.Buffer.Enabled {
		log.Printf("Snapshot buffer is disabled")
		return
	}

	s.bufferMu.Lock()
	buffer := s.lockedBuffer()
	if len(buffer.Events) > 0 {
		log.Printf("Recovered snapshot buffer with %d snapshots (batch %s)", len(buffer.Events), buffer.BatchID)
	}

	// Persist initial buffer state (best effort)
	if err := s.saveBufferToRedis(buffer); err != nil {
		log.Printf("Warning: failed to persist initial buffer to Redis: %v", err)
	}
	s.bufferMu.Unlock()

	// Start buffer transmission goroutine
	go s.transmitBufferPeriodically()
}

// lockedBuffer returns the in-memory buffer, loading it from Redis or
// disk on first use. Caller holds bufferMu.
func (s *RigMQTTClient) lockedBuffer() *models.SnapshotBuffer {
	if s.buffer != nil {
		return s.buffer
	}

	buffer, err := s.loadBufferFromRedis()
	if err != nil {
		log.Printf("Failed to load buffer from Redis: %v", err)
		if s.config.Telemetry.Buffer.PersistPath != "" {
			buffer, err = s.loadBufferFromDisk()
			if err != nil {
				log.Printf("Failed to load buffer from disk: %v", err)
				buffer = s.createNewBuffer()
			} else {
				log.Printf("Loaded buffer from disk with %d snapshots", len(buffer.Events))
			}
		} else {
			buffer = s.createNewBuffer()
		}
	} else {
		log.Printf("Loaded buffer from Redis with %d snapshots", len(buffer.Events))
	}

	s.buffer = buffer
	return buffer
}

// createNewBuffer creates a new snapshot buffer
func (s *RigMQTTClient) createNewBuffer() *models.SnapshotBuffer {
	// Generate a random batch ID
	batchID, err := generateRandomID()
	if err != nil {
		log.Printf("Failed to generate batch ID: %v", err)
		batchID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}

	return &models.SnapshotBuffer{
		Events:    []models.BufferedSnapshot{},
		BatchID:   batchID,
		CreatedAt: time.Now(),
	}
}

// loadBufferFromRedis loads the snapshot buffer from Redis
func (s *RigMQTTClient) loadBufferFromRedis() (*models.SnapshotBuffer, error) {
	bufferJSON, err := s.redisClient.Get(s.ctx, snapshotBufferKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get buffer from Redis: %v", err)
	}

	buffer := &models.SnapshotBuffer{}
	if err := json.Unmarshal([]byte(bufferJSON), buffer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal buffer: %v", err)
	}

	return buffer, nil
}

// saveBufferToRedis saves the snapshot buffer to Redis
func (s *RigMQTTClient) saveBufferToRedis(buffer *models.SnapshotBuffer) error {
	bufferJSON, err := json.Marshal(buffer)
	if err != nil {
		return fmt.Errorf("failed to marshal buffer: %v", err)
	}

	if err := s.redisClient.Set(s.ctx, snapshotBufferKey, bufferJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to save buffer to Redis: %v", err)
	}

	return nil
}

// loadBufferFromDisk loads the snapshot buffer from disk
func (s *RigMQTTClient) loadBufferFromDisk() (*models.SnapshotBuffer, error) {
	if s.config.Telemetry.Buffer.PersistPath == "" {
		return nil, fmt.Errorf("persist path not set")
	}

	bufferJSON, err := os.ReadFile(s.config.Telemetry.Buffer.PersistPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer from disk: %v", err)
	}

	buffer := &models.SnapshotBuffer{}
	if err := json.Unmarshal(bufferJSON, buffer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal buffer: %v", err)
	}

	return buffer, nil
}

// saveBufferToDisk saves the snapshot buffer to disk
func (s *RigMQTTClient) saveBufferToDisk(buffer *models.SnapshotBuffer) error {
	if s.config.Telemetry.Buffer.PersistPath == "" {
		return fmt.Errorf("persist path not set")
	}

	bufferJSON, err := json.Marshal(buffer)
	if err != nil {
		return fmt.Errorf("failed to marshal buffer: %v", err)
	}

	// Ensure the persist path is not a directory
	persistPath := s.config.Telemetry.Buffer.PersistPath
	if info, err := os.Stat(persistPath); err == nil && info.IsDir() {
		if err := os.RemoveAll(persistPath); err != nil {
			return fmt.Errorf("failed to remove existing directory: %v", err)
		}
	}

	// Create parent directory
	dir := filepath.Dir(persistPath)
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %v", err)
		}
	}

	if err := os.WriteFile(persistPath, bufferJSON, 0644); err != nil {
		return fmt.Errorf("failed to write buffer to disk: %v", err)
	}

	return nil
}

// addSnapshotToBuffer appends a snapshot to the outage buffer
func (s *RigMQTTClient) addSnapshotToBuffer(data *models.TelemetryData) error {
	if !s.config.Telemetry.Buffer.Enabled {
		return nil
	}

	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()

	buffer := s.lockedBuffer()
	buffer.Events = append(buffer.Events, models.BufferedSnapshot{
		Data:      data,
		Timestamp: time.Now(),
		Attempts:  0,
	})

	// Check if buffer exceeds max size
	if len(buffer.Events) > s.config.Telemetry.Buffer.MaxSize {
		log.Printf("Buffer exceeds max size (%d), subsampling", s.config.Telemetry.Buffer.MaxSize)
		s.subsampleBuffer(buffer)
	}

	// Persist buffer to Redis first
	if err := s.saveBufferToRedis(buffer); err != nil {
		log.Printf("Warning: failed to persist buffer to Redis: %v", err)

		// Fall back to disk if Redis fails and disk is configured
		if s.config.Telemetry.Buffer.PersistPath != "" {
			if diskErr := s.saveBufferToDisk(buffer); diskErr != nil {
				log.Printf("Warning: failed to persist buffer to disk: %v", diskErr)
			}
		}
	}

	// Always succeed - the snapshot is in memory even if persistence failed
	return nil
}

// bufferedSnapshotCount returns how many snapshots are waiting for replay
func (s *RigMQTTClient) bufferedSnapshotCount() int {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	if s.buffer == nil {
		return 0
	}
	return len(s.buffer.Events)
}

// subsampleBuffer halves the buffer, keeping the first and last
// snapshots so the session envelope survives a long outage
func (s *RigMQTTClient) subsampleBuffer(buffer *models.SnapshotBuffer) {
	if len(buffer.Events) < 3 {
		return
	}

	first := buffer.Events[0]
	last := buffer.Events[len(buffer.Events)-1]

	newEvents := []models.BufferedSnapshot{first}
	for i := 1; i < len(buffer.Events)-1; i += 2 {
		newEvents = append(newEvents, buffer.Events[i])
	}
	newEvents = append(newEvents, last)

	oldCount := len(buffer.Events)
	buffer.Events = newEvents
	log.Printf("Subsampled buffer from %d to %d snapshots", oldCount, len(newEvents))
}

// resetBuffer clears the buffer and generates a new batch ID
func (s *RigMQTTClient) resetBuffer(buffer *models.SnapshotBuffer) {
	buffer.Events = []models.BufferedSnapshot{}
	batchID, err := generateRandomID()
	if err != nil {
		log.Printf("Failed to generate batch ID: %v", err)
		batchID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}
	buffer.BatchID = batchID
	buffer.CreatedAt = time.Now()
}

// transmitBuffer publishes all buffered snapshots as one batch
func (s *RigMQTTClient) transmitBuffer() error {
	if !s.config.Telemetry.Buffer.Enabled {
		return nil
	}

	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()

	buffer := s.lockedBuffer()

	// If buffer is empty, return
	if len(buffer.Events) == 0 {
		return nil
	}

	// Create batch message
	batch := models.SnapshotBatch{
		BatchID:   buffer.BatchID,
		Count:     len(buffer.Events),
		Events:    make([]models.TelemetryData, len(buffer.Events)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for i, event := range buffer.Events {
		batch.Events[i] = *event.Data
	}

	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %v", err)
	}

	// Publish batch
	topic := fmt.Sprintf("rigs/%s/telemetry_batch", s.config.Rig.Identifier)
	if token := s.mqttClient.Publish(topic, 1, false, batchJSON); !token.WaitTimeout(models.MQTTPublishTimeout) || token.Error() != nil {
		metrics.MQTTPublishFailures.Add(1)

		// Update attempt count for each snapshot
		for i := range buffer.Events {
			buffer.Events[i].Attempts++
		}

		if err := s.saveBufferToRedis(buffer); err != nil {
			log.Printf("Failed to save buffer to Redis: %v", err)
		}

		return fmt.Errorf("failed to publish batch: %v", token.Error())
	}

	metrics.MQTTPublishes.Add(1)
	log.Printf("Published snapshot batch with %d snapshots to %s", len(buffer.Events), topic)

	// Update backend status (non-critical, just log if it fails)
	s.updateBackendStatus()

	// Transmission succeeded - reset in-memory buffer immediately
	// This prevents re-transmission in the current process run
	s.resetBuffer(buffer)

	// Try to persist the reset for durability across restarts
	if err := s.saveBufferToRedis(buffer); err != nil {
		log.Printf("Warning: failed to persist buffer reset to Redis: %v", err)

		// Fall back to disk if Redis fails and disk is configured
		if s.config.Telemetry.Buffer.PersistPath != "" {
			if diskErr := s.saveBufferToDisk(buffer); diskErr != nil {
				log.Printf("Warning: failed to persist buffer reset to disk: %v", diskErr)
				log.Printf("Buffer reset in memory only - may re-transmit on restart (batch ID: %s)", buffer.BatchID)
			} else {
				log.Printf("Buffer reset persisted to disk (Redis failed)")
			}
		} else {
			log.Printf("Buffer reset in memory only - may re-transmit on restart (batch ID: %s)", buffer.BatchID)
		}
	}

	return nil
}

// transmitBufferPeriodically retries buffered snapshots on the
// configured retry interval
func (s *RigMQTTClient) transmitBufferPeriodically() {
	if !s.config.Telemetry.Buffer.Enabled {
		return
	}

	retryInterval, err := time.ParseDuration(s.config.Telemetry.Buffer.RetryInterval)
	if err != nil {
		log.Printf("Failed to parse retry interval: %v, using default of 1m", err)
		retryInterval = time.Minute
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.bufferedSnapshotCount() == 0 {
				continue
			}
			if err := s.transmitBuffer(); err != nil {
				log.Printf("Failed to transmit buffer: %v", err)
				go s.retryTransmitBuffer()
			}
		}
	}
}

// retryTransmitBuffer retries transmitting the buffer with exponential backoff
func (s *RigMQTTClient) retryTransmitBuffer() {
	if !s.config.Telemetry.Buffer.Enabled {
		return
	}

	s.bufferMu.Lock()
	buffer := s.lockedBuffer()

	if len(buffer.Events) == 0 {
		s.bufferMu.Unlock()
		return
	}

	maxRetries := s.config.Telemetry.Buffer.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	retryIntervalStr := s.config.Telemetry.Buffer.RetryInterval
	if retryIntervalStr == "" {
		retryIntervalStr = "1m"
	}
	retryInterval, err := time.ParseDuration(retryIntervalStr)
	if err != nil {
		log.Printf("Failed to parse retry interval: %v, using default of 1m", err)
		retryInterval = time.Minute
	}

	maxAttempts := 0
	for _, event := range buffer.Events {
		if event.Attempts > maxAttempts {
			maxAttempts = event.Attempts
		}
	}

	if maxAttempts >= maxRetries {
		log.Printf("Max retries exceeded (%d), dropping %d snapshots", maxRetries, len(buffer.Events))
		s.resetBuffer(buffer)

		if err := s.saveBufferToRedis(buffer); err != nil {
			log.Printf("Failed to save buffer to Redis: %v", err)
		}
		s.bufferMu.Unlock()
		return
	}
	s.bufferMu.Unlock()

	backoff := calculateBackoff(maxAttempts, retryInterval)
	log.Printf("Retrying buffer transmission in %v (attempt %d/%d)", backoff, maxAttempts+1, maxRetries)

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(backoff):
		if err := s.transmitBuffer(); err != nil {
			log.Printf("Failed to transmit buffer: %v", err)
			if s.ctx.Err() == nil {
				go s.retryTransmitBuffer()
			}
		}
	}
}

// calculateBackoff calculates the backoff time based on attempt count
func calculateBackoff(attempt int, baseInterval time.Duration) time.Duration {
	// Calculate backoff with exponential increase and jitter
	backoff := float64(baseInterval) * math.Pow(2, float64(attempt))
	// Add jitter (±20%)
	jitter := (rand.Float64()*0.4 - 0.2) * backoff
	backoff += jitter
	return time.Duration(backoff)
}

// generateRandomID generates a random ID for batch identification
func generateRandomID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := cryptorand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// collectAndPublishTelemetry builds the current snapshot and publishes
// it, buffering on failure when the buffer is enabled. Unlike events,
// a snapshot that misses its slot is stale the moment the next one is
// built, so the buffer exists for offline replay, not delivery order.
func (s *RigMQTTClient) collectAndPublishTelemetry() error {
	current := s.StatusSnapshot()

	if err := s.publishSnapshot(&current); err != nil {
		if s.config.Telemetry.Buffer.Enabled {
			if bufErr := s.addSnapshotToBuffer(&current); bufErr != nil {
				log.Printf("Failed to buffer snapshot: %v", bufErr)
				return err
			}
			// The periodic transmitter replays it once the broker is back
			return nil
		}
		return err
	}

	return nil
}
