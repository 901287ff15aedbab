package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"shiftbeep/internal/models"
)

// Redis keys consumed by the local beeper process
const (
	BeepQueueKey = "shiftbeep:beep"
	AlertChannel = "shiftbeep:alerts"

	// Beeps nobody consumed are worthless after a while
	beepQueueMax = 100
)

// BeepSink hands fired alerts to the local beeper over Redis. The
// queue covers a beeper that restarts mid-session, the pub/sub channel
// wakes one that is already listening.
type BeepSink struct {
	redisClient *redis.Client
}

// NewBeepSink creates a beep sink on the given Redis connection
func NewBeepSink(redisClient *redis.Client) *BeepSink {
	return &BeepSink{redisClient: redisClient}
}

// Name implements Sink
func (s *BeepSink) Name() string {
	return "beep"
}

// HandleAlert implements Sink
func (s *BeepSink) HandleAlert(ctx context.Context, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %v", err)
	}

	if err := s.redisClient.LPush(ctx, BeepQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to queue beep: %v", err)
	}
	// Best effort, the queue just must not grow unbounded
	s.redisClient.LTrim(ctx, BeepQueueKey, 0, beepQueueMax-1)

	if err := s.redisClient.Publish(ctx, AlertChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %v", err)
	}
	return nil
}
