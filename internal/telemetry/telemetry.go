package telemetry

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"shiftbeep/internal/models"
	"shiftbeep/internal/utils"
)

// Redis keys written by the sim bridge
const (
	SessionHash = "sim:session"
	VehicleHash = "sim:vehicle"
)

// Sim flag bits as published in the sim:session flags field
const (
	FlagBitCheckered     = 0x0001
	FlagBitWhite         = 0x0002
	FlagBitGreen         = 0x0004
	FlagBitYellow        = 0x0008
	FlagBitRed           = 0x0010
	FlagBitBlue          = 0x0020
	FlagBitDebris        = 0x0040
	FlagBitYellowWaving  = 0x0100
	FlagBitOneLapToGreen = 0x0200
	FlagBitCaution       = 0x4000
	FlagBitCautionWaving = 0x8000
)

// ClassifyFlags reduces the raw sim flag bitmask to the three states
// the alert engine cares about. Anything yellow-ish suppresses, as do
// checkered and red; blue, white and debris do not.
func ClassifyFlags(raw uint32) models.FlagState {
	if raw&(FlagBitYellow|FlagBitYellowWaving|FlagBitCaution|FlagBitCautionWaving) != 0 {
		return models.FlagCaution
	}
	if raw&(FlagBitCheckered|FlagBitRed) != 0 {
		return models.FlagOther
	}
	return models.FlagGreen
}

// ParseConnState maps the bridge state field to a connection state.
// Unknown values count as disconnected.
func ParseConnState(state string) models.ConnState {
	switch state {
	case "connected":
		return models.ConnConnected
	case "waiting":
		return models.ConnWaiting
	default:
		return models.ConnDisconnected
	}
}

// GetTelemetryInterval returns the snapshot publish interval based on
// the bridge connection state
func GetTelemetryInterval(ctx context.Context, redisClient *redis.Client, config *models.Config) (time.Duration, string) {
	state, err := redisClient.HGet(ctx, SessionHash, "state").Result()
	if err != nil && err != redis.Nil {
		log.Printf("Failed to get bridge state: %v", err)
		return time.Minute, "fallback"
	}

	var intervalStr string
	var reason string

	switch ParseConnState(state) {
	case models.ConnConnected:
		intervalStr = config.Telemetry.Intervals.Live
		reason = "session live"
	default:
		intervalStr = config.Telemetry.Intervals.Idle
		reason = "no session"
	}

	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		log.Printf("Failed to parse interval %s: %v", intervalStr, err)
		return time.Minute, "fallback"
	}

	return interval, reason
}

// ReadSample reads one telemetry sample from the sim bridge hashes.
// The returned connection state reflects what the bridge reports, not
// whether Redis itself was reachable.
func ReadSample(ctx context.Context, redisClient *redis.Client) (models.TelemetrySample, models.ConnState, error) {
	session, err := redisClient.HGetAll(ctx, SessionHash).Result()
	if err != nil {
		return models.TelemetrySample{}, models.ConnDisconnected, fmt.Errorf("failed to read session data: %v", err)
	}

	vehicle, err := redisClient.HGetAll(ctx, VehicleHash).Result()
	if err != nil {
		return models.TelemetrySample{}, models.ConnDisconnected, fmt.Errorf("failed to read vehicle data: %v", err)
	}

	state := ParseConnState(session["state"])

	rawFlags, _ := strconv.ParseUint(session["flags"], 10, 32)

	// Reverse comes in as a negative gear, fold it into the neutral
	// sentinel so it never resolves a threshold
	gear := utils.ParseInt(vehicle["gear"])
	if gear < 0 {
		gear = 0
	}

	sample := models.TelemetrySample{
		RPM:         utils.ParseFloat(vehicle["rpm"]),
		Gear:        gear,
		CarID:       session["car_id"],
		CarName:     session["car_name"],
		FlagState:   ClassifyFlags(uint32(rawFlags)),
		RawFlags:    uint32(rawFlags),
		Speed:       utils.ParseFloat(vehicle["speed"]),
		Lap:         utils.ParseInt(vehicle["lap"]),
		Track:       session["track"],
		SessionTime: utils.ParseFloat(session["session_time"]),
		Timestamp:   time.Now(),
	}

	return sample, state, nil
}
