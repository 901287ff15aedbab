package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
)

// Journal persists fired alerts to Postgres so lap-by-lap shift points
// can be analyzed after the session. Entirely optional; the daemon runs
// without it.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal connects to Postgres and ensures the alert table exists
func NewJournal(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %v", err)
	}

	j := &Journal{pool: pool}
	if err := j.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return j, nil
}

// Close releases the connection pool
func (j *Journal) Close() {
	j.pool.Close()
}

// Ping checks database connectivity
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS shift_alerts (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			car_id        TEXT NOT NULL,
			car_name      TEXT,
			gear          INT NOT NULL,
			rpm           DOUBLE PRECISION NOT NULL,
			threshold_rpm DOUBLE PRECISION NOT NULL,
			lap           INT,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS shift_alerts_session_idx
			ON shift_alerts (session_id, created_at);
	`
	if _, err := j.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create alert table: %v", err)
	}
	return nil
}

// InsertAlert journals one fired alert. The alert id makes the insert
// idempotent under redelivery.
func (j *Journal) InsertAlert(ctx context.Context, event models.AlertEvent) error {
	createdAt, err := time.Parse(time.RFC3339, event.Timestamp)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO shift_alerts
			(id, session_id, car_id, car_name, gear, rpm, threshold_rpm, lap, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`
	_, err = j.pool.Exec(
		ctx,
		query,
		event.ID,
		event.SessionID,
		event.CarID,
		event.CarName,
		event.Gear,
		event.RPM,
		event.ThresholdRPM,
		event.Lap,
		createdAt,
	)
	return err
}

// RecentAlerts returns the newest journaled alerts, newest first
func (j *Journal) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, car_id, car_name, gear, rpm, threshold_rpm, lap, created_at
		FROM shift_alerts
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := j.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %v", err)
	}
	defer rows.Close()

	var alerts []models.AlertEvent
	for rows.Next() {
		var event models.AlertEvent
		var createdAt time.Time
		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.CarID,
			&event.CarName,
			&event.Gear,
			&event.RPM,
			&event.ThresholdRPM,
			&event.Lap,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %v", err)
		}
		event.Timestamp = createdAt.UTC().Format(time.RFC3339)
		alerts = append(alerts, event)
	}
	return alerts, rows.Err()
}

// Name implements the alert sink interface
func (j *Journal) Name() string {
	return "journal"
}

// HandleAlert implements the alert sink interface
func (j *Journal) HandleAlert(ctx context.Context, event models.AlertEvent) error {
	if err := j.InsertAlert(ctx, event); err != nil {
		metrics.JournalWriteFailures.Add(1)
		return err
	}
	metrics.JournalWrites.Add(1)
	return nil
}
