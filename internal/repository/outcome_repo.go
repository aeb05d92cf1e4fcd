package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/models"

	"github.com/google/uuid"
)

// OutcomeSQLite stores one row per finished pipeline run.
type OutcomeSQLite struct {
	db *sql.DB
}

func NewOutcomeSQLite(db *sql.DB) *OutcomeSQLite {
	return &OutcomeSQLite{db: db}
}

var _ OutcomeRepo = (*OutcomeSQLite)(nil)

const (
	defaultOutcomeLimit = 100

	insertOutcomeSQL = `
		INSERT INTO provisioning_outcomes (id, device_id, port, mac_address, status, success, completed_at, operator, timing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectOutcomesSQL = `
		SELECT id, device_id, port, mac_address, status, success, completed_at, operator, timing
		FROM provisioning_outcomes
	`
)

// Append persists o. A missing ID or completion time is generated.
func (r *OutcomeSQLite) Append(ctx context.Context, o models.Outcome) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	completed := o.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	} else {
		completed = completed.UTC()
	}

	timing, err := json.Marshal(o.Timing)
	if err != nil {
		return fmt.Errorf("marshal timing for %s: %w", o.DeviceID, err)
	}

	_, err = r.db.ExecContext(ctx, insertOutcomeSQL,
		o.ID,
		o.DeviceID,
		o.Port,
		o.MACAddress,
		string(o.Status),
		o.Success,
		completed,
		o.Operator,
		string(timing),
	)
	if err != nil {
		return fmt.Errorf("insert outcome for %s: %w", o.DeviceID, err)
	}
	return nil
}

// List returns the newest outcomes first, optionally for one device.
// A non-positive limit falls back to 100.
func (r *OutcomeSQLite) List(ctx context.Context, deviceID string, limit int) ([]models.Outcome, error) {
	if limit <= 0 {
		limit = defaultOutcomeLimit
	}

	q := selectOutcomesSQL
	var args []any
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		q += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	q += " ORDER BY completed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Outcome, 0, limit)
	for rows.Next() {
		var (
			o      models.Outcome
			status string
			timing sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.DeviceID, &o.Port, &o.MACAddress, &status, &o.Success, &o.CompletedAt, &o.Operator, &timing); err != nil {
			return nil, err
		}
		o.Status = device.Status(status)
		o.CompletedAt = o.CompletedAt.UTC()
		if timing.Valid && timing.String != "" {
			if err := json.Unmarshal([]byte(timing.String), &o.Timing); err != nil {
				return nil, fmt.Errorf("decode timing for outcome %s: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
