package db

import (
	"context"
	"fmt"
	"time"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// EnqueueDelivery persists one pending federated delivery. It runs inside
// the activity's transaction so a failed pipeline never leaves jobs behind.
func (q *queries) EnqueueDelivery(ctx context.Context, job *ap.DeliveryJob) error {
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO deliveries (id, activity_id, activity, sender, recipient, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	), job.ID, job.ActivityID, string(job.Activity), job.Sender, job.Recipient,
		job.Attempts, job.NextAttemptAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// DueDeliveries returns up to limit jobs whose next attempt is due, oldest
// first.
func (q *queries) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*ap.DeliveryJob, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT id, activity_id, activity, sender, recipient, attempts, next_attempt_at
		 FROM deliveries WHERE next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`,
	), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	defer rows.Close()

	var jobs []*ap.DeliveryJob
	for rows.Next() {
		var (
			job      ap.DeliveryJob
			activity string
			next     int64
		)
		if err := rows.Scan(&job.ID, &job.ActivityID, &activity, &job.Sender, &job.Recipient, &job.Attempts, &next); err != nil {
			return nil, err
		}
		job.Activity = []byte(activity)
		job.NextAttemptAt = time.Unix(next, 0)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// RescheduleDelivery records a failed attempt and the next retry time.
func (q *queries) RescheduleDelivery(ctx context.Context, id string, attempts int, next time.Time) error {
	_, err := q.db.ExecContext(ctx, q.rebind(
		`UPDATE deliveries SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
	), attempts, next.Unix(), id)
	if err != nil {
		return fmt.Errorf("reschedule delivery %s: %w", id, err)
	}
	return nil
}

// DeleteDelivery removes a finished job, whether delivered, rejected or
// retired.
func (q *queries) DeleteDelivery(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`DELETE FROM deliveries WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete delivery %s: %w", id, err)
	}
	return nil
}
