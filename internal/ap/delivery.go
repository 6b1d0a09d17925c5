package ap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// DeliveryQueue drains the durable delivery table: each due job is one
// signed POST of an activity to one remote actor's inbox, retried with
// exponential backoff until it succeeds, permanently fails, or runs out
// of attempts.
type DeliveryQueue struct {
	Store       Store
	Base        string
	Workers     int
	MaxAttempts int
}

const (
	pollInterval    = 2 * time.Second
	batchSize       = 16
	deliveryTimeout = 30 * time.Second
	backoffBase     = 30 * time.Second
	backoffMax      = 24 * time.Hour
)

// Run polls for due deliveries until ctx is cancelled.
func (q *DeliveryQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	slog.Info("delivery queue started", "workers", q.Workers, "max_attempts", q.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery queue stopped")
			return
		case <-ticker.C:
			q.processBatch(ctx)
		}
	}
}

func (q *DeliveryQueue) processBatch(ctx context.Context) {
	jobs, err := q.Store.DueDeliveries(ctx, time.Now(), batchSize)
	if err != nil {
		slog.Error("fetch due deliveries", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, q.Workers)
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		go func(job *DeliveryJob) {
			defer func() { <-sem }()
			q.process(ctx, job)
		}(job)
	}
	for i := 0; i < q.Workers; i++ {
		sem <- struct{}{}
	}
}

func (q *DeliveryQueue) process(ctx context.Context, job *DeliveryJob) {
	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	err := q.deliver(dctx, job)
	if err == nil {
		slog.Info("delivered", "activity", job.ActivityID, "recipient", job.Recipient, "attempts", job.Attempts+1)
		if err := q.Store.DeleteDelivery(ctx, job.ID); err != nil {
			slog.Error("delete delivered job", "job", job.ID, "error", err)
		}
		return
	}

	var se *StatusError
	if errors.As(err, &se) && se.Permanent() {
		slog.Warn("delivery rejected, dropping", "activity", job.ActivityID, "recipient", job.Recipient, "status", se.Status)
		if err := q.Store.DeleteDelivery(ctx, job.ID); err != nil {
			slog.Error("delete rejected job", "job", job.ID, "error", err)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= q.MaxAttempts {
		slog.Warn("delivery retired", "activity", job.ActivityID, "recipient", job.Recipient, "attempts", attempts, "error", err)
		if err := q.Store.DeleteDelivery(ctx, job.ID); err != nil {
			slog.Error("delete retired job", "job", job.ID, "error", err)
		}
		return
	}

	next := time.Now().Add(backoff(attempts))
	slog.Info("delivery failed, rescheduling", "activity", job.ActivityID, "recipient", job.Recipient, "attempts", attempts, "next", next, "error", err)
	if err := q.Store.RescheduleDelivery(ctx, job.ID, attempts, next); err != nil {
		slog.Error("reschedule job", "job", job.ID, "error", err)
	}
}

// deliver resolves the recipient's inbox and POSTs the signed activity.
func (q *DeliveryQueue) deliver(ctx context.Context, job *DeliveryJob) error {
	acct, err := q.Store.AccountByActor(ctx, job.Sender)
	if err != nil {
		return fmt.Errorf("load sender account %s: %w", job.Sender, err)
	}
	priv, err := ParsePrivateKeyPEM(acct.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("parse sender key: %w", err)
	}

	sender, err := q.Store.GetObject(ctx, job.Sender)
	if err != nil {
		return fmt.Errorf("load sender actor %s: %w", job.Sender, err)
	}
	keyID := ""
	if pk := sender.Map("publicKey"); pk != nil {
		keyID = pk.ID()
	}
	if keyID == "" {
		return fmt.Errorf("sender %s has no public key id", job.Sender)
	}

	recipient, err := FetchActor(ctx, job.Recipient)
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", job.Recipient, err)
	}
	inbox := recipient.Inbox
	if recipient.Endpoints != nil && recipient.Endpoints.SharedInbox != "" {
		inbox = recipient.Endpoints.SharedInbox
	}
	if inbox == "" {
		return fmt.Errorf("recipient %s has no inbox", job.Recipient)
	}

	return DeliverActivity(ctx, inbox, job.Activity, keyID, priv)
}

// backoff returns the delay before the next attempt: 30s doubling per
// attempt, capped at a day, with up to 10% jitter so retries spread out.
func backoff(attempts int) time.Duration {
	d := backoffBase << uint(attempts-1)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d / 10)))
	return d + jitter
}
