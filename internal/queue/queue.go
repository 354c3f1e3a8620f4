// Package queue is the durability layer for readings that failed
// immediate delivery: a bounded, persisted ring that drains as one
// batch once the transport reconnects.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// Store is the persisted collection behind the queue. Implementations
// must keep entries in append order and enforce the ring bound by
// evicting the oldest entry (newest data wins).
type Store interface {
	Append(ctx context.Context, owner string, entry wire.QueuedReading, max int) error
	List(ctx context.Context, owner string) ([]wire.QueuedReading, error)
	Clear(ctx context.Context, owner string) error
	Len(ctx context.Context, owner string) (int, error)
}

// BatchSender delivers one batch envelope; the transport client
// satisfies it.
type BatchSender interface {
	Send(msg wire.Message) bool
}

// Queue persists readings for one owner and flushes them in capture
// order.
type Queue struct {
	store    Store
	logger   *logger.Logger
	owner    string
	userName string
	session  string
	max      int
}

// New creates a queue bound to one owner's persisted list.
func New(store Store, owner, userName, sessionID string, maxEntries int, log *logger.Logger) *Queue {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Queue{
		store:    store,
		logger:   log.WithComponent("durability-queue").WithUserID(owner),
		owner:    owner,
		userName: userName,
		session:  sessionID,
		max:      maxEntries,
	}
}

// Enqueue appends a reading that could not be delivered. Storage
// failure is a capability error: logged, the reading is dropped rather
// than raised.
func (q *Queue) Enqueue(ctx context.Context, reading wire.PositionReading) {
	entry := wire.QueuedReading{
		Reading:     reading,
		OwnerUserID: q.owner,
		SessionID:   q.session,
		QueuedAt:    time.Now().UnixMilli(),
	}
	if err := q.store.Append(ctx, q.owner, entry, q.max); err != nil {
		q.logger.Error("queue store unavailable, dropping reading", zap.Error(err))
		return
	}
	q.logger.Debug("reading queued for later delivery")
}

// Flush sends all queued entries as one LOCATION_UPDATE batch and then
// clears the persisted list unconditionally. This is deliberately
// best-effort (no batch acknowledgement is awaited before eviction);
// callers invoke it only when the transport just became connected.
func (q *Queue) Flush(ctx context.Context, sender BatchSender) error {
	entries, err := q.store.List(ctx, q.owner)
	if err != nil {
		return wire.WrapError(err, wire.CodeCapability, "failed to read queued readings")
	}
	if len(entries) == 0 {
		return nil
	}

	batch := wire.LocationBatchPayload{Updates: make([]wire.LocationPayload, 0, len(entries))}
	for _, e := range entries {
		batch.Updates = append(batch.Updates, wire.NewLocationPayload(e.Reading, q.userName))
	}
	msg, err := wire.NewMessage(wire.TypeLocationUpdate, batch)
	if err != nil {
		return err
	}

	delivered := sender.Send(msg)
	if err := q.store.Clear(ctx, q.owner); err != nil {
		return wire.WrapError(err, wire.CodeCapability, "failed to clear flushed readings")
	}

	q.logger.Info("durability queue flushed",
		zap.Int("count", len(entries)),
		zap.Bool("delivered_immediately", delivered))
	return nil
}

// Len reports the number of persisted entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx, q.owner)
}
