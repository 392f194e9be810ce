// Package syncer drains the local queue of unsynced notes against the API.
package syncer

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mrshanahan/notes-sync/pkg/client"
	"github.com/mrshanahan/notes-sync/pkg/notes"
	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

const (
	DefaultInterval = 30 * time.Second
	// MinInterval keeps a down server from being hammered.
	MinInterval = 5 * time.Second
	// LeaseTTL bounds how long a crashed process can block other syncers.
	LeaseTTL = 2 * time.Minute
)

type Queue interface {
	All(ctx context.Context) iter.Seq2[notesdb.QueuedNote, error]
	Remove(ctx context.Context, localID int64) error
}

// Leaser is implemented by queues shared between processes. A batch only
// runs while its coordinator holds the lease.
type Leaser interface {
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

type Gateway interface {
	CreateNote(ctx context.Context, in notes.Input, idempotencyKey string) (notes.Note, error)
}

type Connectivity interface {
	Online() bool
}

// Reason says what started a batch.
type Reason string

const (
	ReasonTimer       Reason = "timer"
	ReasonOnline      Reason = "online"
	ReasonSave        Reason = "save"
	ReasonCredentials Reason = "credentials"
	ReasonManual      Reason = "manual"
)

type BatchResult struct {
	Reason       Reason
	Attempted    int
	Synced       int
	Failed       int
	Offline      bool
	Skipped      bool
	AuthRequired bool
}

type Coordinator struct {
	queue    Queue
	gateway  Gateway
	conn     Connectivity
	interval time.Duration
	logger   *slog.Logger
	onSynced func(context.Context, BatchResult)
	restored <-chan struct{}

	triggers chan Reason
	running  atomic.Bool
	owner    string
}

type Option func(*Coordinator)

// WithInterval sets the timer period. Values below MinInterval are raised to it.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithOnSynced registers the hook run after a batch that synced at least one note.
func WithOnSynced(fn func(context.Context, BatchResult)) Option {
	return func(c *Coordinator) {
		c.onSynced = fn
	}
}

// WithRestoreSignal makes Run start a batch whenever ch fires.
func WithRestoreSignal(ch <-chan struct{}) Option {
	return func(c *Coordinator) {
		c.restored = ch
	}
}

func New(queue Queue, gateway Gateway, conn Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:    queue,
		gateway:  gateway,
		conn:     conn,
		interval: DefaultInterval,
		logger:   slog.Default(),
		triggers: make(chan Reason, 1),
		owner:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval < MinInterval {
		c.logger.Warn("sync interval below floor; clamping", "requested", c.interval, "floor", MinInterval)
		c.interval = MinInterval
	}
	return c
}

func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Trigger asks the running loop for a batch. It never blocks; triggers that
// arrive while one is already pending collapse into it.
func (c *Coordinator) Trigger(reason Reason) {
	select {
	case c.triggers <- reason:
	default:
		c.logger.Debug("sync already pending; trigger coalesced", "reason", reason)
	}
}

// Run is the coordinator's event loop. Batches run one at a time on this
// goroutine until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SyncOnce(ctx, ReasonTimer)
		case <-c.restored:
			c.SyncOnce(ctx, ReasonOnline)
		case reason := <-c.triggers:
			c.SyncOnce(ctx, reason)
		}
	}
}

// SyncOnce runs a single batch and reports what happened. If a batch is
// already in flight, here or in another process sharing the queue, it
// returns immediately with Skipped set. It never fails:
// notes that could not be synced stay queued for the next batch.
func (c *Coordinator) SyncOnce(ctx context.Context, reason Reason) BatchResult {
	result := BatchResult{Reason: reason}
	if !c.running.CompareAndSwap(false, true) {
		result.Skipped = true
		return result
	}
	defer c.running.Store(false)

	if !c.conn.Online() {
		result.Offline = true
		c.logger.Debug("offline; skipping sync", "reason", reason)
		return result
	}

	if leaser, ok := c.queue.(Leaser); ok {
		held, err := leaser.AcquireLease(ctx, c.owner, LeaseTTL)
		if err != nil {
			c.logger.Error("failed to take sync lease", "err", err)
			return result
		}
		if !held {
			c.logger.Debug("another process is syncing; skipping", "reason", reason)
			result.Skipped = true
			return result
		}
		defer func() {
			if err := leaser.ReleaseLease(context.WithoutCancel(ctx), c.owner); err != nil {
				c.logger.Warn("failed to release sync lease", "err", err)
			}
		}()
	}

	var snapshot []notesdb.QueuedNote
	for entry, err := range c.queue.All(ctx) {
		if err != nil {
			c.logger.Error("failed to read sync queue", "err", err)
			return result
		}
		snapshot = append(snapshot, entry)
	}
	if len(snapshot) == 0 {
		return result
	}

	c.logger.Info("syncing queued notes", "count", len(snapshot), "reason", reason)
	for _, entry := range snapshot {
		if ctx.Err() != nil || !c.renewLease(ctx) {
			break
		}
		result.Attempted++

		note, err := c.gateway.CreateNote(ctx, entry.Input, entry.IdempotencyKey)
		if err != nil {
			result.Failed++
			if errors.Is(err, client.ErrAuthRequired) {
				result.AuthRequired = true
				c.logger.Warn("not logged in; note stays queued", "localID", entry.LocalID)
			} else {
				c.logger.Warn("failed to sync note; will retry", "localID", entry.LocalID, "err", err)
			}
			continue
		}

		// The server has the note now, so the removal must not be cut short.
		if err := c.queue.Remove(context.WithoutCancel(ctx), entry.LocalID); err != nil {
			c.logger.Error("synced note could not be removed from queue",
				"localID", entry.LocalID,
				"noteID", note.ID,
				"err", err)
		}
		result.Synced++
		c.logger.Debug("note synced", "localID", entry.LocalID, "noteID", note.ID)
	}

	c.logger.Info("sync batch finished",
		"reason", reason,
		"synced", result.Synced,
		"failed", result.Failed)
	if result.Synced > 0 && c.onSynced != nil {
		c.onSynced(ctx, result)
	}
	return result
}

// renewLease extends the lease before each create so a long batch keeps it.
// It reports false when the lease was lost.
func (c *Coordinator) renewLease(ctx context.Context) bool {
	leaser, ok := c.queue.(Leaser)
	if !ok {
		return true
	}
	held, err := leaser.AcquireLease(ctx, c.owner, LeaseTTL)
	if err != nil || !held {
		c.logger.Warn("lost sync lease; stopping batch", "err", err)
		return false
	}
	return true
}
