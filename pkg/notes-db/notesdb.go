package notesdb

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mrshanahan/notes-sync/pkg/notes"
)

var (
	//go:embed files/create_local_tables.sql
	CREATE_LOCAL_TABLES_SQL string
)

var (
	ErrStorage        = errors.New("local storage unavailable")
	ErrNotInitialized = errors.New("local storage not initialized")
)

const maxIDAttempts = 5

// QueuedNote is a note creation that has not reached the server yet.
// LocalID only identifies the entry inside this queue.
type QueuedNote struct {
	LocalID        int64
	IdempotencyKey string
	Input          notes.Input
	PendingSync    bool
	QueuedAt       time.Time
}

// Queue is the durable store of unsynced notes. It must be initialized once
// before use; calls made before Initialize finishes wait for it.
type Queue struct {
	path string
	now  func() time.Time

	once    sync.Once
	ready   chan struct{}
	db      *sql.DB
	initErr error

	idMu   sync.Mutex
	lastID int64
}

func Open(path string) *Queue {
	return &Queue{
		path:  path,
		now:   time.Now,
		ready: make(chan struct{}),
	}
}

// Initialize opens the database and applies the schema. Only the first call
// does any work; later calls return the first call's result.
func (q *Queue) Initialize(ctx context.Context) error {
	q.once.Do(func() {
		defer close(q.ready)
		db, err := Initialize(ctx, q.path)
		if err != nil {
			q.initErr = err
			return
		}
		lastID, err := maxLocalID(ctx, db)
		if err != nil {
			db.Close()
			q.initErr = err
			return
		}
		q.db = db
		q.lastID = lastID
	})
	return q.initErr
}

// Initialize opens the sqlite file at path and creates the local tables.
func Initialize(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("begin schema transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, CREATE_LOCAL_TABLES_SQL); err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("create local tables: %w", err)
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("commit schema: %w", err)
	}

	return db, nil
}

// DB returns the underlying handle once the queue is initialized.
func (q *Queue) DB(ctx context.Context) (*sql.DB, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}
	return q.db, nil
}

func (q *Queue) Close() error {
	select {
	case <-q.ready:
	default:
		return nil
	}
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

// Enqueue stores in with a fresh local identifier. The entry is durable
// when Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, in notes.Input) (QueuedNote, error) {
	if err := q.wait(ctx); err != nil {
		return QueuedNote{}, err
	}
	if err := in.Validate(); err != nil {
		return QueuedNote{}, err
	}

	in.Tags = notes.NormalizeTags(in.Tags)
	tags, err := json.Marshal(in.Tags)
	if err != nil {
		return QueuedNote{}, fmt.Errorf("encode tags: %w", err)
	}
	var reminder sql.NullString
	if in.ReminderDate != nil && !in.ReminderDate.IsZero() {
		reminder = sql.NullString{String: formatTime(in.ReminderDate.Time), Valid: true}
	}

	entry := QueuedNote{
		IdempotencyKey: uuid.NewString(),
		Input:          in,
		PendingSync:    true,
		QueuedAt:       q.now().UTC().Truncate(time.Second),
	}

	for attempt := 0; ; attempt++ {
		entry.LocalID = q.nextID()
		_, err = q.db.ExecContext(ctx, `
            INSERT INTO queued_notes
                (local_id, idempotency_key, title, content, tags, reminder_date, is_pinned, pending_sync, queued_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			entry.LocalID, entry.IdempotencyKey, in.Title, in.Content, string(tags), reminder, in.IsPinned,
			formatTime(entry.QueuedAt))
		if err == nil {
			return entry, nil
		}
		if !isPrimaryKeyConflict(err) || attempt+1 >= maxIDAttempts {
			return QueuedNote{}, storageErr("insert queued note", err)
		}
		// Another process sharing the file took this id.
		if err := q.resyncLastID(ctx); err != nil {
			return QueuedNote{}, err
		}
	}
}

// All yields every queued note. Each range over the returned sequence runs a
// fresh query, so it can be iterated more than once. Order carries no meaning.
func (q *Queue) All(ctx context.Context) iter.Seq2[QueuedNote, error] {
	return func(yield func(QueuedNote, error) bool) {
		if err := q.wait(ctx); err != nil {
			yield(QueuedNote{}, err)
			return
		}

		rows, err := q.db.QueryContext(ctx, `
            SELECT local_id, idempotency_key, title, content, tags, reminder_date, is_pinned, pending_sync, queued_at
            FROM queued_notes ORDER BY local_id`)
		if err != nil {
			yield(QueuedNote{}, storageErr("query queued notes", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanQueuedNote(rows)
			if err != nil {
				yield(QueuedNote{}, storageErr("scan queued note", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(QueuedNote{}, storageErr("read queued notes", err))
		}
	}
}

// Snapshot collects All into a slice.
func (q *Queue) Snapshot(ctx context.Context) ([]QueuedNote, error) {
	var out []QueuedNote
	for entry, err := range q.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Remove deletes the entry with the given local id. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, localID int64) error {
	if err := q.wait(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM queued_notes WHERE local_id = ?", localID); err != nil {
		return storageErr("delete queued note", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := q.wait(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_notes").Scan(&n); err != nil {
		return 0, storageErr("count queued notes", err)
	}
	return n, nil
}

// AcquireLease claims the right to sync for owner until ttl from now. It
// succeeds when nobody holds the lease, the lease has expired or owner
// already holds it, in which case the lease is extended. Every process
// sharing the database file sees the same lease.
func (q *Queue) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	if err := q.wait(ctx); err != nil {
		return false, err
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
        INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            owner = excluded.owner,
            expires_at = excluded.expires_at
        WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?`,
		owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, storageErr("acquire sync lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("acquire sync lease", err)
	}
	return n > 0, nil
}

// ReleaseLease gives up the lease if owner holds it.
func (q *Queue) ReleaseLease(ctx context.Context, owner string) error {
	if err := q.wait(ctx); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM sync_lease WHERE id = 1 AND owner = ?", owner); err != nil {
		return storageErr("release sync lease", err)
	}
	return nil
}

// Private

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-q.ready:
		if q.initErr != nil {
			return fmt.Errorf("%w: %w", ErrStorage, q.initErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotInitialized, ctx.Err())
	}
}

func (q *Queue) nextID() int64 {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	id := q.now().UnixMilli()
	if id <= q.lastID {
		id = q.lastID + 1
	}
	q.lastID = id
	return id
}

func (q *Queue) resyncLastID(ctx context.Context) error {
	last, err := maxLocalID(ctx, q.db)
	if err != nil {
		return err
	}
	q.idMu.Lock()
	if last > q.lastID {
		q.lastID = last
	}
	q.idMu.Unlock()
	return nil
}

func maxLocalID(ctx context.Context, db *sql.DB) (int64, error) {
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(local_id) FROM queued_notes").Scan(&last); err != nil {
		return 0, storageErr("read last local id", err)
	}
	return last.Int64, nil
}

func scanQueuedNote(rows *sql.Rows) (QueuedNote, error) {
	var (
		entry    QueuedNote
		tags     string
		reminder sql.NullString
		queuedAt string
	)
	err := rows.Scan(&entry.LocalID, &entry.IdempotencyKey, &entry.Input.Title, &entry.Input.Content,
		&tags, &reminder, &entry.Input.IsPinned, &entry.PendingSync, &queuedAt)
	if err != nil {
		return QueuedNote{}, err
	}
	if err := json.Unmarshal([]byte(tags), &entry.Input.Tags); err != nil {
		return QueuedNote{}, fmt.Errorf("decode tags: %w", err)
	}
	if reminder.Valid {
		t, err := parseTime(reminder.String)
		if err != nil {
			return QueuedNote{}, err
		}
		rd := notes.Time{Time: t}
		entry.Input.ReminderDate = &rd
	}
	entry.QueuedAt, err = parseTime(queuedAt)
	if err != nil {
		return QueuedNote{}, err
	}
	return entry, nil
}

func isPrimaryKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: queued_notes.local_id")
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
