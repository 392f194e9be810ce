package syncer

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrshanahan/notes-sync/pkg/client"
	"github.com/mrshanahan/notes-sync/pkg/notes"
	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

type fakeServer struct {
	mu      sync.Mutex
	created []notes.Input
	calls   int
	// fail returns the error for a create attempt, or nil to accept it.
	fail    func(in notes.Input, attempt int) error
	block   chan struct{}
	entered atomic.Int32
}

func (s *fakeServer) CreateNote(ctx context.Context, in notes.Input, key string) (notes.Note, error) {
	s.entered.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(in, s.calls); err != nil {
			return notes.Note{}, err
		}
	}
	s.created = append(s.created, in)
	return notes.Note{ID: int64(len(s.created)), Title: in.Title}, nil
}

func (s *fakeServer) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, in := range s.created {
		out = append(out, in.Title)
	}
	return out
}

type online bool

func (o online) Online() bool { return bool(o) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T, titles ...string) *notesdb.Queue {
	t.Helper()
	q := notesdb.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, q.Initialize(context.Background()))
	t.Cleanup(func() { q.Close() })
	for _, title := range titles {
		_, err := q.Enqueue(context.Background(), notes.Input{Title: title, Content: "body of " + title})
		require.NoError(t, err)
	}
	return q
}

func queueLen(t *testing.T, q *notesdb.Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestSyncDrainsQueue(t *testing.T) {
	q := newQueue(t, "a", "b")
	server := &fakeServer{}
	var refreshed int
	c := New(q, server, online(true), WithLogger(quietLogger()),
		WithOnSynced(func(context.Context, BatchResult) { refreshed++ }))

	result := c.SyncOnce(context.Background(), ReasonManual)

	assert.Equal(t, 2, result.Synced)
	assert.Zero(t, result.Failed)
	assert.Equal(t, []string{"a", "b"}, server.titles())
	assert.Zero(t, queueLen(t, q))
	assert.Equal(t, 1, refreshed)
}

func TestEmptyQueueIsNoop(t *testing.T) {
	q := newQueue(t)
	server := &fakeServer{}
	refreshed := false
	c := New(q, server, online(true), WithLogger(quietLogger()),
		WithOnSynced(func(context.Context, BatchResult) { refreshed = true }))

	result := c.SyncOnce(context.Background(), ReasonTimer)

	assert.Zero(t, result.Attempted)
	assert.Zero(t, server.calls)
	assert.False(t, refreshed)
}

func TestOfflineIsNoop(t *testing.T) {
	q := newQueue(t, "a")
	server := &fakeServer{}
	c := New(q, server, online(false), WithLogger(quietLogger()))

	result := c.SyncOnce(context.Background(), ReasonTimer)

	assert.True(t, result.Offline)
	assert.Zero(t, server.calls)
	assert.Equal(t, 1, queueLen(t, q))
}

func TestFailedNoteRetriedWithoutDuplicates(t *testing.T) {
	q := newQueue(t, "A", "B")
	failedOnce := false
	server := &fakeServer{fail: func(in notes.Input, _ int) error {
		if in.Title == "A" && !failedOnce {
			failedOnce = true
			return &client.ServerError{StatusCode: 503, Message: "try later"}
		}
		return nil
	}}
	refreshes := 0
	c := New(q, server, online(true), WithLogger(quietLogger()),
		WithOnSynced(func(context.Context, BatchResult) { refreshes++ }))

	first := c.SyncOnce(context.Background(), ReasonTimer)
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, []string{"B"}, server.titles(), "B is not held back by A's failure")
	assert.Equal(t, 1, queueLen(t, q))

	second := c.SyncOnce(context.Background(), ReasonTimer)
	assert.Equal(t, 1, second.Synced)
	assert.ElementsMatch(t, []string{"A", "B"}, server.titles())
	assert.Zero(t, queueLen(t, q))
	assert.Equal(t, 2, refreshes)
}

func TestAuthRequiredKeepsNoteQueued(t *testing.T) {
	q := newQueue(t, "secret")
	server := &fakeServer{fail: func(notes.Input, int) error {
		return client.ErrAuthRequired
	}}
	refreshed := false
	c := New(q, server, online(true), WithLogger(quietLogger()),
		WithOnSynced(func(context.Context, BatchResult) { refreshed = true }))

	result := c.SyncOnce(context.Background(), ReasonTimer)
	assert.True(t, result.AuthRequired)
	assert.Equal(t, 1, queueLen(t, q))
	assert.Empty(t, server.titles())
	assert.False(t, refreshed)

	server.fail = nil
	c.SyncOnce(context.Background(), ReasonCredentials)
	assert.Equal(t, []string{"secret"}, server.titles())
	assert.Zero(t, queueLen(t, q))
}

func TestConcurrentBatchIsSkipped(t *testing.T) {
	q := newQueue(t, "slow")
	server := &fakeServer{block: make(chan struct{})}
	c := New(q, server, online(true), WithLogger(quietLogger()))

	done := make(chan BatchResult)
	go func() { done <- c.SyncOnce(context.Background(), ReasonTimer) }()

	require.Eventually(t, c.running.Load, time.Second, time.Millisecond)
	second := c.SyncOnce(context.Background(), ReasonOnline)
	assert.True(t, second.Skipped)

	close(server.block)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, []string{"slow"}, server.titles())
}

func TestBatchesAcrossProcessesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.sqlite")
	open := func() *notesdb.Queue {
		q := notesdb.Open(path)
		require.NoError(t, q.Initialize(ctx))
		t.Cleanup(func() { q.Close() })
		return q
	}
	daemonQueue, oneShotQueue := open(), open()
	_, err := daemonQueue.Enqueue(ctx, notes.Input{Title: "shared", Content: "queued once"})
	require.NoError(t, err)

	server := &fakeServer{block: make(chan struct{})}
	daemon := New(daemonQueue, server, online(true), WithLogger(quietLogger()))
	oneShot := New(oneShotQueue, server, online(true), WithLogger(quietLogger()))

	done := make(chan BatchResult)
	go func() { done <- daemon.SyncOnce(ctx, ReasonTimer) }()
	require.Eventually(t, func() bool { return server.entered.Load() == 1 }, time.Second, time.Millisecond)

	second := oneShot.SyncOnce(ctx, ReasonManual)
	assert.True(t, second.Skipped)
	assert.Zero(t, second.Attempted)

	close(server.block)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, []string{"shared"}, server.titles())
	assert.Zero(t, queueLen(t, oneShotQueue))

	// The lease is released once the batch ends.
	after := oneShot.SyncOnce(ctx, ReasonManual)
	assert.False(t, after.Skipped)
	assert.Equal(t, int32(1), server.entered.Load())
}

type countingQueue struct {
	*notesdb.Queue
	batches atomic.Int32
}

func (q *countingQueue) All(ctx context.Context) iter.Seq2[notesdb.QueuedNote, error] {
	q.batches.Add(1)
	return q.Queue.All(ctx)
}

func TestRunCoalescesTriggers(t *testing.T) {
	base := newQueue(t, "one")
	q := &countingQueue{Queue: base}
	release := make(chan struct{})
	server := &fakeServer{block: release}
	c := New(q, server, online(true), WithLogger(quietLogger()), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Trigger(ReasonSave)
	require.Eventually(t, c.running.Load, time.Second, time.Millisecond)

	// Triggers arriving mid-batch collapse into one follow-up batch.
	for i := 0; i < 10; i++ {
		c.Trigger(ReasonOnline)
	}
	close(release)

	require.Eventually(t, func() bool { return q.batches.Load() == 2 && !c.running.Load() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), q.batches.Load())
	assert.Equal(t, []string{"one"}, server.titles())
}

func TestRestoreSignalStartsBatch(t *testing.T) {
	q := newQueue(t, "queued offline")
	server := &fakeServer{}
	restored := make(chan struct{}, 1)
	synced := make(chan BatchResult, 1)
	c := New(q, server, online(true), WithLogger(quietLogger()), WithInterval(time.Hour),
		WithRestoreSignal(restored),
		WithOnSynced(func(_ context.Context, r BatchResult) { synced <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	restored <- struct{}{}
	select {
	case r := <-synced:
		assert.Equal(t, ReasonOnline, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("restore signal did not start a batch")
	}
}

func TestIntervalFloor(t *testing.T) {
	c := New(newQueue(t), &fakeServer{}, online(true), WithLogger(quietLogger()), WithInterval(10*time.Millisecond))
	assert.Equal(t, MinInterval, c.Interval())

	c = New(newQueue(t), &fakeServer{}, online(true), WithLogger(quietLogger()))
	assert.Equal(t, DefaultInterval, c.Interval())
}

func TestQueueReadFailureIsSwallowed(t *testing.T) {
	server := &fakeServer{}
	c := New(brokenQueue{}, server, online(true), WithLogger(quietLogger()))
	result := c.SyncOnce(context.Background(), ReasonTimer)
	assert.Zero(t, result.Attempted)
	assert.Zero(t, server.calls)
}

type brokenQueue struct{}

func (brokenQueue) All(context.Context) iter.Seq2[notesdb.QueuedNote, error] {
	return func(yield func(notesdb.QueuedNote, error) bool) {
		yield(notesdb.QueuedNote{}, errors.New("disk on fire"))
	}
}

func (brokenQueue) Remove(context.Context, int64) error { return nil }
