package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrshanahan/notes-sync/internal/netstate"
	"github.com/mrshanahan/notes-sync/pkg/client"
	"github.com/mrshanahan/notes-sync/pkg/notes"
	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

// fakeAPI is a minimal in-memory notes API.
type fakeAPI struct {
	mu       sync.Mutex
	notes    []notes.Note
	keys     []string
	nextID   int64
	authFail bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.authFail {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/notes":
		json.NewEncoder(w).Encode(f.notes)
	case r.Method == http.MethodPost && r.URL.Path == "/notes":
		var in notes.Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"Title and Content required"}`))
			return
		}
		f.nextID++
		n := notes.Note{ID: f.nextID, Title: in.Title, Content: in.Content, Tags: in.Tags}
		f.notes = append(f.notes, n)
		f.keys = append(f.keys, r.Header.Get(client.IdempotencyKeyHeader))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(n)
	case r.Method == http.MethodPut:
		w.Write([]byte(`{"message":"Note updated"}`))
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/notes/ai-tools":
		w.Write([]byte(`{"summary":"short","tags":["Go"," go","offline"]}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

type fixture struct {
	app   *App
	api   *fakeAPI
	srv   *httptest.Server
	queue *notesdb.Queue
	mon   *netstate.Monitor
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := notesdb.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, queue.Initialize(context.Background()))
	t.Cleanup(func() { queue.Close() })

	mon := netstate.NewMonitor(online, logger)
	a := New(Deps{
		Queue:   queue,
		Gateway: client.NewClient(srv.URL, client.WithLogger(logger)),
		Monitor: mon,
		Logger:  logger,
	})
	return &fixture{app: a, api: api, srv: srv, queue: queue, mon: mon}
}

func (f *fixture) queued(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestSaveOnlineCreates(t *testing.T) {
	f := newFixture(t, true)
	result, err := f.app.Save(context.Background(), 0, notes.Input{Title: "t", Content: "c", Tags: []string{"a", "a", " b"}})
	require.NoError(t, err)
	assert.False(t, result.Queued)
	assert.Equal(t, int64(1), result.Note.ID)
	assert.Equal(t, []string{"a", "b"}, result.Note.Tags)
	assert.NotEmpty(t, f.api.keys[0])
	assert.Len(t, f.app.Notes(), 1)
}

func TestSaveOfflineQueuesThenSyncs(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	result, err := f.app.Save(ctx, 0, notes.Input{Title: "offline", Content: "c"})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.NotZero(t, result.LocalID)
	assert.Equal(t, 1, f.queued(t))
	assert.Zero(t, f.api.count())

	f.mon.Set(true)
	batch := f.app.Sync(ctx)
	assert.Equal(t, 1, batch.Synced)
	assert.Zero(t, f.queued(t))
	assert.Equal(t, 1, f.api.count())
	require.Len(t, f.app.Notes(), 1, "note set reloaded after sync")
	assert.Equal(t, "offline", f.app.Notes()[0].Title)
}

func TestSaveQueuesWhenNetworkFails(t *testing.T) {
	f := newFixture(t, true)
	f.srv.Close()

	result, err := f.app.Save(context.Background(), 0, notes.Input{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, f.queued(t))
	assert.False(t, f.mon.Online())
}

func TestSaveAuthRequiredQueuesAndReports(t *testing.T) {
	f := newFixture(t, true)
	f.api.authFail = true

	result, err := f.app.Save(context.Background(), 0, notes.Input{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, client.ErrAuthRequired)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, f.queued(t))
}

func TestSaveServerRejectionIsVerbatim(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.app.Save(context.Background(), 0, notes.Input{Title: "", Content: "c"})
	assert.ErrorIs(t, err, notes.ErrInvalidNote)

	// Server-side rejection of an input that passes local validation.
	_, err = f.app.gateway.CreateNote(context.Background(), notes.Input{Content: "c"}, "")
	var serverErr *client.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Title and Content required", serverErr.Message)
	assert.Zero(t, f.queued(t))
}

func TestSaveStorageFailureSurfaces(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.queue.Close())

	_, err := f.app.Save(context.Background(), 0, notes.Input{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, notesdb.ErrStorage)
}

func TestUpdateRequiresConnectivity(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.app.Save(context.Background(), 3, notes.Input{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, client.ErrNetworkUnavailable)
	assert.Zero(t, f.queued(t))

	f.mon.Set(true)
	result, err := f.app.Save(context.Background(), 3, notes.Input{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Note.ID)
}

func TestRefreshSearchDeleteExport(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.api.notes = []notes.Note{
		{ID: 1, Title: "Groceries", Content: "milk", Tags: []string{"home"}},
		{ID: 2, Title: "Standup", Content: "notes", Tags: []string{"work"}},
	}

	list, err := f.app.Refresh(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Len(t, f.app.Search("WORK"), 1)
	assert.Len(t, f.app.Search(""), 2)

	var buf bytes.Buffer
	require.NoError(t, f.app.Export(&buf, 1))
	assert.Contains(t, buf.String(), "# Groceries")
	assert.ErrorIs(t, f.app.Export(&buf, 99), ErrNoteNotLoaded)

	require.NoError(t, f.app.Delete(ctx, 1))
	assert.Len(t, f.app.Notes(), 1)
}

func TestAITools(t *testing.T) {
	f := newFixture(t, true)
	summary, err := f.app.Summarize(context.Background(), "long text")
	require.NoError(t, err)
	assert.Equal(t, "short", summary)

	tags, err := f.app.SuggestTags(context.Background(), "long text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Go", "go", "offline"}, tags)
}

func TestCheckRemindersUsesLoadedNotes(t *testing.T) {
	f := newFixture(t, true)
	now := time.Now().UTC()
	soon := notes.NewTime(now.Add(3 * time.Minute))
	later := notes.NewTime(now.Add(time.Hour))
	f.api.notes = []notes.Note{
		{ID: 1, Title: "soon", Content: "c", ReminderDate: &soon},
		{ID: 2, Title: "later", Content: "c", ReminderDate: &later},
	}
	_, err := f.app.Refresh(context.Background(), "")
	require.NoError(t, err)

	due := f.app.CheckReminders(context.Background(), now)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ID)
	assert.Empty(t, f.app.CheckReminders(context.Background(), now))
}

func TestDirtyFlag(t *testing.T) {
	f := newFixture(t, false)
	f.app.MarkDirty()
	assert.True(t, f.app.Dirty())
	_, err := f.app.Save(context.Background(), 0, notes.Input{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.False(t, f.app.Dirty())
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
