// Package app owns the client-side state of notes-sync and wires the queue,
// API client, connectivity monitor, sync coordinator and reminder checker
// together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/mrshanahan/notes-sync/internal/netstate"
	"github.com/mrshanahan/notes-sync/internal/reminder"
	"github.com/mrshanahan/notes-sync/internal/syncer"
	"github.com/mrshanahan/notes-sync/pkg/client"
	"github.com/mrshanahan/notes-sync/pkg/notes"
	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

var ErrNoteNotLoaded = errors.New("note not loaded")

// Gateway is the subset of the API client the controller uses.
type Gateway interface {
	ListNotes(ctx context.Context, tag string) ([]notes.Note, error)
	CreateNote(ctx context.Context, in notes.Input, idempotencyKey string) (notes.Note, error)
	UpdateNote(ctx context.Context, id int64, in notes.Input) error
	DeleteNote(ctx context.Context, id int64) error
	ShareNote(ctx context.Context, id int64, username, permission string) error
	AITools(ctx context.Context, action, content string) (client.AIResult, error)
}

type Deps struct {
	Queue   *notesdb.Queue
	Gateway Gateway
	Monitor *netstate.Monitor
	// Notifier raises reminders. Nil means notifications are not permitted.
	Notifier reminder.Notifier
	Logger   *slog.Logger

	SyncInterval time.Duration
	// Prober, if set, keeps Monitor current while Run is active.
	Prober           netstate.Prober
	ProbeInterval    time.Duration
	ReminderInterval time.Duration

	// WatchCredentials, if set, is run by Run and calls onChange whenever
	// the stored login changes.
	WatchCredentials func(ctx context.Context, onChange func()) error

	// Proxy, if set, is served on ProxyAddr while Run is active.
	Proxy     *fiber.App
	ProxyAddr string
}

type SaveResult struct {
	Note notes.Note
	// Queued is set when the note was stored locally for a later sync.
	Queued  bool
	LocalID int64
}

type App struct {
	queue       *notesdb.Queue
	gateway     Gateway
	monitor     *netstate.Monitor
	coordinator *syncer.Coordinator
	reminders   *reminder.Checker
	logger      *slog.Logger
	deps        Deps

	mu    sync.RWMutex
	notes []notes.Note
	dirty bool
}

// New builds the controller. The queue must already be opened; calls that
// touch it wait for its initialization.
func New(deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ReminderInterval <= 0 {
		deps.ReminderInterval = time.Minute
	}
	a := &App{
		queue:     deps.Queue,
		gateway:   deps.Gateway,
		monitor:   deps.Monitor,
		reminders: reminder.NewChecker(deps.Notifier, logger),
		logger:    logger,
		deps:      deps,
	}

	opts := []syncer.Option{
		syncer.WithLogger(logger),
		syncer.WithOnSynced(a.afterSync),
		syncer.WithRestoreSignal(deps.Monitor.Subscribe()),
	}
	if deps.SyncInterval > 0 {
		opts = append(opts, syncer.WithInterval(deps.SyncInterval))
	}
	a.coordinator = syncer.New(deps.Queue, deps.Gateway, deps.Monitor, opts...)
	return a
}

func (a *App) Coordinator() *syncer.Coordinator {
	return a.coordinator
}

// Save creates (id == 0) or updates a note. Creates that cannot reach the
// server are queued and reported through SaveResult.Queued without error.
// An auth failure also queues the note but still returns ErrAuthRequired so
// the caller can prompt for a login.
func (a *App) Save(ctx context.Context, id int64, in notes.Input) (SaveResult, error) {
	if err := in.Validate(); err != nil {
		return SaveResult{}, err
	}
	in.Tags = notes.NormalizeTags(in.Tags)

	if id != 0 {
		return a.update(ctx, id, in)
	}

	if !a.monitor.Online() {
		return a.enqueue(ctx, in)
	}

	note, err := a.gateway.CreateNote(ctx, in, uuid.NewString())
	switch {
	case err == nil:
	case errors.Is(err, client.ErrNetworkUnavailable):
		a.logger.Info("API unreachable; queueing note", "title", in.Title, "err", err)
		a.monitor.Set(false)
		return a.enqueue(ctx, in)
	case errors.Is(err, client.ErrAuthRequired):
		result, qerr := a.enqueue(ctx, in)
		if qerr != nil {
			return result, errors.Join(err, qerr)
		}
		return result, err
	default:
		return SaveResult{}, err
	}

	a.mu.Lock()
	a.notes = append([]notes.Note{note}, a.notes...)
	a.dirty = false
	a.mu.Unlock()

	a.coordinator.Trigger(syncer.ReasonSave)
	return SaveResult{Note: note}, nil
}

func (a *App) update(ctx context.Context, id int64, in notes.Input) (SaveResult, error) {
	if !a.monitor.Online() {
		return SaveResult{}, fmt.Errorf("editing notes offline is not supported: %w", client.ErrNetworkUnavailable)
	}
	if err := a.gateway.UpdateNote(ctx, id, in); err != nil {
		if errors.Is(err, client.ErrNetworkUnavailable) {
			a.monitor.Set(false)
		}
		return SaveResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = false
	for i := range a.notes {
		if a.notes[i].ID == id {
			n := &a.notes[i]
			n.Title, n.Content, n.Tags = in.Title, in.Content, in.Tags
			n.ReminderDate, n.IsPinned = in.ReminderDate, in.IsPinned
			return SaveResult{Note: *n}, nil
		}
	}
	return SaveResult{Note: notes.Note{ID: id, Title: in.Title, Content: in.Content, Tags: in.Tags,
		ReminderDate: in.ReminderDate, IsPinned: in.IsPinned}}, nil
}

func (a *App) enqueue(ctx context.Context, in notes.Input) (SaveResult, error) {
	entry, err := a.queue.Enqueue(ctx, in)
	if err != nil {
		a.logger.Error("failed to queue note", "title", in.Title, "err", err)
		return SaveResult{}, err
	}
	a.mu.Lock()
	a.dirty = false
	a.mu.Unlock()
	a.logger.Info("note queued for sync", "localID", entry.LocalID)
	return SaveResult{Queued: true, LocalID: entry.LocalID}, nil
}

func (a *App) Delete(ctx context.Context, id int64) error {
	if err := a.gateway.DeleteNote(ctx, id); err != nil {
		return err
	}
	a.mu.Lock()
	a.notes = slices.DeleteFunc(a.notes, func(n notes.Note) bool { return n.ID == id })
	a.mu.Unlock()
	return nil
}

func (a *App) Share(ctx context.Context, id int64, username, permission string) error {
	return a.gateway.ShareNote(ctx, id, username, permission)
}

// Refresh reloads the note set from the server.
func (a *App) Refresh(ctx context.Context, tag string) ([]notes.Note, error) {
	list, err := a.gateway.ListNotes(ctx, tag)
	if err != nil {
		if errors.Is(err, client.ErrNetworkUnavailable) {
			a.monitor.Set(false)
		}
		return nil, err
	}
	a.mu.Lock()
	a.notes = list
	a.mu.Unlock()
	return slices.Clone(list), nil
}

// Notes returns the last loaded note set.
func (a *App) Notes() []notes.Note {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.notes)
}

func (a *App) Note(id int64) (notes.Note, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, n := range a.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return notes.Note{}, fmt.Errorf("%w: %d", ErrNoteNotLoaded, id)
}

// Search filters the loaded set without contacting the server.
func (a *App) Search(term string) []notes.Note {
	return notes.Filter(a.Notes(), term)
}

// Pending lists notes still waiting in the local queue.
func (a *App) Pending(ctx context.Context) ([]notesdb.QueuedNote, error) {
	return a.queue.Snapshot(ctx)
}

func (a *App) Summarize(ctx context.Context, content string) (string, error) {
	result, err := a.gateway.AITools(ctx, client.AIActionSummarize, content)
	if err != nil {
		return "", err
	}
	if result.Summary != "" {
		return result.Summary, nil
	}
	return result.Result, nil
}

func (a *App) SuggestTags(ctx context.Context, content string) ([]string, error) {
	result, err := a.gateway.AITools(ctx, client.AIActionTags, content)
	if err != nil {
		return nil, err
	}
	if len(result.Tags) == 0 && result.Result != "" {
		return notes.ParseTags(result.Result), nil
	}
	return notes.NormalizeTags(result.Tags), nil
}

// Export writes the loaded note id as Markdown.
func (a *App) Export(w io.Writer, id int64) error {
	n, err := a.Note(id)
	if err != nil {
		return err
	}
	return notes.WriteMarkdown(w, n)
}

func (a *App) CheckReminders(ctx context.Context, now time.Time) []notes.Note {
	return a.reminders.Check(ctx, a.Notes(), now)
}

// Sync runs one batch immediately.
func (a *App) Sync(ctx context.Context) syncer.BatchResult {
	return a.coordinator.SyncOnce(ctx, syncer.ReasonManual)
}

func (a *App) MarkDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// Dirty reports whether there are edits that have been neither saved nor
// queued.
func (a *App) Dirty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// Run starts the background loops and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if a.deps.Prober != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.monitor.Run(ctx, a.deps.Prober, a.deps.ProbeInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.coordinator.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runReminders(ctx)
	}()

	if a.deps.WatchCredentials != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.deps.WatchCredentials(ctx, func() {
				a.logger.Info("login changed; syncing")
				a.coordinator.Trigger(syncer.ReasonCredentials)
			})
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("credential watch stopped", "err", err)
			}
		}()
	}

	if a.deps.Proxy != nil && a.deps.ProxyAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("offline proxy listening", "addr", a.deps.ProxyAddr)
			if err := a.deps.Proxy.Listen(a.deps.ProxyAddr); err != nil {
				errs <- fmt.Errorf("offline proxy: %w", err)
			}
		}()
		go func() {
			<-ctx.Done()
			if err := a.deps.Proxy.Shutdown(); err != nil {
				a.logger.Warn("failed to stop offline proxy", "err", err)
			}
		}()
	}

	a.logger.Info("notes-sync running", "online", a.monitor.Online(), "syncInterval", a.coordinator.Interval())
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		cancel()
	}
	wg.Wait()
	return runErr
}

// runReminders reloads the note set while online and checks it for due
// reminders on every tick.
func (a *App) runReminders(ctx context.Context) {
	ticker := time.NewTicker(a.deps.ReminderInterval)
	defer ticker.Stop()
	for {
		if a.monitor.Online() {
			if _, err := a.Refresh(ctx, ""); err != nil && ctx.Err() == nil {
				a.logger.Debug("failed to reload notes for reminders", "err", err)
			}
		}
		a.CheckReminders(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) afterSync(ctx context.Context, result syncer.BatchResult) {
	if _, err := a.Refresh(ctx, ""); err != nil {
		a.logger.Warn("failed to reload notes after sync", "synced", result.Synced, "err", err)
	}
}
