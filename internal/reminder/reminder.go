// Package reminder raises notifications for notes whose reminder is coming up.
package reminder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mrshanahan/notes-sync/pkg/notes"
)

// DueWindow is how far ahead a reminder counts as due.
const DueWindow = 5 * time.Minute

// Due returns the notes whose reminder is strictly after now and no later
// than now+window.
func Due(list []notes.Note, now time.Time, window time.Duration) []notes.Note {
	limit := now.Add(window)
	var due []notes.Note
	for _, n := range list {
		if n.ReminderDate == nil || n.ReminderDate.IsZero() {
			continue
		}
		at := n.ReminderDate.Time
		if at.After(now) && !at.After(limit) {
			due = append(due, n)
		}
	}
	return due
}

type Notifier interface {
	Notify(ctx context.Context, n notes.Note) error
}

type key struct {
	id int64
	at int64
}

// Checker notifies each (note, reminder time) pair at most once. Changing a
// note's reminder makes it eligible again.
type Checker struct {
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	notified map[key]time.Time
}

// NewChecker returns a Checker that raises notifications through notifier.
// A nil notifier means permission was not granted; due reminders are then
// only logged.
func NewChecker(notifier Notifier, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		notifier: notifier,
		logger:   logger,
		notified: map[key]time.Time{},
	}
}

// Check notifies for every note due at now that has not been notified yet
// and returns those notes.
func (c *Checker) Check(ctx context.Context, list []notes.Note, now time.Time) []notes.Note {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, at := range c.notified {
		if !at.After(now) {
			delete(c.notified, k)
		}
	}

	var raised []notes.Note
	for _, n := range Due(list, now, DueWindow) {
		k := key{id: n.ID, at: n.ReminderDate.Unix()}
		if _, seen := c.notified[k]; seen {
			continue
		}

		if c.notifier == nil {
			c.logger.Info("reminder due", "noteID", n.ID, "title", n.Title, "at", n.ReminderDate.String())
		} else if err := c.notifier.Notify(ctx, n); err != nil {
			c.logger.Warn("failed to raise reminder; will retry", "noteID", n.ID, "err", err)
			continue
		}
		c.notified[k] = n.ReminderDate.Time
		raised = append(raised, n)
	}
	return raised
}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

const previewLength = 80

// TerminalNotifier draws each reminder as a bordered box on W.
type TerminalNotifier struct {
	W  io.Writer
	mu sync.Mutex
}

func (t *TerminalNotifier) Notify(_ context.Context, n notes.Note) error {
	body := []rune(n.Content)
	if len(body) > previewLength {
		body = append(body[:previewLength], '…')
	}
	box := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Reminder: "+n.Title),
		string(body),
		dimStyle.Render("due "+n.ReminderDate.String()),
	))

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.W, box)
	return err
}
