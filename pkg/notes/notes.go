package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// TimeLayout is the layout the notes API uses for date_posted and friends.
const TimeLayout = "2006-01-02 15:04"

var ErrInvalidNote = errors.New("invalid note")

const (
	PermissionOwner = "owner"
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Note is a note as returned by the remote API.
type Note struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	DatePosted   Time     `json:"date_posted"`
	DateUpdated  Time     `json:"date_updated"`
	ReminderDate *Time    `json:"reminder_date,omitempty"`
	IsPinned     bool     `json:"is_pinned"`
	Permission   string   `json:"permission,omitempty"`
	Owner        string   `json:"owner,omitempty"`
}

// Input is the payload sent when creating or updating a note.
type Input struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	ReminderDate *Time    `json:"reminder_date,omitempty"`
	IsPinned     bool     `json:"is_pinned"`
}

// Validate mirrors the server's "Title and Content required" check.
func (in Input) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidNote)
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidNote)
	}
	return nil
}

// UnmarshalJSON accepts tags either as a list or as a comma-separated string.
func (in *Input) UnmarshalJSON(data []byte) error {
	type plain Input
	var raw struct {
		plain
		Tags json.RawMessage `json:"tags"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*in = Input(raw.plain)
	in.Tags = nil
	if len(raw.Tags) == 0 || string(raw.Tags) == "null" {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw.Tags, &list); err == nil {
		in.Tags = NormalizeTags(list)
		return nil
	}
	var csv string
	if err := json.Unmarshal(raw.Tags, &csv); err != nil {
		return fmt.Errorf("tags must be a list or a comma-separated string: %w", err)
	}
	in.Tags = ParseTags(csv)
	return nil
}

// ParseTags splits a comma-separated tag string.
func ParseTags(s string) []string {
	return NormalizeTags(strings.Split(s, ","))
}

// NormalizeTags trims tags, drops empty ones and removes duplicates,
// keeping the first occurrence.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Time is a timestamp that understands the API's short layout as well as RFC3339.
type Time struct {
	time.Time
}

func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Minute)}
}

func ParseTime(s string) (Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Time{t.UTC()}, nil
		}
	}
	return Time{}, fmt.Errorf("unrecognized time %q", s)
}

func (t Time) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Time{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Filter returns the notes whose title, content or tags contain term,
// ignoring case. An empty term matches everything.
func Filter(list []Note, term string) []Note {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return list
	}
	var out []Note
	for _, n := range list {
		if strings.Contains(strings.ToLower(n.Title), term) ||
			strings.Contains(strings.ToLower(n.Content), term) ||
			slices.ContainsFunc(n.Tags, func(t string) bool {
				return strings.Contains(strings.ToLower(t), term)
			}) {
			out = append(out, n)
		}
	}
	return out
}

// ToInput copies the editable fields of n.
func (n Note) ToInput() Input {
	return Input{
		Title:        n.Title,
		Content:      n.Content,
		Tags:         slices.Clone(n.Tags),
		ReminderDate: n.ReminderDate,
		IsPinned:     n.IsPinned,
	}
}
