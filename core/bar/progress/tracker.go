// Package progress tracks and publishes the state of a running archive
// install: a percent-complete counter, a status, and the last message.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// ProcessInstall names the process in published snapshots.
const ProcessInstall = "barInstall"

// Status is the lifecycle state of an install.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further updates follow.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Progress and audit codes.
const (
	CodeCompleted  = "PL-BI-0000"
	CodeFailed     = "PL-BI-0001"
	CodeStart      = "PL-BI-1000"
	CodeStarted    = "PL-BI-1001"
	CodeProcessing = "PL-BI-1002"
	CodeEntry      = "PL-BI-1003"
	CodeError      = "PL-BI-1004"
)

var defaultMessages = map[string]string{
	CodeCompleted:  "Bar installation completed.",
	CodeFailed:     "Bar installation failed.",
	CodeStart:      "Bar installation accepted.",
	CodeStarted:    "Bar installation started.",
	CodeProcessing: "Bar installation in progress.",
	CodeEntry:      "Entry installed.",
	CodeError:      "Entry failed.",
}

// DefaultMessage returns the built-in text for a code.
func DefaultMessage(code string) string { return defaultMessages[code] }

// LocalizedText is a message in one language.
type LocalizedText struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// Message is the last reported code and text.
type Message struct {
	Code    string        `json:"code"`
	Message LocalizedText `json:"message"`
}

// State is a published snapshot.
type State struct {
	Process   string     `json:"process"`
	BoxName   string     `json:"box_name"`
	BoxID     string     `json:"box_id"`
	ArchiveID string     `json:"archive_id"`
	Status    Status     `json:"status"`
	Total     int64      `json:"total"`
	Processed int64      `json:"processed"`
	Percent   int        `json:"percent"`
	Progress  string     `json:"progress"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Message   Message    `json:"message"`
}

// Tracker holds the mutable progress of one install. It is safe for
// concurrent use; readers get copies through Snapshot.
type Tracker struct {
	mu         sync.Mutex
	state      State
	lastBucket int
}

// NewTracker starts tracking an install of total entries.
func NewTracker(boxName, boxID, archiveID string, total int64) *Tracker {
	if total < 0 {
		total = 0
	}
	t := &Tracker{
		state: State{
			Process:   ProcessInstall,
			BoxName:   boxName,
			BoxID:     boxID,
			ArchiveID: archiveID,
			Status:    StatusProcessing,
			Total:     total,
			StartedAt: time.Now().UTC(),
		},
		lastBucket: -1,
	}
	t.recomputeLocked()
	return t
}

// AddProcessed advances the processed counter. Negative deltas are ignored so
// the percentage never goes backwards.
func (t *Tracker) AddProcessed(delta int64) {
	if delta <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Processed += delta
	t.recomputeLocked()
}

func (t *Tracker) recomputeLocked() {
	p := 100
	if t.state.Total > 0 {
		p = int(t.state.Processed * 100 / t.state.Total)
	}
	if p > 100 {
		p = 100
	}
	if p < t.state.Percent {
		p = t.state.Percent
	}
	t.state.Percent = p
	t.state.Progress = fmt.Sprintf("%d%%", p)
}

// Percent returns the current percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Percent
}

// ShouldPublish reports whether the percentage crossed a multiple of ten
// since the last MarkPublished.
func (t *Tracker) ShouldPublish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Percent/10 > t.lastBucket
}

// MarkPublished records that the current percentage was published.
func (t *Tracker) MarkPublished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastBucket = t.state.Percent / 10
}

// SetStatus changes the status.
func (t *Tracker) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = s
}

// SetEndTime stamps the end of the install.
func (t *Tracker) SetEndTime(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at = at.UTC()
	t.state.EndedAt = &at
}

// SetMessage records the last code and its text. An empty text falls back
// to the built-in message for the code.
func (t *Tracker) SetMessage(code, text string) {
	if text == "" {
		text = DefaultMessage(code)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Message = Message{Code: code, Message: LocalizedText{Lang: "en", Value: text}}
}

// Snapshot returns an immutable copy of the state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	if s.EndedAt != nil {
		end := *s.EndedAt
		s.EndedAt = &end
	}
	return s
}
