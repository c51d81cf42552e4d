package engine

import (
	"sync"
	"time"
)

// SyncPhase represents the current phase of a sync pass.
type SyncPhase string

const (
	PhaseFetching    SyncPhase = "fetching"
	PhaseReconciling SyncPhase = "reconciling"
	PhaseComplete    SyncPhase = "complete"
	PhaseFailed      SyncPhase = "failed"
)

// SyncProgress is a snapshot of a pass, safe for JSON serialization.
type SyncProgress struct {
	RunID              string    `json:"runId"`
	Mode               Mode      `json:"mode"`
	Phase              SyncPhase `json:"phase"`
	Images             int       `json:"images"`
	Tags               int       `json:"tags"`
	TagListFailures    int       `json:"tagListFailures"`
	ResolutionFailures int       `json:"resolutionFailures"`
	Changes            *Changes  `json:"changes,omitempty"`
	StartTime          time.Time `json:"startTime"`
	Elapsed            string    `json:"elapsed"`
	Message            string    `json:"message,omitempty"`
}

// Finished reports whether the pass had ended when the snapshot was taken.
func (p SyncProgress) Finished() bool {
	return p.Phase == PhaseComplete || p.Phase == PhaseFailed
}

// SyncTracker records the progress of one pass. Readers use Wait to block
// until the next update.
type SyncTracker struct {
	mu sync.Mutex

	runID              string
	mode               Mode
	phase              SyncPhase
	images             int
	tags               int
	tagListFailures    int
	resolutionFailures int
	changes            *Changes
	startTime          time.Time
	finishTime         time.Time
	message            string

	// Closed and replaced on every update.
	notify chan struct{}
}

// NewSyncTracker creates a tracker for the given run.
func NewSyncTracker(runID string, mode Mode) *SyncTracker {
	return &SyncTracker{
		runID:     runID,
		mode:      mode,
		phase:     PhaseFetching,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *SyncTracker) Snapshot() SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.finishTime
	if end.IsZero() {
		end = time.Now()
	}
	var changes *Changes
	if t.changes != nil {
		c := *t.changes
		changes = &c
	}

	return SyncProgress{
		RunID:              t.runID,
		Mode:               t.mode,
		Phase:              t.phase,
		Images:             t.images,
		Tags:               t.tags,
		TagListFailures:    t.tagListFailures,
		ResolutionFailures: t.resolutionFailures,
		Changes:            changes,
		StartTime:          t.startTime,
		Elapsed:            end.Sub(t.startTime).Truncate(time.Millisecond).String(),
		Message:            t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *SyncTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *SyncTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}


// SetFetched records the size of the fetched snapshot and moves to the
// reconciling phase.
func (t *SyncTracker) SetFetched(images, tags, tagListFailures, resolutionFailures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images = images
	t.tags = tags
	t.tagListFailures = tagListFailures
	t.resolutionFailures = resolutionFailures
	t.phase = PhaseReconciling
	t.signal()
}

// Complete marks the pass as successful.
func (t *SyncTracker) Complete(c Changes) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = &c
	t.phase = PhaseComplete
	t.finishTime = time.Now()
	t.signal()
}

// Fail marks the pass as failed.
func (t *SyncTracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = PhaseFailed
	t.message = err.Error()
	t.finishTime = time.Now()
	t.signal()
}
