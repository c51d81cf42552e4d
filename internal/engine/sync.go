package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/regcache/internal/config"
	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

var (
	// ErrSyncInProgress is returned by TriggerSyncAsync while a pass runs.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoIndexDigest is returned when a tag cannot be deleted on the
	// registry because its manifest digest was never resolved.
	ErrNoIndexDigest = errors.New("tag has no index digest")
)

const (
	defaultTick     = time.Minute
	defaultInterval = 5 * time.Minute
)

// SnapshotFetcher produces a registry snapshot.
type SnapshotFetcher interface {
	Fetch(ctx context.Context) (*registry.Snapshot, error)
}

// ManifestDeleter removes a manifest from the registry.
type ManifestDeleter interface {
	DeleteManifest(ctx context.Context, repo string, dgst digest.Digest) error
}

// Options configures a SyncManager.
type Options struct {
	// Tick is how often the scheduler checks whether a sync is due.
	Tick time.Duration
	// DefaultInterval is used until the sync_interval setting is stored.
	DefaultInterval time.Duration
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
}

// OptionsFromConfig maps the sync section of the config file.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Tick:            cfg.Tick,
		DefaultInterval: cfg.DefaultInterval,
	}
}

// SyncStatus is the sync state reported to the UI.
type SyncStatus struct {
	LastSync     *time.Time    `json:"lastSync"`
	LastFullSync *time.Time    `json:"lastFullSync,omitempty"`
	Duration     float64       `json:"duration"`
	RepoCount    int           `json:"repoCount"`
	ImageCount   int           `json:"imageCount"`
	TagCount     int           `json:"tagCount"`
	LastError    string        `json:"lastError"`
	InProgress   bool          `json:"inProgress"`
	Interval     string        `json:"interval"`
	Progress     *SyncProgress `json:"progress,omitempty"`
}

// SyncManager schedules reconciliation passes and guards them so that at
// most one runs per process.
type SyncManager struct {
	store      *store.Store
	fetcher    SnapshotFetcher
	deleter    ManifestDeleter
	reconciler *Reconciler
	opts       Options
	metrics    *Metrics
	logger     *slog.Logger

	running atomic.Bool

	// activeTracker is the most recent pass. It stays set after the pass
	// finishes so status readers see the terminal snapshot.
	trackerMu     sync.RWMutex
	activeTracker *SyncTracker

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	background  sync.WaitGroup
}

// NewSyncManager creates a new SyncManager.
func NewSyncManager(
	st *store.Store,
	fetcher SnapshotFetcher,
	deleter ManifestDeleter,
	opts Options,
	logger *slog.Logger,
) *SyncManager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = defaultInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &SyncManager{
		store:      st,
		fetcher:    fetcher,
		deleter:    deleter,
		reconciler: NewReconciler(st, logger),
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start seeds the sync_interval setting and launches the scheduler loop.
func (m *SyncManager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return errors.New("sync manager already started")
	}

	current, err := m.store.GetSetting(ctx, store.SettingSyncInterval, "")
	if err != nil {
		return err
	}
	if current == "" {
		if err := m.store.SetSetting(ctx, store.SettingSyncInterval, m.opts.DefaultInterval.String()); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)

	m.logger.Info("sync scheduler started", "tick", m.opts.Tick.String())
	return nil
}

// Stop ends the scheduler loop and waits for any running pass to finish.
// A pass that has started is never interrupted.
func (m *SyncManager) Stop() {
	m.lifecycleMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.background.Wait()
	if cancel != nil {
		m.logger.Info("sync scheduler stopped")
	}
}

func (m *SyncManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	for {
		if _, err := m.Tick(ctx); err != nil {
			m.logger.Error("scheduled sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// Triggers
// ============================================================================

// Tick runs one scheduler step: it starts a pass only when none is running
// and the configured interval has elapsed since the last one. It reports
// whether a pass ran.
func (m *SyncManager) Tick(ctx context.Context) (bool, error) {
	if m.running.Load() {
		m.skipped()
		return false, nil
	}
	due, err := m.due(ctx, time.Now())
	if err != nil {
		return false, err
	}
	if !due {
		return false, nil
	}
	return m.TriggerSync(ctx, false)
}

// TriggerSync runs a pass now, bypassing the interval. It returns false
// without doing anything when a pass is already running; otherwise it
// returns true and the pass error.
func (m *SyncManager) TriggerSync(ctx context.Context, force bool) (bool, error) {
	if !m.acquire() {
		return false, nil
	}
	defer m.release()
	return true, m.run(ctx, force)
}

// TriggerSyncAsync starts a pass in the background and returns
// ErrSyncInProgress when one is already running.
func (m *SyncManager) TriggerSyncAsync(force bool) error {
	if !m.acquire() {
		return ErrSyncInProgress
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer m.release()
		if err := m.run(context.Background(), force); err != nil {
			m.logger.Error("background sync failed", "error", err)
		}
	}()
	return nil
}

// InProgress reports whether a pass is running.
func (m *SyncManager) InProgress() bool {
	return m.running.Load()
}

// ActiveProgress returns the tracker of the current or last pass, or nil.
func (m *SyncManager) ActiveProgress() *SyncTracker {
	m.trackerMu.RLock()
	defer m.trackerMu.RUnlock()
	return m.activeTracker
}

func (m *SyncManager) acquire() bool {
	if !m.running.CompareAndSwap(false, true) {
		m.skipped()
		return false
	}
	m.metrics.InProgress.Set(1)
	return true
}

func (m *SyncManager) release() {
	m.metrics.InProgress.Set(0)
	m.running.Store(false)
}

func (m *SyncManager) skipped() {
	m.metrics.Skipped.Inc()
	m.logger.Debug("sync already in progress, skipping")
}

// due reports whether more than the configured interval has passed since
// the last recorded sync.
func (m *SyncManager) due(ctx context.Context, now time.Time) (bool, error) {
	last, err := m.store.GetSetting(ctx, store.SettingLastSyncTime, "")
	if err != nil {
		return false, err
	}
	if last == "" {
		return true, nil
	}
	lastSync, err := time.Parse(time.RFC3339, last)
	if err != nil {
		m.logger.Warn("unreadable last sync time, syncing now", "value", last, "error", err)
		return true, nil
	}
	interval, err := m.Interval(ctx)
	if err != nil {
		return false, err
	}
	return now.Sub(lastSync) > interval, nil
}

// Interval returns the persisted sync interval. The setting accepts a Go
// duration ("10m") or a whole number of seconds; anything else falls back
// to the default.
func (m *SyncManager) Interval(ctx context.Context) (time.Duration, error) {
	raw, err := m.store.GetSetting(ctx, store.SettingSyncInterval, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return m.opts.DefaultInterval, nil
	}
	d, err := ParseInterval(raw)
	if err != nil {
		m.logger.Warn("invalid sync interval, using default", "value", raw, "default", m.opts.DefaultInterval.String())
		return m.opts.DefaultInterval, nil
	}
	return d, nil
}

// ParseInterval parses a sync interval setting value.
func ParseInterval(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("sync interval must be positive: %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sync interval %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sync interval must be positive: %q", raw)
	}
	return d, nil
}

// ============================================================================
// Pass
// ============================================================================

// chooseMode picks full mode when forced, when the cache is empty, or when
// the schema lags the latest migration.
func (m *SyncManager) chooseMode(ctx context.Context, force bool) (Mode, string, error) {
	if force {
		return ModeFull, "forced", nil
	}
	version, err := m.store.SchemaVersion(ctx)
	if err != nil {
		return "", "", err
	}
	if version < store.LatestSchemaVersion() {
		return ModeFull, "stale schema", nil
	}
	empty, err := m.store.IsEmpty(ctx)
	if err != nil {
		return "", "", err
	}
	if empty {
		return ModeFull, "empty cache", nil
	}
	return ModeDelta, "", nil
}

// run executes one pass. The caller must hold the in-flight flag.
func (m *SyncManager) run(ctx context.Context, force bool) error {
	// A pass runs to completion once started.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	runID := ulid.Make().String()

	mode, reason, err := m.chooseMode(ctx, force)
	if err != nil {
		mode = ModeDelta
	}
	logger := m.logger.With("run_id", runID, "mode", string(mode))

	tracker := NewSyncTracker(runID, mode)
	m.trackerMu.Lock()
	m.activeTracker = tracker
	m.trackerMu.Unlock()

	var changes Changes
	if err == nil {
		logger.Info("starting sync", "reason", reason)
		changes, err = m.pass(ctx, mode, tracker)
	}
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "failed"
		tracker.Fail(err)
		logger.Error("sync failed", "duration", duration.String(), "error", err)
	} else {
		tracker.Complete(changes)
		logger.Info("sync complete",
			"duration", duration.String(),
			"repos_added", changes.Repositories.Added,
			"repos_removed", changes.Repositories.Removed,
			"images_added", changes.Images.Added,
			"images_updated", changes.Images.Updated,
			"images_removed", changes.Images.Removed,
			"tags_added", changes.Tags.Added,
			"tags_updated", changes.Tags.Updated,
			"tags_removed", changes.Tags.Removed,
		)
	}

	m.metrics.Runs.WithLabelValues(string(mode), result).Inc()
	m.metrics.Duration.WithLabelValues(string(mode)).Observe(duration.Seconds())
	m.metrics.observeChanges(changes)

	m.recordCompletion(ctx, logger, runID, mode, start, duration, changes, err)
	return err
}

func (m *SyncManager) pass(ctx context.Context, mode Mode, tracker *SyncTracker) (Changes, error) {
	snap, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return Changes{}, err
	}
	tracker.SetFetched(snap.Stats.Images, snap.Stats.Tags, snap.Stats.TagListFailures, snap.Stats.ResolutionFailures)
	m.metrics.ResolutionFailures.Add(float64(snap.Stats.ResolutionFailures))

	return m.reconciler.Apply(ctx, snap, mode)
}

// recordCompletion persists the outcome of a pass. Failures to record are
// logged; they never replace the pass error.
func (m *SyncManager) recordCompletion(ctx context.Context, logger *slog.Logger, runID string, mode Mode, start time.Time, duration time.Duration, changes Changes, passErr error) {
	finished := start.Add(duration).UTC()
	errText := ""
	if passErr != nil {
		errText = passErr.Error()
	}

	settings := map[string]string{
		store.SettingLastSyncTime:     finished.Format(time.RFC3339),
		store.SettingLastSyncDuration: strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		store.SettingLastSyncError:    errText,
	}
	if passErr == nil && mode == ModeFull {
		settings[store.SettingLastFullSyncTime] = finished.Format(time.RFC3339)
	}
	for key, value := range settings {
		if err := m.store.SetSetting(ctx, key, value); err != nil {
			logger.Error("failed to record sync setting", "key", key, "error", err)
		}
	}

	status := "success"
	if passErr != nil {
		status = "failed"
	}
	run := &store.SyncRun{
		ID:            runID,
		StartedAt:     start.UTC(),
		FinishedAt:    finished,
		Mode:          string(mode),
		Status:        status,
		ReposAdded:    changes.Repositories.Added,
		ReposUpdated:  changes.Repositories.Updated,
		ReposRemoved:  changes.Repositories.Removed,
		ImagesAdded:   changes.Images.Added,
		ImagesUpdated: changes.Images.Updated,
		ImagesRemoved: changes.Images.Removed,
		TagsAdded:     changes.Tags.Added,
		TagsUpdated:   changes.Tags.Updated,
		TagsRemoved:   changes.Tags.Removed,
		Error:         errText,
	}
	if err := m.store.RecordSyncRun(ctx, run); err != nil {
		logger.Error("failed to record sync run", "error", err)
	}
}

// ============================================================================
// Status and tag deletion
// ============================================================================

// SyncStatus reports the persisted outcome of the last pass, the cache
// counts and whether a pass is running.
func (m *SyncManager) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	status := &SyncStatus{
		RepoCount:  counts.Repositories,
		ImageCount: counts.Images,
		TagCount:   counts.Tags,
		InProgress: m.running.Load(),
	}

	if status.LastSync, err = m.timeSetting(ctx, store.SettingLastSyncTime); err != nil {
		return nil, err
	}
	if status.LastFullSync, err = m.timeSetting(ctx, store.SettingLastFullSyncTime); err != nil {
		return nil, err
	}
	raw, err := m.store.GetSetting(ctx, store.SettingLastSyncDuration, "0")
	if err != nil {
		return nil, err
	}
	status.Duration, _ = strconv.ParseFloat(raw, 64)
	if status.LastError, err = m.store.GetSetting(ctx, store.SettingLastSyncError, ""); err != nil {
		return nil, err
	}
	interval, err := m.Interval(ctx)
	if err != nil {
		return nil, err
	}
	status.Interval = interval.String()

	if t := m.ActiveProgress(); t != nil {
		p := t.Snapshot()
		status.Progress = &p
	}
	return status, nil
}

func (m *SyncManager) timeSetting(ctx context.Context, key string) (*time.Time, error) {
	raw, err := m.store.GetSetting(ctx, key, "")
	if err != nil || raw == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		m.logger.Warn("ignoring unreadable timestamp setting", "key", key, "value", raw)
		return nil, nil
	}
	return &t, nil
}

// DeleteTag deletes fullName:tag on the registry by its stored index digest,
// removes the cached tag, then starts an opportunistic sync. A manifest the
// registry no longer knows is still removed from the cache.
func (m *SyncManager) DeleteTag(ctx context.Context, fullName, tagName string) error {
	tag, err := m.store.GetTag(ctx, fullName, tagName)
	if err != nil {
		return err
	}
	if tag.Metadata == nil || tag.Metadata.IndexDigest == "" {
		return fmt.Errorf("%s:%s: %w", fullName, tagName, ErrNoIndexDigest)
	}
	dgst, err := digest.Parse(tag.Metadata.IndexDigest)
	if err != nil {
		return fmt.Errorf("stored index digest for %s:%s: %w", fullName, tagName, err)
	}

	logger := m.logger.With("image", fullName, "tag", tagName, "digest", dgst.String())
	if err := m.deleter.DeleteManifest(ctx, fullName, dgst); err != nil {
		var statusErr *registry.StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
			return fmt.Errorf("failed to delete %s:%s on the registry: %w", fullName, tagName, err)
		}
		logger.Warn("manifest already absent from registry")
	}

	if _, err := m.reconciler.DeleteTag(ctx, fullName, tagName); err != nil {
		return err
	}
	logger.Info("deleted tag")

	if err := m.TriggerSyncAsync(false); err != nil && !errors.Is(err, ErrSyncInProgress) {
		logger.Warn("follow-up sync not started", "error", err)
	}
	return nil
}
