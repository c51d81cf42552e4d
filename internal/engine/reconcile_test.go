package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

// ============================================================================
// Helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create in-memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// meta derives tag metadata from the digest alone, so equal digests always
// carry equal metadata.
func meta(dgst string) *store.TagMetadata {
	return &store.TagMetadata{
		Created:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		OS:            "linux",
		Architecture:  "amd64",
		Author:        "team",
		Dockerfile:    "RUN build " + dgst,
		ExposedPorts:  store.StringList{"8080/tcp"},
		TotalSize:     int64(len(dgst)) * 100,
		Command:       "serve",
		Entrypoint:    "/app",
		Description:   "app " + dgst,
		ContentDigest: dgst,
		IndexDigest:   "sha256:index-" + dgst,
		Layers: []store.Layer{
			{Digest: "sha256:base", Size: 100},
			{Digest: "sha256:layer-" + dgst, Size: 200},
		},
	}
}

func tag(name, dgst string) registry.TagSnapshot {
	return registry.TagSnapshot{Name: name, Digest: dgst, Metadata: meta(dgst)}
}

func unresolved(name string) registry.TagSnapshot {
	return registry.TagSnapshot{Name: name}
}

func image(fullName string, tags ...registry.TagSnapshot) registry.ImageSnapshot {
	_, name := registry.SplitPath(fullName)
	if tags == nil {
		tags = []registry.TagSnapshot{}
	}
	return registry.ImageSnapshot{Name: name, FullName: fullName, Tags: tags}
}

func repo(name string, images ...registry.ImageSnapshot) registry.RepositorySnapshot {
	return registry.RepositorySnapshot{Name: name, Images: images}
}

func snapshot(repos ...registry.RepositorySnapshot) *registry.Snapshot {
	return &registry.Snapshot{Repositories: repos, FetchedAt: time.Now().UTC()}
}

func apply(t *testing.T, r *Reconciler, snap *registry.Snapshot, mode Mode) Changes {
	t.Helper()
	changes, err := r.Apply(context.Background(), snap, mode)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	return changes
}

// dump renders the cache content without ids and sync timestamps.
func dump(t *testing.T, st *store.Store) []string {
	t.Helper()
	ctx := context.Background()
	page, err := st.ListRepositories(ctx, 1, 100, "")
	if err != nil {
		t.Fatalf("ListRepositories() failed: %v", err)
	}
	var out []string
	for _, summary := range page.Repositories {
		data, err := st.GetRepositoryData(ctx, summary.Name)
		if err != nil {
			t.Fatalf("GetRepositoryData(%s) failed: %v", summary.Name, err)
		}
		if len(data.Images) == 0 {
			out = append(out, data.Name)
		}
		for _, img := range data.Images {
			if len(img.Tags) == 0 {
				out = append(out, fmt.Sprintf("%s|%s|%s|%d", data.Name, img.FullName, img.Name, img.PullCount))
			}
			for _, tg := range img.Tags {
				md := "-"
				if m := tg.Metadata; m != nil {
					var layers []string
					for _, l := range m.Layers {
						layers = append(layers, fmt.Sprintf("%s:%d", l.Digest, l.Size))
					}
					md = fmt.Sprintf("%s/%s/%s/%s/%d/%v/%s", m.ContentDigest, m.IndexDigest, m.OS,
						m.Description, m.TotalSize, []string(m.ExposedPorts), strings.Join(layers, ","))
				}
				out = append(out, fmt.Sprintf("%s|%s|%s|%d|%s|%s|%s",
					data.Name, img.FullName, img.Name, img.PullCount, tg.Name, tg.Digest, md))
			}
		}
	}
	return out
}

func assertChanges(t *testing.T, got Changes, want Changes) {
	t.Helper()
	if got != want {
		t.Errorf("changes = %+v, want %+v", got, want)
	}
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestReconcile_DigestChangeScenario(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	s1 := snapshot(repo("team", image("team/app", tag("latest", "D1"))))
	assertChanges(t, apply(t, r, s1, ModeFull), Changes{
		Repositories: EntityChanges{Added: 1},
		Images:       EntityChanges{Added: 1},
		Tags:         EntityChanges{Added: 1},
	})

	if c := apply(t, r, s1, ModeDelta); !c.Zero() {
		t.Errorf("second pass changes = %+v, want none", c)
	}

	before, err := st.GetTag(ctx, "team/app", "latest")
	if err != nil {
		t.Fatalf("GetTag() failed: %v", err)
	}

	s2 := snapshot(repo("team", image("team/app", tag("latest", "D2"))))
	assertChanges(t, apply(t, r, s2, ModeDelta), Changes{
		Tags: EntityChanges{Updated: 1},
	})

	after, err := st.GetTag(ctx, "team/app", "latest")
	if err != nil {
		t.Fatalf("GetTag() failed: %v", err)
	}
	if after.Digest != "D2" || after.Metadata == nil || after.Metadata.ContentDigest != "D2" {
		t.Errorf("tag after update = %+v", after)
	}
	if after.ID == before.ID || after.Metadata.ID == before.Metadata.ID {
		t.Error("digest change must replace the tag and its metadata rows")
	}
	if after.Metadata.Layers[1].Digest != "sha256:layer-D2" {
		t.Errorf("layers = %+v, want the D2 layer list", after.Metadata.Layers)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	s := snapshot(
		repo("library", image("alpine", tag("3.19", "A1"), tag("3.20", "A2"))),
		repo("team",
			image("team/api", tag("v1", "B1")),
			image("team/app", tag("latest", "C1"), unresolved("broken")),
		),
	)
	first := apply(t, r, s, ModeFull)
	if first.Tags.Added != 5 || first.Images.Added != 3 || first.Repositories.Added != 2 {
		t.Fatalf("first pass = %+v", first)
	}
	for i := 0; i < 2; i++ {
		if c := apply(t, r, s, ModeDelta); !c.Zero() {
			t.Errorf("pass %d changes = %+v, want none", i+2, c)
		}
	}
}

func TestReconcile_EmptySnapshotKeepsCache(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	apply(t, r, snapshot(repo("team", image("team/app", tag("latest", "D1")))), ModeFull)
	want := dump(t, st)

	for _, mode := range []Mode{ModeDelta, ModeFull} {
		if c := apply(t, r, snapshot(), mode); !c.Zero() {
			t.Errorf("%s: empty snapshot changes = %+v, want none", mode, c)
		}
	}
	if got := dump(t, st); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("cache changed after empty snapshot:\n got %v\nwant %v", got, want)
	}
}

func TestReconcile_RemovesMissingEntities(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	apply(t, r, snapshot(
		repo("gone", image("gone/svc", tag("v1", "G1"), tag("v2", "G2"))),
		repo("team",
			image("team/old", tag("v1", "O1")),
			image("team/app", tag("latest", "D1"), tag("stale", "S1")),
		),
	), ModeFull)

	changes := apply(t, r, snapshot(
		repo("team", image("team/app", tag("latest", "D1"))),
	), ModeDelta)
	assertChanges(t, changes, Changes{
		Repositories: EntityChanges{Removed: 1},
		Images:       EntityChanges{Removed: 1},
		Tags:         EntityChanges{Removed: 1},
	})

	if _, err := st.GetRepositoryData(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRepositoryData(gone) error = %v, want ErrNotFound", err)
	}
	if _, err := st.GetTag(ctx, "team/app", "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTag(stale) error = %v, want ErrNotFound", err)
	}
	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (store.Counts{Repositories: 1, Images: 1, Tags: 1}) {
		t.Errorf("Counts() = %+v", counts)
	}
}

func TestReconcile_PartialImageKeepsCachedTags(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	apply(t, r, snapshot(repo("team", image("team/app", tag("v1", "A"), tag("v2", "B")))), ModeFull)

	partial := image("team/app")
	partial.Partial = true
	for _, mode := range []Mode{ModeDelta, ModeFull} {
		if c := apply(t, r, snapshot(repo("team", partial)), mode); !c.Zero() {
			t.Errorf("%s: partial image changes = %+v, want none", mode, c)
		}
	}
	if got := len(dump(t, st)); got != 2 {
		t.Errorf("cached tags = %d, want 2", got)
	}
}

func TestReconcile_UnresolvedTagNeverReplacesCached(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	apply(t, r, snapshot(repo("team", image("team/app", tag("latest", "D1")))), ModeFull)

	for _, mode := range []Mode{ModeDelta, ModeFull} {
		c := apply(t, r, snapshot(repo("team", image("team/app", unresolved("latest"), unresolved("new")))), mode)
		wantAdded := 0
		if mode == ModeDelta {
			wantAdded = 1
		}
		if c.Tags.Added != wantAdded || c.Tags.Updated != 0 || c.Tags.Removed != 0 {
			t.Errorf("%s: tag changes = %+v", mode, c.Tags)
		}
	}

	latest, err := st.GetTag(ctx, "team/app", "latest")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Digest != "D1" || latest.Metadata == nil {
		t.Errorf("latest = %+v, want cached D1 with metadata", latest)
	}
	added, err := st.GetTag(ctx, "team/app", "new")
	if err != nil {
		t.Fatal(err)
	}
	if added.Digest != "" || added.Metadata != nil {
		t.Errorf("new = %+v, want recorded without metadata", added)
	}
}

func TestReconcile_FullModeUnchangedSnapshotReportsNothing(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	s := snapshot(repo("team", image("team/app", tag("v1", "A"), tag("v2", "B"))))
	apply(t, r, s, ModeFull)

	if c := apply(t, r, s, ModeFull); !c.Zero() {
		t.Errorf("second full pass changes = %+v, want none", c)
	}
	if c := apply(t, r, s, ModeDelta); !c.Zero() {
		t.Errorf("delta after full changes = %+v, want none", c)
	}

	changed := snapshot(repo("team", image("team/app", tag("v1", "A"), tag("v2", "C"))))
	assertChanges(t, apply(t, r, changed, ModeFull), Changes{Tags: EntityChanges{Updated: 1}})
}

func TestReconcile_FullModeRewritesMetadata(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	s := snapshot(repo("team", image("team/app", tag("v1", "A"))))
	apply(t, r, s, ModeFull)

	refreshed := snapshot(repo("team", image("team/app", tag("v1", "A"))))
	refreshed.Repositories[0].Images[0].Tags[0].Metadata.Author = "rebuilt"

	if c := apply(t, r, refreshed, ModeDelta); !c.Zero() {
		t.Fatalf("delta pass changes = %+v, want none", c)
	}
	got, err := st.GetTag(ctx, "team/app", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Author == "rebuilt" {
		t.Fatal("delta pass rewrote a tag with an unchanged digest")
	}

	if c := apply(t, r, refreshed, ModeFull); !c.Zero() {
		t.Errorf("full pass changes = %+v, want none", c)
	}
	got, err = st.GetTag(ctx, "team/app", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata == nil || got.Metadata.Author != "rebuilt" {
		t.Errorf("metadata after full pass = %+v, want author rebuilt", got.Metadata)
	}
}

func TestReconcile_ImageFieldsUpdated(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	img := image("team/app", tag("v1", "A"))
	apply(t, r, snapshot(repo("team", img)), ModeFull)

	img.PullCount = 42
	assertChanges(t, apply(t, r, snapshot(repo("team", img)), ModeDelta), Changes{Images: EntityChanges{Updated: 1}})

	data, err := st.GetRepositoryData(context.Background(), "team")
	if err != nil {
		t.Fatal(err)
	}
	if data.Images[0].PullCount != 42 {
		t.Errorf("PullCount = %d, want 42", data.Images[0].PullCount)
	}
}

func TestReconcile_TouchesRepositories(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	s := snapshot(repo("team", image("team/app", tag("v1", "A"))))
	s.FetchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	apply(t, r, s, ModeFull)

	s.FetchedAt = s.FetchedAt.Add(time.Hour)
	apply(t, r, s, ModeDelta)

	data, err := st.GetRepositoryData(ctx, "team")
	if err != nil {
		t.Fatal(err)
	}
	if !data.LastSyncedAt.Equal(s.FetchedAt) {
		t.Errorf("LastSyncedAt = %v, want %v", data.LastSyncedAt, s.FetchedAt)
	}
}

// Reconciling any cache state against S must give the same content as
// importing S into an empty cache.
func TestReconcile_DeltaMatchesFreshImport(t *testing.T) {
	history := []*registry.Snapshot{
		snapshot(
			repo("library", image("alpine", tag("3.18", "A0"), tag("3.19", "A1"))),
			repo("team", image("team/app", tag("latest", "D1"), tag("v1", "D1"))),
			repo("old", image("old/thing", tag("v0", "X0"))),
		),
		snapshot(
			repo("library", image("alpine", tag("3.19", "A1"), tag("3.20", "A2"))),
			repo("team",
				image("team/app", tag("latest", "D2"), tag("v1", "D1"), tag("v2", "D2")),
				image("team/api", tag("v1", "P1")),
			),
		),
		snapshot(
			repo("library", image("alpine", tag("3.20", "A2"))),
			repo("org/team", image("org/team/svc", tag("edge", "E1"))),
			repo("team", image("team/api", tag("v1", "P2"), tag("v2", "P2"))),
		),
	}

	incremental := NewReconciler(newTestStore(t), testLogger())
	for _, s := range history {
		apply(t, incremental, s, ModeDelta)
	}

	freshStore := newTestStore(t)
	apply(t, NewReconciler(freshStore, testLogger()), history[len(history)-1], ModeFull)

	got := strings.Join(dump(t, incremental.store), "\n")
	want := strings.Join(dump(t, freshStore), "\n")
	if got != want {
		t.Errorf("incremental cache differs from fresh import:\n--- incremental\n%s\n--- fresh\n%s", got, want)
	}
}

func TestReconcile_FailureRollsBack(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())

	apply(t, r, snapshot(repo("team", image("team/app", tag("v1", "A")))), ModeFull)
	want := dump(t, st)

	// The second "dup" repository violates the unique name constraint after
	// the first one has already been written inside the transaction.
	bad := snapshot(
		repo("dup", image("dup/one", tag("v1", "B"))),
		repo("dup", image("dup/two", tag("v1", "C"))),
	)
	if _, err := r.Apply(context.Background(), bad, ModeDelta); err == nil {
		t.Fatal("expected Apply() to fail")
	}
	if got := dump(t, st); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("cache changed after failed pass:\n got %v\nwant %v", got, want)
	}
}

func TestReconcile_NilSnapshot(t *testing.T) {
	r := NewReconciler(newTestStore(t), nil)
	if _, err := r.Apply(context.Background(), nil, ModeDelta); err == nil {
		t.Error("expected error for nil snapshot")
	}
}

func TestReconciler_DeleteTag(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, testLogger())
	ctx := context.Background()

	apply(t, r, snapshot(repo("team", image("team/app", tag("v1", "A"), tag("v2", "B")))), ModeFull)

	deleted, err := r.DeleteTag(ctx, "team/app", "v1")
	if err != nil || !deleted {
		t.Fatalf("DeleteTag() = %v, %v", deleted, err)
	}
	if _, err := st.GetTag(ctx, "team/app", "v1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTag(v1) error = %v, want ErrNotFound", err)
	}
	if _, err := st.GetTag(ctx, "team/app", "v2"); err != nil {
		t.Errorf("GetTag(v2) failed: %v", err)
	}

	deleted, err = r.DeleteTag(ctx, "team/app", "v1")
	if err != nil || deleted {
		t.Errorf("second DeleteTag() = %v, %v, want false, nil", deleted, err)
	}
}
