package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvents() []Event {
	return []Event{
		{ID: "7", Start: "2024-02-05", AllDay: true, Color: "amber", SortKey: 1, Stage: "normal"},
		{ID: "8", Start: "2024-01-10", AllDay: true, Color: "red", SortKey: 0, Stage: "claim", QCDate: "2024-01-10"},
	}
}

func TestTryCommit_FirstCommit(t *testing.T) {
	store := NewStore("", nil)

	committed := store.TryCommit(Snapshot{Events: testEvents()})
	require.True(t, committed)

	snap := store.Current()
	assert.NotZero(t, snap.Version)
	assert.NotEmpty(t, snap.Digest)
	assert.Len(t, snap.Events, 2)
}

func TestTryCommit_IdenticalDigestIsNoOp(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))
	v1 := store.Version()

	// Same observable content, different diagnostics.
	committed := store.TryCommit(Snapshot{
		Events: testEvents(),
		Meta:   Meta{Reason: "poll", FetchMS: 9999},
	})
	assert.False(t, committed)
	assert.Equal(t, v1, store.Version(), "version must not change on identical digest")

	// Diagnostics still refreshed.
	assert.Equal(t, "poll", store.Current().Meta.Reason)
}

func TestTryCommit_VersionStrictlyIncreases(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))
	v1 := store.Version()

	events := testEvents()
	events[0].Start = "2024-02-06"
	require.True(t, store.TryCommit(Snapshot{Events: events}))
	assert.Greater(t, store.Version(), v1)
}

func TestDigest_SensitiveToVisibleFields(t *testing.T) {
	base := testEvents()

	for name, mutate := range map[string]func(*Event){
		"start":  func(e *Event) { e.Start = "2024-12-31" },
		"color":  func(e *Event) { e.Color = "blue" },
		"done":   func(e *Event) { e.Done = true },
		"hidden": func(e *Event) { e.Hidden = true },
		"qcDate": func(e *Event) { e.QCDate = "2024-03-03" },
		"stage":  func(e *Event) { e.Stage = "claim" },
	} {
		t.Run(name, func(t *testing.T) {
			changed := testEvents()
			mutate(&changed[0])
			assert.NotEqual(t, Digest(base), Digest(changed))
		})
	}
}

func TestDigest_InsensitiveToAttrs(t *testing.T) {
	a := testEvents()
	b := testEvents()
	b[0].Attrs = map[string]string{"address": "Main St 1"}
	b[0].SortKey = 99

	assert.Equal(t, Digest(a), Digest(b))
}

func TestDigest_Deterministic(t *testing.T) {
	assert.Equal(t, Digest(testEvents()), Digest(testEvents()))
}

func TestPatch_RescheduleBumpsVersionAndDigest(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))
	before := store.Current()

	start := "2024-03-01"
	applied, err := store.Patch("7", PatchUpdates{Start: &start})
	require.NoError(t, err)
	require.True(t, applied)

	after := store.Current()
	assert.Greater(t, after.Version, before.Version)
	assert.NotEqual(t, before.Digest, after.Digest)
	assert.Equal(t, "2024-03-01", after.Events[0].Start)
	assert.True(t, after.Events[0].AllDay)
}

func TestPatch_RecomputesAllDay(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))

	start := "2024-03-01T14:30:00"
	applied, err := store.Patch("7", PatchUpdates{Start: &start})
	require.NoError(t, err)
	require.True(t, applied)

	assert.False(t, store.Current().Events[0].AllDay)
}

func TestPatch_RefusesClosedEvent(t *testing.T) {
	events := testEvents()
	events[1].Done = true

	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: events}))
	v1 := store.Version()

	start := "2024-03-01"
	applied, err := store.Patch("8", PatchUpdates{Start: &start})
	assert.False(t, applied)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, v1, store.Version())
}

func TestPatch_UnknownID(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))

	start := "2024-03-01"
	applied, err := store.Patch("999", PatchUpdates{Start: &start})
	assert.False(t, applied)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatch_DoesNotMutatePriorCopies(t *testing.T) {
	store := NewStore("", nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))
	before := store.Current()

	start := "2024-03-01"
	_, err := store.Patch("7", PatchUpdates{Start: &start})
	require.NoError(t, err)

	assert.Equal(t, "2024-02-05", before.Events[0].Start,
		"snapshots handed out before a patch must stay unchanged")
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	store := NewStore(path, nil)
	require.True(t, store.TryCommit(Snapshot{Events: testEvents()}))
	want := store.Current()

	restored := NewStore(path, nil)
	restored.Load()
	got := restored.Current()

	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Digest, got.Digest)
	assert.Len(t, got.Events, 2)
}

func TestLoad_MissingMirrorStartsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"), nil)
	store.Load()
	assert.Zero(t, store.Version())
	assert.Empty(t, store.Current().Events)
}

func TestIsDateOnly(t *testing.T) {
	assert.True(t, IsDateOnly("2024-02-05"))
	assert.False(t, IsDateOnly("2024-02-05T10:00:00"))
	assert.False(t, IsDateOnly("2024-02-05 10:00"))
	assert.False(t, IsDateOnly(""))
}
