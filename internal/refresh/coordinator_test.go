package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/crm"
	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/flags"
	"github.com/tombee/shopcal/internal/snapshot"
)

// fakeCRM serves canned records and counts pulls. When gate is set, every
// ListAllRecords call announces itself on started and then waits on gate.
type fakeCRM struct {
	mu           sync.Mutex
	records      []crm.RawRecord
	names        map[int64]string
	err          error
	listCalls    int
	resolveCalls int

	started chan struct{}
	gate    chan struct{}
}

func (f *fakeCRM) ListAllRecords(ctx context.Context, stage string) ([]crm.RawRecord, error) {
	f.mu.Lock()
	f.listCalls++
	records, err := f.records, f.err
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-gate
	}
	return records, err
}

func (f *fakeCRM) ResolveUsers(ctx context.Context, ids []int64) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	out := make(map[int64]string)
	for _, id := range ids {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (f *fakeCRM) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.resolveCalls
}

func (f *fakeCRM) setRecords(records []crm.RawRecord) {
	f.mu.Lock()
	f.records = records
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu       sync.Mutex
	versions []int64
}

func (n *fakeNotifier) Notify(version int64) {
	n.mu.Lock()
	n.versions = append(n.versions, version)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.versions)
}

func testRecord(id int64, fields map[string]any) crm.RawRecord {
	return crm.RawRecord{ID: id, Fields: fields}
}

func schedulable(id int64) crm.RawRecord {
	return testRecord(id, map[string]any{
		"transfer_date": "2024-01-01",
		"planned_date":  "2024-01-15",
		"otk_date":      "2024-01-05",
	})
}

type testRig struct {
	coord    *Coordinator
	crm      *fakeCRM
	store    *snapshot.Store
	flags    *flags.Store
	notifier *fakeNotifier
	cancel   context.CancelFunc
	done     chan struct{}
}

func newRig(t *testing.T, fake *fakeCRM, opts ...Option) *testRig {
	t.Helper()

	deriver, err := derive.New(config.CalendarConfig{
		DefaultColor: "gray",
		DoneWhen:     config.DefaultDoneWhen,
	})
	require.NoError(t, err)

	rig := &testRig{
		crm:      fake,
		store:    snapshot.NewStore("", nil),
		flags:    flags.NewMemory(),
		notifier: &fakeNotifier{},
		done:     make(chan struct{}),
	}
	rig.coord = New(Deps{
		CRM:       fake,
		Deriver:   deriver,
		Snapshots: rig.store,
		Flags:     rig.flags,
		Notifier:  rig.notifier,
	}, config.RefreshConfig{Debounce: 5 * time.Millisecond}, nil, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	go func() {
		defer close(rig.done)
		_ = rig.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-rig.done
	})
	return rig
}

// waitPasses blocks until the fake CRM has served n pulls.
func (r *testRig) waitPasses(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		calls, _ := r.crm.calls()
		return calls >= n
	}, 2*time.Second, 2*time.Millisecond)
}

func TestCoordinator_TriggerCommitsAndNotifies(t *testing.T) {
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}})

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)

	require.Eventually(t, func() bool {
		return rig.store.Version() > 0
	}, time.Second, 2*time.Millisecond)

	snap := rig.store.Current()
	assert.Len(t, snap.Events, 1)
	assert.Equal(t, ReasonStartup, snap.Meta.Reason)
	assert.Equal(t, 1, rig.notifier.count())
}

func TestCoordinator_IdenticalDataSkipsCommit(t *testing.T) {
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}})

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)
	require.Eventually(t, func() bool { return rig.store.Version() > 0 }, time.Second, 2*time.Millisecond)
	version := rig.store.Version()

	rig.coord.Trigger(ReasonManual)
	rig.waitPasses(t, 2)

	require.Eventually(t, func() bool {
		return rig.coord.State() == StateIdle
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, version, rig.store.Version(), "equal digest must not bump the version")
	assert.Equal(t, 1, rig.notifier.count(), "skipped pass must not notify")
}

func TestCoordinator_TriggerBurstRunsOnePass(t *testing.T) {
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}})

	for i := 0; i < 10; i++ {
		rig.coord.Trigger(ReasonWebhook)
	}
	rig.waitPasses(t, 1)

	// Allow any (incorrect) extra passes to surface.
	time.Sleep(50 * time.Millisecond)
	calls, _ := rig.crm.calls()
	assert.Equal(t, 1, calls, "a burst inside the debounce window is one pass")
}

func TestCoordinator_TriggersDuringPassCauseExactlyOneFollowUp(t *testing.T) {
	fake := &fakeCRM{
		records: []crm.RawRecord{schedulable(1)},
		started: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	rig := newRig(t, fake)

	rig.coord.Trigger(ReasonStartup)
	<-fake.started // first pass is now inside the pull

	for i := 0; i < 5; i++ {
		rig.coord.Trigger(ReasonWebhook)
	}
	assert.Equal(t, StateRunningPending, rig.coord.State())

	fake.gate <- struct{}{} // release first pass
	<-fake.started          // exactly one follow-up pass starts

	// Stop gating further pulls, then release the follow-up.
	fake.mu.Lock()
	gate := fake.gate
	fake.started, fake.gate = nil, nil
	fake.mu.Unlock()
	gate <- struct{}{}

	require.Eventually(t, func() bool {
		return rig.coord.State() == StateIdle
	}, time.Second, 2*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	calls, _ := fake.calls()
	assert.Equal(t, 2, calls, "five mid-pass triggers must collapse into one follow-up")
}

func TestCoordinator_UpstreamFailureKeepsLastSnapshot(t *testing.T) {
	fake := &fakeCRM{records: []crm.RawRecord{schedulable(1)}}
	rig := newRig(t, fake)

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)
	require.Eventually(t, func() bool { return rig.store.Version() > 0 }, time.Second, 2*time.Millisecond)
	version := rig.store.Version()

	fake.mu.Lock()
	fake.err = errors.New("upstream down")
	fake.records = nil
	fake.mu.Unlock()

	rig.coord.Trigger(ReasonDriftDetected)
	rig.waitPasses(t, 2)
	require.Eventually(t, func() bool {
		return rig.coord.State() == StateIdle
	}, time.Second, 2*time.Millisecond)

	snap := rig.store.Current()
	assert.Equal(t, version, snap.Version)
	assert.Len(t, snap.Events, 1, "aborted pass must leave last-known-good intact")
}

func TestCoordinator_RecordsClaimFlags(t *testing.T) {
	rec := schedulable(8)
	rec.Fields["stage"] = "claim"
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{rec}})

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)
	require.Eventually(t, func() bool { return rig.store.Version() > 0 }, time.Second, 2*time.Millisecond)

	assert.True(t, rig.flags.ClaimSeen(8))
	assert.Equal(t, derive.ColorClaim, rig.store.Current().Events[0].Color)
}

func TestCoordinator_AssigneeNameCache(t *testing.T) {
	rec := schedulable(1)
	rec.Fields["assigned_user"] = float64(33)
	fake := &fakeCRM{
		records: []crm.RawRecord{rec},
		names:   map[int64]string{33: "Jane Smith"},
	}
	rig := newRig(t, fake)

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)
	require.Eventually(t, func() bool { return rig.store.Version() > 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "Jane Smith", rig.store.Current().Events[0].Attrs["assignee"])

	// Second pass with new content resolves nothing: the cache is warm.
	rec2 := schedulable(2)
	rec2.Fields["assigned_user"] = float64(33)
	fake.setRecords([]crm.RawRecord{rec, rec2})

	rig.coord.Trigger(ReasonManual)
	rig.waitPasses(t, 2)
	require.Eventually(t, func() bool {
		return rig.coord.State() == StateIdle
	}, time.Second, 2*time.Millisecond)

	_, resolves := fake.calls()
	assert.Equal(t, 1, resolves, "cached assignee names must not be re-resolved")
}

func TestCoordinator_ScheduleReconcile(t *testing.T) {
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}})

	rig.coord.ScheduleReconcile(10 * time.Millisecond)
	rig.waitPasses(t, 1)

	require.Eventually(t, func() bool { return rig.store.Version() > 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, ReasonReconcile, rig.store.Current().Meta.Reason)
}

func TestCoordinator_ScheduleReconcileRearms(t *testing.T) {
	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}})

	rig.coord.ScheduleReconcile(time.Hour)
	rig.coord.ScheduleReconcile(10 * time.Millisecond)
	rig.waitPasses(t, 1)

	time.Sleep(50 * time.Millisecond)
	calls, _ := rig.crm.calls()
	assert.Equal(t, 1, calls, "re-arming must replace the earlier timer")
}

func TestCoordinator_PassObserver(t *testing.T) {
	var mu sync.Mutex
	type obs struct{ reason, outcome string }
	var seen []obs

	rig := newRig(t, &fakeCRM{records: []crm.RawRecord{schedulable(1)}},
		WithPassObserver(func(reason, outcome string, d time.Duration) {
			mu.Lock()
			seen = append(seen, obs{reason, outcome})
			mu.Unlock()
		}))

	rig.coord.Trigger(ReasonStartup)
	rig.waitPasses(t, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, obs{ReasonStartup, OutcomeCommitted}, seen[0])
}

func TestCoordinator_PullFansOutStagePartitions(t *testing.T) {
	fake := &fakeCRM{records: []crm.RawRecord{schedulable(1)}}

	deriver, err := derive.New(config.CalendarConfig{DefaultColor: "gray", DoneWhen: config.DefaultDoneWhen})
	require.NoError(t, err)

	coord := New(Deps{
		CRM:       fake,
		Deriver:   deriver,
		Snapshots: snapshot.NewStore("", nil),
		Flags:     flags.NewMemory(),
	}, config.RefreshConfig{PullParallelism: 2}, []string{"won", "production", "delivery"})

	records, err := coord.pull(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3, "one record per partition")

	calls, _ := fake.calls()
	assert.Equal(t, 3, calls)
}
