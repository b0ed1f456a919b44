package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/crm"
	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/flags"
	"github.com/tombee/shopcal/internal/refresh"
	"github.com/tombee/shopcal/internal/snapshot"
)

type oneRecordFetcher struct{}

func (oneRecordFetcher) ListAllRecords(ctx context.Context, stage string) ([]crm.RawRecord, error) {
	return []crm.RawRecord{{ID: 1, Fields: map[string]any{
		"transfer_date": "2024-01-01",
		"planned_date":  "2024-01-15",
		"otk_date":      "2024-01-05",
	}}}, nil
}

func (oneRecordFetcher) ResolveUsers(ctx context.Context, ids []int64) (map[int64]string, error) {
	return nil, nil
}

func writeConfig(t *testing.T, path, defaultColor string) {
	t.Helper()
	content := "crm:\n  base_url: http://localhost:1\ncalendar:\n  default_color: " + defaultColor + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestConfigWatcher_ReloadSwapsRules(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the watch debounce")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "gray")

	deriver, err := derive.New(config.CalendarConfig{DefaultColor: "gray", DoneWhen: config.DefaultDoneWhen})
	require.NoError(t, err)

	store := snapshot.NewStore("", nil)
	coord := refresh.New(refresh.Deps{
		CRM:       oneRecordFetcher{},
		Deriver:   deriver,
		Snapshots: store,
		Flags:     flags.NewMemory(),
	}, config.RefreshConfig{Debounce: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = coord.Run(ctx)
	}()
	defer func() { cancel(); <-coordDone }()

	watcher, err := newConfigWatcher(path, coord, discardLogger())
	require.NoError(t, err)
	watcher.Start(ctx)
	defer watcher.Stop()

	coord.Trigger(refresh.ReasonStartup)
	require.Eventually(t, func() bool {
		snap := store.Current()
		return len(snap.Events) == 1 && snap.Events[0].Color == "gray"
	}, 2*time.Second, 5*time.Millisecond)

	// Changing the color map must reach the next pass without a restart.
	writeConfig(t, path, "pink")
	require.Eventually(t, func() bool {
		snap := store.Current()
		return len(snap.Events) == 1 && snap.Events[0].Color == "pink"
	}, 5*time.Second, 10*time.Millisecond)
}
