package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"Forge/internal/runner"
	"Forge/internal/tags"
)

type fakeInventory struct {
	records []runner.Record
	listErr error

	tagged     map[string]map[string]string
	terminated []string
}

func (f *fakeInventory) List(ctx context.Context, filter runner.ListFilter) ([]runner.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.records, nil
}

func (f *fakeInventory) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	if f.tagged == nil {
		f.tagged = map[string]map[string]string{}
	}
	f.tagged[instanceID] = kv
	return nil
}

func (f *fakeInventory) Terminate(ctx context.Context, instanceID string) error {
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func testReaper(inv Inventory, opts Options) *Reaper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(inv, opts, logger, nil)
}

func launchedAt(ts time.Time) *time.Time { return &ts }

func TestSweepFlagsThenTerminates(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	budget := 10 * time.Minute

	inv := &fakeInventory{records: []runner.Record{
		// Registered within budget: untouched even though it is old.
		{InstanceID: "i-registered", LaunchTime: launchedAt(now.Add(-time.Hour)), RunnerID: "runner-1"},
		// Still booting: untouched.
		{InstanceID: "i-fresh", LaunchTime: launchedAt(now.Add(-2 * time.Minute))},
		// Past budget, not yet flagged: gets the orphan tag.
		{InstanceID: "i-late", LaunchTime: launchedAt(now.Add(-30 * time.Minute))},
		// Past budget and already flagged on an earlier pass: terminated.
		{InstanceID: "i-orphan", LaunchTime: launchedAt(now.Add(-time.Hour)), Orphan: true},
		// No launch time: untouched.
		{InstanceID: "i-unknown"},
	}}
	r := testReaper(inv, Options{Environment: "ci", BootBudget: budget})
	r.now = func() time.Time { return now }

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(inv.terminated) != 1 || inv.terminated[0] != "i-orphan" {
		t.Errorf("expected only i-orphan terminated, got %v", inv.terminated)
	}
	if len(inv.tagged) != 1 {
		t.Fatalf("expected only i-late tagged, got %v", inv.tagged)
	}
	if inv.tagged["i-late"][tags.Orphan] != "true" {
		t.Errorf("expected orphan tag on i-late, got %v", inv.tagged["i-late"])
	}
}

func TestSweepTwoPassGrace(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	inv := &fakeInventory{records: []runner.Record{
		{InstanceID: "i-late", LaunchTime: launchedAt(now.Add(-30 * time.Minute))},
	}}
	r := testReaper(inv, Options{Environment: "ci", BootBudget: 10 * time.Minute})
	r.now = func() time.Time { return now }

	// First pass flags.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(inv.terminated) != 0 {
		t.Fatalf("first pass must not terminate, got %v", inv.terminated)
	}

	// Second pass sees the flag and terminates.
	inv.records[0].Orphan = true
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(inv.terminated) != 1 || inv.terminated[0] != "i-late" {
		t.Errorf("expected i-late terminated on second pass, got %v", inv.terminated)
	}
}

func TestSweepDryRun(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	inv := &fakeInventory{records: []runner.Record{
		{InstanceID: "i-late", LaunchTime: launchedAt(now.Add(-time.Hour))},
		{InstanceID: "i-orphan", LaunchTime: launchedAt(now.Add(-time.Hour)), Orphan: true},
	}}
	r := testReaper(inv, Options{Environment: "ci", BootBudget: 10 * time.Minute, DryRun: true})
	r.now = func() time.Time { return now }

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(inv.tagged) != 0 || len(inv.terminated) != 0 {
		t.Errorf("dry run must not mutate: tagged=%v terminated=%v", inv.tagged, inv.terminated)
	}
}

func TestSweepListError(t *testing.T) {
	inv := &fakeInventory{listErr: errors.New("throttled")}
	r := testReaper(inv, Options{Environment: "ci", BootBudget: 10 * time.Minute})

	if err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	inv := &fakeInventory{}
	r := testReaper(inv, Options{Environment: "ci", BootBudget: time.Minute, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
