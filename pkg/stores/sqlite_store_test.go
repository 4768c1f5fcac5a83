package stores

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestLoadLatestEmptyStore(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	snap, err := store.LoadLatest(context.Background())
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if snap.Serial != 0 || len(snap.Resources) != 0 {
		t.Errorf("expected empty snapshot, got serial=%d resources=%d", snap.Serial, len(snap.Resources))
	}
}

func TestSaveIncrementsSerial(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	snap := engine.NewSnapshot()
	snap.Resources["net"] = engine.ResourceRecord{
		ID: "net", Type: "network.vpc", RemoteID: "r-1",
		Properties: map[string]interface{}{"cidr": "10.0.0.0/16"},
		AppliedAt:  time.Now(),
	}

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if snap.Serial != 1 {
		t.Errorf("expected serial 1, got %d", snap.Serial)
	}

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if snap.Serial != 2 {
		t.Errorf("expected serial 2, got %d", snap.Serial)
	}

	loaded, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded.Serial != 2 {
		t.Errorf("expected latest serial 2, got %d", loaded.Serial)
	}
	rec, ok := loaded.Resources["net"]
	if !ok {
		t.Fatal("net missing from loaded snapshot")
	}
	if rec.RemoteID != "r-1" {
		t.Errorf("remote ID lost in round trip: %q", rec.RemoteID)
	}
	if rec.Properties["cidr"] != "10.0.0.0/16" {
		t.Errorf("properties lost in round trip: %v", rec.Properties)
	}
}

func TestLoadSerialHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	first := engine.NewSnapshot()
	first.Resources["a"] = engine.ResourceRecord{ID: "a", Type: "t", RemoteID: "r-a"}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second := first.Clone()
	delete(second.Resources, "a")
	second.Resources["b"] = engine.ResourceRecord{ID: "b", Type: "t", RemoteID: "r-b"}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	old, err := store.LoadSerial(ctx, 1)
	if err != nil {
		t.Fatalf("LoadSerial failed: %v", err)
	}
	if _, ok := old.Resources["a"]; !ok {
		t.Error("historical snapshot lost resource a")
	}

	if _, err := store.LoadSerial(ctx, 99); err == nil {
		t.Error("expected error for unknown serial")
	}

	list, err := store.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(list) != 2 || list[0].Serial != 2 {
		t.Errorf("expected newest-first listing, got %+v", list)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	snap := engine.NewSnapshot()
	snap.Resources["db"] = engine.ResourceRecord{
		ID: "db", Type: "db.instance", RemoteID: "r-db",
		Attributes: map[string]interface{}{"endpoint": "10.1.2.3"},
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var buf bytes.Buffer
	if err := store.ExportLatest(ctx, &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	imported, err := store.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.Serial != 2 {
		t.Errorf("imported snapshot should take next serial, got %d", imported.Serial)
	}
	rec, ok := imported.Resources["db"]
	if !ok || rec.Attributes["endpoint"] != "10.1.2.3" {
		t.Errorf("attributes lost in export/import: %+v", rec)
	}
}

func TestSaveRunWithStepResults(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	completed := time.Now()
	run := &engine.Run{
		ID:          "run-1",
		PlanID:      "plan-1",
		Status:      engine.RunStatusPartial,
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: &completed,
		Duration:    time.Second,
		Summary:     engine.RunSummary{Total: 2, Applied: 1, Failed: 1},
		Results: map[string]*engine.StepResult{
			"s1": {
				StepID: "s1", ResourceID: "net", Kind: engine.StepCreate,
				Outcome: engine.OutcomeApplied, Attempts: 1, RemoteID: "r-1",
				StartedAt: completed.Add(-time.Second), CompletedAt: completed,
			},
			"s2": {
				StepID: "s2", ResourceID: "db", Kind: engine.StepCreate,
				Outcome: engine.OutcomeFailed, Attempts: 3,
				Error:     engine.NewPermanentError("rejected", nil).WithResource("db"),
				StartedAt: completed.Add(-time.Second), CompletedAt: completed,
			},
		},
	}

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	row, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if row.Status != string(engine.RunStatusPartial) {
		t.Errorf("status lost: %s", row.Status)
	}

	results, err := store.ListStepResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStepResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(results))
	}
	for _, res := range results {
		if res.ResourceID == "db" {
			if res.Error == nil {
				t.Error("failed step lost its error message")
			}
			if res.Attempts != 3 {
				t.Errorf("attempts lost: %d", res.Attempts)
			}
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestSaveAndListEvents(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for i, eventType := range []string{engine.EventTypeRunStarted, engine.EventTypeStepApplied, engine.EventTypeRunCompleted} {
		event := &engine.Event{
			ID:        string(rune('a' + i)),
			Type:      eventType,
			RunID:     "run-1",
			Level:     "info",
			Message:   eventType,
			Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != engine.EventTypeRunStarted {
		t.Errorf("events not in timeline order: %s first", events[0].Type)
	}
}
