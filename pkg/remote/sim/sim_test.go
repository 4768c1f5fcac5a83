package sim

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func TestCreateUpdateDeleteLifecycle(t *testing.T) {
	cp := New(zerolog.Nop())
	ctx := context.Background()

	remote, err := cp.Create(ctx, engine.CreateRequest{
		IdempotencyToken: "t1",
		ResourceID:       "net",
		Type:             "network.vpc",
		Properties:       map[string]interface{}{"cidr": "10.0.0.0/16"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if remote.RemoteID == "" {
		t.Fatal("no remote ID assigned")
	}
	if remote.Attributes["cidr"] != "10.0.0.0/16" {
		t.Errorf("scalar property not echoed as attribute: %v", remote.Attributes)
	}

	updated, err := cp.Update(ctx, engine.UpdateRequest{
		IdempotencyToken: "t2",
		ResourceID:       "net",
		Type:             "network.vpc",
		RemoteID:         remote.RemoteID,
		Properties:       map[string]interface{}{"cidr": "10.1.0.0/16"},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.RemoteID != remote.RemoteID {
		t.Errorf("update changed identity: %s vs %s", updated.RemoteID, remote.RemoteID)
	}

	if err := cp.Delete(ctx, engine.DeleteRequest{
		IdempotencyToken: "t3",
		ResourceID:       "net",
		RemoteID:         remote.RemoteID,
	}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if cp.Count() != 0 {
		t.Errorf("expected empty control plane, got %d objects", cp.Count())
	}

	// Deleting an unknown object is not an error.
	if err := cp.Delete(ctx, engine.DeleteRequest{
		IdempotencyToken: "t4",
		ResourceID:       "net",
		RemoteID:         "ghost",
	}); err != nil {
		t.Errorf("delete of unknown remote must succeed: %v", err)
	}
}

func TestIdempotencyTokenReplay(t *testing.T) {
	cp := New(zerolog.Nop())
	ctx := context.Background()

	req := engine.CreateRequest{
		IdempotencyToken: "same-token",
		ResourceID:       "db",
		Type:             "db.instance",
	}
	first, err := cp.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := cp.Create(ctx, req)
	if err != nil {
		t.Fatalf("replayed Create failed: %v", err)
	}
	if first.RemoteID != second.RemoteID {
		t.Errorf("replay created a second object: %s vs %s", first.RemoteID, second.RemoteID)
	}
	if cp.Count() != 1 {
		t.Errorf("expected 1 object, got %d", cp.Count())
	}
}

func TestInjectedTransientFailuresRecover(t *testing.T) {
	cp := New(zerolog.Nop(), WithFailure("db", FailTransient, 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cp.Create(ctx, engine.CreateRequest{
			IdempotencyToken: "t" + string(rune('0'+i)),
			ResourceID:       "db",
			Type:             "db.instance",
		})
		if err == nil {
			t.Fatalf("attempt %d: expected transient failure", i)
		}
		if !engine.IsRetryable(err) {
			t.Fatalf("attempt %d: failure must be retryable: %v", i, err)
		}
	}

	if _, err := cp.Create(ctx, engine.CreateRequest{
		IdempotencyToken: "t-final",
		ResourceID:       "db",
		Type:             "db.instance",
	}); err != nil {
		t.Fatalf("expected success after scripted failures: %v", err)
	}
}

func TestInjectedPermanentFailure(t *testing.T) {
	cp := New(zerolog.Nop(), WithFailure("db", FailPermanent, 0))

	_, err := cp.Create(context.Background(), engine.CreateRequest{
		IdempotencyToken: "t1",
		ResourceID:       "db",
		Type:             "db.instance",
	})
	if err == nil {
		t.Fatal("expected permanent failure")
	}
	if engine.IsRetryable(err) {
		t.Errorf("permanent failure must not be retryable: %v", err)
	}
}

func TestAttributeFuncOverridesSynthesis(t *testing.T) {
	cp := New(zerolog.Nop(), WithAttributeFunc("db.instance",
		func(remoteID string, props map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{"endpoint": remoteID + ".db.internal"}
		}))

	remote, err := cp.Create(context.Background(), engine.CreateRequest{
		IdempotencyToken: "t1",
		ResourceID:       "db",
		Type:             "db.instance",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if remote.Attributes["endpoint"] != remote.RemoteID+".db.internal" {
		t.Errorf("attribute func not applied: %v", remote.Attributes)
	}
}

func TestEndToEndWithDriver(t *testing.T) {
	cp := New(zerolog.Nop(), WithFailure("db", FailTransient, 1))

	graph, err := engine.NewGraphBuilder().Build([]engine.ResourceSpec{
		{ID: "net", Type: "network.vpc", Properties: map[string]interface{}{"cidr": "10.0.0.0/16"}},
		{ID: "db", Type: "db.instance", Properties: map[string]interface{}{"vpc": "${net.id}"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plan, err := engine.NewPlanner(nil).BuildPlan(context.Background(), graph, engine.NewSnapshot())
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	driver := engine.NewDriver(cp, nil, zerolog.Nop(), engine.DriverOptions{
		MaxParallel: 2,
		MaxRetries:  3,
		BaseBackoff: 1,
	})
	run, snap, err := driver.Apply(context.Background(), plan, engine.NewSnapshot())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if cp.Count() != 2 {
		t.Errorf("expected 2 provisioned objects, got %d", cp.Count())
	}
	if _, ok := snap.Resources["db"]; !ok {
		t.Error("db missing from snapshot")
	}
}
