package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/persistence"
)

func createTestInstance(t *testing.T, store *persistence.Store, name string, scope persistence.InstanceScope, parentID string) *persistence.Instance {
	t.Helper()
	inst, err := store.CreateInstance(context.Background(), persistence.InstanceSpec{
		Name:     name,
		Scope:    scope,
		ParentID: parentID,
	})
	if err != nil {
		t.Fatalf("create instance %s: %v", name, err)
	}
	return inst
}

func TestCreateInstanceAndLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := createTestInstance(t, store, "root", persistence.ScopeGlobal, "")
	proj := createTestInstance(t, store, "alpha", persistence.ScopeProject, root.ID)

	byName, err := store.GetInstanceByName(ctx, persistence.ScopeProject, "alpha")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if byName.ID != proj.ID || byName.ParentID != root.ID {
		t.Fatalf("lookup mismatch: %+v", byName)
	}
	if byName.Status != persistence.InstanceStatusCreated {
		t.Fatalf("status = %q", byName.Status)
	}
}

func TestCreateInstanceScopeMonotonicity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := createTestInstance(t, store, "root", persistence.ScopeGlobal, "")
	orch := createTestInstance(t, store, "o1", persistence.ScopeOrchestration, root.ID)

	// A project may not sit under an orchestration: scope rank would decrease.
	_, err := store.CreateInstance(ctx, persistence.InstanceSpec{
		Name:     "bad",
		Scope:    persistence.ScopeProject,
		ParentID: orch.ID,
	})
	if !hoppererr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateInstanceDuplicateName(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	createTestInstance(t, store, "alpha", persistence.ScopeProject, "")
	_, err := store.CreateInstance(ctx, persistence.InstanceSpec{Name: "alpha", Scope: persistence.ScopeProject})
	if !hoppererr.IsValidation(err) {
		t.Fatalf("duplicate err = %v, want validation", err)
	}

	// Same name in a different scope is fine.
	if _, err := store.CreateInstance(ctx, persistence.InstanceSpec{Name: "alpha", Scope: persistence.ScopeOrchestration}); err != nil {
		t.Fatalf("cross-scope duplicate: %v", err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inst := createTestInstance(t, store, "p", persistence.ScopeProject, "")

	for _, next := range []persistence.InstanceStatus{
		persistence.InstanceStatusStarting,
		persistence.InstanceStatusRunning,
		persistence.InstanceStatusPaused,
		persistence.InstanceStatusRunning,
		persistence.InstanceStatusStopping,
		persistence.InstanceStatusStopped,
	} {
		if _, err := store.TransitionInstance(ctx, inst.ID, next, false); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	if _, err := store.TransitionInstance(ctx, inst.ID, persistence.InstanceStatusPaused, false); !hoppererr.IsInvalidTransition(err) {
		t.Fatalf("stopped->paused err = %v, want invalid transition", err)
	}
}

func TestInstanceRestartOverride(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inst := createTestInstance(t, store, "p", persistence.ScopeProject, "")

	if _, err := store.TransitionInstance(ctx, inst.ID, persistence.InstanceStatusError, true); err != nil {
		t.Fatalf("force error: %v", err)
	}
	// Operator restart jumps straight to running.
	updated, err := store.TransitionInstance(ctx, inst.ID, persistence.InstanceStatusRunning, true)
	if err != nil {
		t.Fatalf("force restart: %v", err)
	}
	if updated.Status != persistence.InstanceStatusRunning {
		t.Fatalf("status = %q", updated.Status)
	}
}

func TestTerminatedIsFinal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inst := createTestInstance(t, store, "p", persistence.ScopeProject, "")

	if _, err := store.TransitionInstance(ctx, inst.ID, persistence.InstanceStatusTerminated, false); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// Even forced transitions may not leave terminated.
	if _, err := store.TransitionInstance(ctx, inst.ID, persistence.InstanceStatusRunning, true); !hoppererr.IsInvalidTransition(err) {
		t.Fatalf("terminated->running err = %v, want invalid transition", err)
	}
}

func TestInstanceHierarchyAndDescendants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := createTestInstance(t, store, "root", persistence.ScopeGlobal, "")
	proj := createTestInstance(t, store, "alpha", persistence.ScopeProject, root.ID)
	orch := createTestInstance(t, store, "o1", persistence.ScopeOrchestration, proj.ID)

	chain, err := store.InstanceHierarchy(ctx, orch.ID)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != orch.ID || chain[2].ID != root.ID {
		t.Fatalf("chain wrong: %d", len(chain))
	}

	isDesc, err := store.IsDescendant(ctx, root.ID, orch.ID)
	if err != nil || !isDesc {
		t.Fatalf("IsDescendant(root, orch) = %t, %v", isDesc, err)
	}
	isDesc, err = store.IsDescendant(ctx, orch.ID, root.ID)
	if err != nil || isDesc {
		t.Fatalf("IsDescendant(orch, root) = %t, %v", isDesc, err)
	}
}

func TestChildrenByScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := createTestInstance(t, store, "root", persistence.ScopeGlobal, "")
	createTestInstance(t, store, "alpha", persistence.ScopeProject, root.ID)
	createTestInstance(t, store, "beta", persistence.ScopeProject, root.ID)
	createTestInstance(t, store, "o1", persistence.ScopeOrchestration, root.ID)

	projects, err := store.ChildInstancesByScope(ctx, root.ID, persistence.ScopeProject)
	if err != nil {
		t.Fatalf("children by scope: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("projects = %d, want 2", len(projects))
	}
	all, err := store.ChildInstances(ctx, root.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("children = %d, want 3", len(all))
	}
}

func TestInstanceConfigHelpers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inst, err := store.CreateInstance(ctx, persistence.InstanceSpec{
		Name:  "p",
		Scope: persistence.ScopeProject,
		Config: map[string]any{
			"orchestration_threshold": 4,
			"auto_delegate":           true,
			"routing_strategy":        "least_loaded",
			"capabilities":            []any{"go", "python"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// JSON round-trips numbers as float64; ConfigInt must tolerate that.
	if v := got.ConfigInt("orchestration_threshold", 3); v != 4 {
		t.Fatalf("threshold = %d", v)
	}
	if !got.ConfigBool("auto_delegate", false) {
		t.Fatal("auto_delegate lost")
	}
	if v := got.ConfigString("routing_strategy", ""); v != "least_loaded" {
		t.Fatalf("strategy = %q", v)
	}
	caps := got.ConfigStrings("capabilities")
	if len(caps) != 2 || caps[0] != "go" {
		t.Fatalf("capabilities = %v", caps)
	}
	if v := got.ConfigInt("missing", 7); v != 7 {
		t.Fatalf("default = %d", v)
	}
}
