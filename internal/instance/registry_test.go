package instance_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/instance"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
)

func openTestRegistry(t *testing.T) (*instance.Registry, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hopper.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	router := routing.NewRouter(store, nil, nil, nil, routing.Config{}, nil)
	return instance.NewRegistry(store, nil, router, nil), store
}

func mustCreate(t *testing.T, reg *instance.Registry, spec persistence.InstanceSpec) *persistence.Instance {
	t.Helper()
	if spec.Type == "" {
		spec.Type = persistence.InstancePersistent
	}
	inst, err := reg.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("create %s: %v", spec.Name, err)
	}
	return inst
}

func mustCreateTask(t *testing.T, store *persistence.Store, spec persistence.TaskSpec) *persistence.Task {
	t.Helper()
	if spec.Title == "" {
		spec.Title = "test task"
	}
	task, err := store.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestComplexityGate(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	p := mustCreate(t, reg, persistence.InstanceSpec{
		Name: "proj", Scope: persistence.ScopeProject,
		Config: map[string]any{"orchestration_threshold": 3},
	})
	o := mustCreate(t, reg, persistence.InstanceSpec{
		Name: "orch", Scope: persistence.ScopeOrchestration, ParentID: p.ID,
	})

	longDesc := strings.Repeat("x", 501)

	heavy := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "heavy", Description: longDesc,
		Priority: persistence.PriorityHigh, InstanceID: p.ID,
	})
	dec, err := reg.HandleIncoming(ctx, p.ID, heavy.ID)
	if err != nil {
		t.Fatalf("handle heavy: %v", err)
	}
	if dec.Action != instance.ActionDelegate || dec.TargetID != o.ID {
		t.Fatalf("decision = %+v, want delegate to %s", dec, o.ID)
	}

	light := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "light", Description: longDesc,
		Priority: persistence.PriorityLow, InstanceID: p.ID,
	})
	dec, err = reg.HandleIncoming(ctx, p.ID, light.ID)
	if err != nil {
		t.Fatalf("handle light: %v", err)
	}
	if dec.Action != instance.ActionQueue {
		t.Fatalf("decision = %+v, want queue", dec)
	}
}

func TestProjectWithoutOrchestrationHandlesDirectly(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	p := mustCreate(t, reg, persistence.InstanceSpec{Name: "solo", Scope: persistence.ScopeProject})
	heavy := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "heavy", Description: strings.Repeat("x", 501),
		Priority: persistence.PriorityUrgent, Dependencies: []string{"dep"},
		InstanceID: p.ID,
	})

	dec, err := reg.HandleIncoming(ctx, p.ID, heavy.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Action != instance.ActionQueue {
		t.Fatalf("decision = %+v, want queue", dec)
	}
}

func TestProjectPicksLeastLoadedOrchestration(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	p := mustCreate(t, reg, persistence.InstanceSpec{Name: "proj", Scope: persistence.ScopeProject})
	busy := mustCreate(t, reg, persistence.InstanceSpec{Name: "busy", Scope: persistence.ScopeOrchestration, ParentID: p.ID})
	idle := mustCreate(t, reg, persistence.InstanceSpec{Name: "idle", Scope: persistence.ScopeOrchestration, ParentID: p.ID})

	load := mustCreateTask(t, store, persistence.TaskSpec{Title: "load", InstanceID: busy.ID})
	if _, err := store.TransitionTask(ctx, load.ID, persistence.TaskStatusClaimed); err != nil {
		t.Fatalf("claim: %v", err)
	}

	heavy := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "heavy", Description: strings.Repeat("x", 501),
		Priority: persistence.PriorityHigh, InstanceID: p.ID,
	})
	dec, err := reg.HandleIncoming(ctx, p.ID, heavy.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.TargetID != idle.ID {
		t.Fatalf("target = %s, want idle %s", dec.TargetID, idle.ID)
	}
}

func TestOrchestrationCapacity(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	o := mustCreate(t, reg, persistence.InstanceSpec{
		Name: "orch", Scope: persistence.ScopeOrchestration,
		Config: map[string]any{"max_concurrent_tasks": 1},
	})

	first := mustCreateTask(t, store, persistence.TaskSpec{Title: "first", InstanceID: o.ID})
	dec, err := reg.HandleIncoming(ctx, o.ID, first.ID)
	if err != nil {
		t.Fatalf("handle first: %v", err)
	}
	if dec.Action != instance.ActionQueue {
		t.Fatalf("decision = %+v, want queue", dec)
	}
	if _, err := store.TransitionTask(ctx, first.ID, persistence.TaskStatusClaimed); err != nil {
		t.Fatalf("claim: %v", err)
	}

	second := mustCreateTask(t, store, persistence.TaskSpec{Title: "second", InstanceID: o.ID})
	_, err = reg.HandleIncoming(ctx, o.ID, second.ID)
	var capErr *hoppererr.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want capacity error", err)
	}
	if capErr.InstanceID != o.ID || capErr.Active != 1 || capErr.Max != 1 {
		t.Fatalf("capacity payload = %+v", capErr)
	}
}

func TestGlobalDelegatesToProjectChild(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	g := mustCreate(t, reg, persistence.InstanceSpec{Name: "global", Scope: persistence.ScopeGlobal})
	beta := mustCreate(t, reg, persistence.InstanceSpec{Name: "beta", Scope: persistence.ScopeProject, ParentID: g.ID})
	mustCreate(t, reg, persistence.InstanceSpec{Name: "alpha", Scope: persistence.ScopeProject, ParentID: g.ID})

	task := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "routed work", Project: "beta", InstanceID: g.ID,
	})
	dec, err := reg.HandleIncoming(ctx, g.ID, task.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Action != instance.ActionDelegate || dec.TargetID != beta.ID {
		t.Fatalf("decision = %+v, want delegate to beta", dec)
	}
	if dec.Strategy != routing.StrategyExplicit {
		t.Fatalf("strategy = %s, want explicit", dec.Strategy)
	}
}

func TestGlobalRejectsWithoutProjects(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	g := mustCreate(t, reg, persistence.InstanceSpec{Name: "global", Scope: persistence.ScopeGlobal})
	task := mustCreateTask(t, store, persistence.TaskSpec{Title: "stranded", InstanceID: g.ID})

	_, err := reg.HandleIncoming(ctx, g.ID, task.ID)
	if !hoppererr.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestPersonalScopeNeverDelegates(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	p := mustCreate(t, reg, persistence.InstanceSpec{Name: "me", Scope: persistence.ScopePersonal})
	mustCreate(t, reg, persistence.InstanceSpec{Name: "orch", Scope: persistence.ScopeOrchestration, ParentID: p.ID})

	heavy := mustCreateTask(t, store, persistence.TaskSpec{
		Title: "heavy", Description: strings.Repeat("x", 501),
		Priority: persistence.PriorityUrgent, Dependencies: []string{"dep"},
		Tags:       []string{"a", "b", "c", "d"},
		InstanceID: p.ID,
	})
	dec, err := reg.HandleIncoming(ctx, p.ID, heavy.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Action != instance.ActionQueue {
		t.Fatalf("decision = %+v, want queue on personal scope", dec)
	}
}

func TestFederatedInheritsGlobal(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	f := mustCreate(t, reg, persistence.InstanceSpec{Name: "fed", Scope: persistence.ScopeFederated})
	proj := mustCreate(t, reg, persistence.InstanceSpec{Name: "proj", Scope: persistence.ScopeProject, ParentID: f.ID})

	task := mustCreateTask(t, store, persistence.TaskSpec{Title: "work", InstanceID: f.ID})
	dec, err := reg.HandleIncoming(ctx, f.ID, task.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Action != instance.ActionDelegate || dec.TargetID != proj.ID {
		t.Fatalf("decision = %+v, want delegate to proj", dec)
	}
}

func TestGlobalQueueIsEmpty(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	g := mustCreate(t, reg, persistence.InstanceSpec{Name: "global", Scope: persistence.ScopeGlobal})
	mustCreateTask(t, store, persistence.TaskSpec{Title: "held", InstanceID: g.ID})

	queue, err := reg.TaskQueue(ctx, g.ID, 10)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("global queue = %d tasks, want 0", len(queue))
	}
}

func TestOrchestrationQueueOrdering(t *testing.T) {
	reg, store := openTestRegistry(t)
	ctx := context.Background()

	o := mustCreate(t, reg, persistence.InstanceSpec{Name: "orch", Scope: persistence.ScopeOrchestration})
	low := mustCreateTask(t, store, persistence.TaskSpec{Title: "low", Priority: persistence.PriorityLow, InstanceID: o.ID})
	urgent := mustCreateTask(t, store, persistence.TaskSpec{Title: "urgent", Priority: persistence.PriorityUrgent, InstanceID: o.ID})

	queue, err := reg.TaskQueue(ctx, o.ID, 10)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 2 || queue[0].ID != urgent.ID || queue[1].ID != low.ID {
		t.Fatalf("queue order wrong: %+v", queue)
	}
}

func TestLifecycleVerbs(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	inst := mustCreate(t, reg, persistence.InstanceSpec{Name: "node", Scope: persistence.ScopeProject})

	if got, err := reg.Start(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusRunning {
		t.Fatalf("start: %v %v", got, err)
	}
	if got, err := reg.Pause(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusPaused {
		t.Fatalf("pause: %v %v", got, err)
	}
	if got, err := reg.Resume(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusRunning {
		t.Fatalf("resume: %v %v", got, err)
	}
	if got, err := reg.Stop(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusStopped {
		t.Fatalf("stop: %v %v", got, err)
	}
	if got, err := reg.Restart(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusRunning {
		t.Fatalf("restart: %v %v", got, err)
	}
	if got, err := reg.Terminate(ctx, inst.ID); err != nil || got.Status != persistence.InstanceStatusTerminated {
		t.Fatalf("terminate: %v %v", got, err)
	}
	if _, err := reg.Restart(ctx, inst.ID); err == nil {
		t.Fatal("restart after terminate must fail")
	}
}
