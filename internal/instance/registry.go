// Package instance manages the routing tree: instance lifecycle verbs and
// the scope-dependent behaviors that decide whether an instance queues,
// delegates, or rejects incoming work.
package instance

import (
	"context"
	"log/slog"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
)

// Registry exposes instance lifecycle and behavior dispatch over the store.
type Registry struct {
	store  *persistence.Store
	bus    *bus.Bus
	router *routing.Router
	logger *slog.Logger
}

// NewRegistry wires the registry. The router is used by delegating scopes
// to pick targets.
func NewRegistry(store *persistence.Store, b *bus.Bus, router *routing.Router, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, bus: b, router: router, logger: logger}
}

// Create inserts a new instance in status created.
func (r *Registry) Create(ctx context.Context, spec persistence.InstanceSpec) (*persistence.Instance, error) {
	return r.store.CreateInstance(ctx, spec)
}

// Get returns the instance by id.
func (r *Registry) Get(ctx context.Context, id string) (*persistence.Instance, error) {
	return r.store.GetInstance(ctx, id)
}

// GetByName returns the instance with the given scope and name.
func (r *Registry) GetByName(ctx context.Context, scope persistence.InstanceScope, name string) (*persistence.Instance, error) {
	return r.store.GetInstanceByName(ctx, scope, name)
}

// List returns instances matching the filter.
func (r *Registry) List(ctx context.Context, filter persistence.InstanceFilter) ([]*persistence.Instance, error) {
	return r.store.ListInstances(ctx, filter)
}

// Children returns the direct children of an instance.
func (r *Registry) Children(ctx context.Context, id string) ([]*persistence.Instance, error) {
	return r.store.ChildInstances(ctx, id)
}

// Hierarchy returns the chain from the instance up to its root.
func (r *Registry) Hierarchy(ctx context.Context, id string) ([]*persistence.Instance, error) {
	return r.store.InstanceHierarchy(ctx, id)
}

// Transition applies one lifecycle transition.
func (r *Registry) Transition(ctx context.Context, id string, next persistence.InstanceStatus) (*persistence.Instance, error) {
	return r.store.TransitionInstance(ctx, id, next, false)
}

// Start brings an instance to running.
func (r *Registry) Start(ctx context.Context, id string) (*persistence.Instance, error) {
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusRunning, false)
}

// Stop takes an instance through stopping to stopped.
func (r *Registry) Stop(ctx context.Context, id string) (*persistence.Instance, error) {
	if _, err := r.store.TransitionInstance(ctx, id, persistence.InstanceStatusStopping, false); err != nil {
		return nil, err
	}
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusStopped, false)
}

// Pause suspends a running instance.
func (r *Registry) Pause(ctx context.Context, id string) (*persistence.Instance, error) {
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusPaused, false)
}

// Resume returns a paused instance to running.
func (r *Registry) Resume(ctx context.Context, id string) (*persistence.Instance, error) {
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusRunning, false)
}

// Restart is an operator override: it forces running from any non-terminal
// status and records the jump in the status ledger.
func (r *Registry) Restart(ctx context.Context, id string) (*persistence.Instance, error) {
	r.logger.Info("instance restart override", "instance", id)
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusRunning, true)
}

// Terminate soft-deletes the instance via its terminal status.
func (r *Registry) Terminate(ctx context.Context, id string) (*persistence.Instance, error) {
	return r.store.TransitionInstance(ctx, id, persistence.InstanceStatusTerminated, true)
}

// BehaviorFor selects the behavior implementation for a scope.
func (r *Registry) BehaviorFor(scope persistence.InstanceScope) Behavior {
	b := base{store: r.store, router: r.router}
	switch scope {
	case persistence.ScopeGlobal, persistence.ScopeFederated:
		return globalBehavior{base: b}
	case persistence.ScopeOrchestration:
		return orchestrationBehavior{base: b}
	case persistence.ScopeProject:
		return projectBehavior{base: b, delegates: true}
	case persistence.ScopePersonal, persistence.ScopeFamily, persistence.ScopeEvent:
		return projectBehavior{base: b, delegates: false}
	default:
		return projectBehavior{base: b, delegates: false}
	}
}

// HandleIncoming asks the instance's behavior what to do with the task.
func (r *Registry) HandleIncoming(ctx context.Context, instanceID, taskID string) (Decision, error) {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Decision{}, err
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}
	dec, err := r.BehaviorFor(inst.Scope).HandleIncoming(ctx, inst, task)
	if err != nil {
		return Decision{}, err
	}
	r.logger.Debug("handle incoming",
		"instance", inst.ID, "scope", inst.Scope, "task", task.ID,
		"action", dec.Action, "target", dec.TargetID)
	return dec, nil
}

// TaskQueue returns the instance's pending work in priority-then-FIFO order.
func (r *Registry) TaskQueue(ctx context.Context, instanceID string, limit int) ([]*persistence.Task, error) {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return r.BehaviorFor(inst.Scope).TaskQueue(ctx, inst, limit)
}

// NotifyTaskCompleted runs the owner's completion hook.
func (r *Registry) NotifyTaskCompleted(ctx context.Context, instanceID, taskID string) error {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return r.BehaviorFor(inst.Scope).OnTaskCompleted(ctx, inst, task)
}
