// Package delegation implements the per-hop delegation protocol: creating
// pending hops, accept/reject/complete/cancel transitions with ownership
// rollback, and completion bubbling over a task's delegation history.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/hoppererr"
	otelpkg "github.com/basket/hopper/internal/otel"
	"github.com/basket/hopper/internal/persistence"
)

const lockShards = 64

// Engine serializes delegation mutations per task with a sharded mutex
// table; the store's guarded updates provide the compare-and-act backstop.
type Engine struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	locks   [lockShards]sync.Mutex
}

// NewEngine wires the delegation engine.
func NewEngine(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, bus: b, logger: logger}
}

// SetMetrics attaches the telemetry instruments. Call before serving.
func (e *Engine) SetMetrics(m *otelpkg.Metrics) {
	e.metrics = m
}

func (e *Engine) lockTask(taskID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	mu := &e.locks[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}

// Delegate creates a pending hop from the task's current owner to target
// and moves ownership to the target. The target must be routable and the
// task must have no active delegation.
func (e *Engine) Delegate(ctx context.Context, taskID, targetID string, typ persistence.DelegationType, notes string) (*persistence.Delegation, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, hoppererr.InvalidTransition("task", string(task.Status), "delegate")
	}
	target, err := e.store.GetInstance(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !target.Status.Routable() {
		return nil, hoppererr.Unavailable(fmt.Sprintf("target instance %q is %s", targetID, target.Status))
	}
	if target.ID == task.InstanceID {
		return nil, hoppererr.Validation("target", "task already owned by target instance")
	}
	if active, err := e.store.ActiveDelegationForTask(ctx, taskID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, hoppererr.ActiveDelegation(taskID, active.ID)
	}

	source := task.InstanceID
	d := &persistence.Delegation{
		TaskID:   taskID,
		SourceID: source,
		TargetID: targetID,
		Type:     typ,
		Notes:    notes,
	}
	if err := e.store.InsertDelegation(ctx, d); err != nil {
		return nil, err
	}
	if err := e.store.AssignTask(ctx, taskID, targetID, &source); err != nil {
		// The hop never took effect; close it out before surfacing.
		_, _ = e.store.UpdateDelegationStatus(ctx, d.ID, persistence.DelegationCancelled,
			"", "ownership moved during delegation", persistence.DelegationPending)
		return nil, err
	}

	e.publish(ctx, bus.TopicDelegationCreated, d, "")
	e.logger.Info("task delegated", "task", taskID, "source", source, "target", targetID, "type", typ)
	return e.store.GetDelegation(ctx, d.ID)
}

// Accept moves a pending delegation to accepted.
func (e *Engine) Accept(ctx context.Context, delegationID string) (*persistence.Delegation, error) {
	d, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	unlock := e.lockTask(d.TaskID)
	defer unlock()

	rows, err := e.store.UpdateDelegationStatus(ctx, delegationID, persistence.DelegationAccepted,
		"", "", persistence.DelegationPending)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, e.transitionConflict(ctx, delegationID, "accepted")
	}
	updated, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, bus.TopicDelegationAccepted, updated, "")
	return updated, nil
}

// Reject refuses a pending delegation and rolls ownership back to the
// source instance.
func (e *Engine) Reject(ctx context.Context, delegationID, reason string) (*persistence.Delegation, error) {
	d, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	unlock := e.lockTask(d.TaskID)
	defer unlock()

	rows, err := e.store.UpdateDelegationStatus(ctx, delegationID, persistence.DelegationRejected,
		"", reason, persistence.DelegationPending)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, e.transitionConflict(ctx, delegationID, "rejected")
	}
	e.rollbackOwnership(ctx, d)

	updated, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, bus.TopicDelegationRejected, updated, reason)
	e.logger.Info("delegation rejected", "delegation", delegationID, "task", d.TaskID, "reason", reason)
	return updated, nil
}

// Complete finishes a pending or accepted delegation, storing the result
// payload on the hop.
func (e *Engine) Complete(ctx context.Context, delegationID, result string) (*persistence.Delegation, error) {
	d, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	unlock := e.lockTask(d.TaskID)
	defer unlock()

	rows, err := e.store.UpdateDelegationStatus(ctx, delegationID, persistence.DelegationCompleted,
		result, "", persistence.DelegationPending, persistence.DelegationAccepted)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, e.transitionConflict(ctx, delegationID, "completed")
	}
	updated, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, bus.TopicDelegationCompleted, updated, "")
	return updated, nil
}

// Cancel aborts a non-terminal delegation and rolls ownership back to the
// source instance.
func (e *Engine) Cancel(ctx context.Context, delegationID, reason string) (*persistence.Delegation, error) {
	d, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	unlock := e.lockTask(d.TaskID)
	defer unlock()

	rows, err := e.store.UpdateDelegationStatus(ctx, delegationID, persistence.DelegationCancelled,
		"", reason, persistence.DelegationPending, persistence.DelegationAccepted)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, e.transitionConflict(ctx, delegationID, "cancelled")
	}
	e.rollbackOwnership(ctx, d)

	updated, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, bus.TopicDelegationCancelled, updated, reason)
	return updated, nil
}

// Chain returns the task's delegation history ordered by delegation time.
func (e *Engine) Chain(ctx context.Context, taskID string) ([]*persistence.Delegation, error) {
	return e.store.DelegationChain(ctx, taskID)
}

// Active returns the task's pending or accepted delegation, nil when none.
func (e *Engine) Active(ctx context.Context, taskID string) (*persistence.Delegation, error) {
	return e.store.ActiveDelegationForTask(ctx, taskID)
}

// BubbleCompletion walks the task's delegation history most-recent-first
// and completes every still-active hop, carrying the result. Already
// terminal hops are skipped, so repeated calls complete nothing new. The
// number of hops completed is returned; partial progress is kept when ctx
// is cancelled mid-walk.
func (e *Engine) BubbleCompletion(ctx context.Context, taskID, result string) (int, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	chain, err := e.store.DelegationChain(ctx, taskID)
	if err != nil {
		return 0, err
	}

	completed := 0
	for i := len(chain) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		d := chain[i]
		if !d.Status.Active() {
			continue
		}
		rows, err := e.store.UpdateDelegationStatus(ctx, d.ID, persistence.DelegationCompleted,
			result, "", persistence.DelegationPending, persistence.DelegationAccepted)
		if err != nil {
			return completed, err
		}
		if rows == 0 {
			continue
		}
		completed++
		e.publish(ctx, bus.TopicDelegationCompleted, d, "")
	}
	if completed > 0 {
		e.logger.Info("completion bubbled", "task", taskID, "hops", completed)
	}
	return completed, nil
}

// rollbackOwnership returns the task to the delegation's source. A conflict
// means ownership already moved on; that is logged, not surfaced.
func (e *Engine) rollbackOwnership(ctx context.Context, d *persistence.Delegation) {
	err := e.store.AssignTask(ctx, d.TaskID, d.SourceID, &d.TargetID)
	if err != nil && !errors.Is(err, hoppererr.ErrConflict) {
		e.logger.Error("ownership rollback failed", "task", d.TaskID, "delegation", d.ID, "error", err)
		return
	}
	if errors.Is(err, hoppererr.ErrConflict) {
		e.logger.Warn("ownership moved before rollback", "task", d.TaskID, "delegation", d.ID)
	}
}

// transitionConflict turns a zero-row guarded update into a typed error
// carrying the delegation's current status.
func (e *Engine) transitionConflict(ctx context.Context, delegationID, attempted string) error {
	d, err := e.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	return hoppererr.InvalidTransition("delegation", string(d.Status), attempted)
}

func (e *Engine) publish(ctx context.Context, topic string, d *persistence.Delegation, reason string) {
	status := d.Status
	switch topic {
	case bus.TopicDelegationAccepted:
		status = persistence.DelegationAccepted
	case bus.TopicDelegationRejected:
		status = persistence.DelegationRejected
	case bus.TopicDelegationCompleted:
		status = persistence.DelegationCompleted
	case bus.TopicDelegationCancelled:
		status = persistence.DelegationCancelled
	case bus.TopicDelegationCreated:
		status = persistence.DelegationPending
	}
	if e.metrics != nil {
		e.metrics.DelegationTransitions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("hopper.delegation.status", string(status))))
	}
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.DelegationEvent{
		DelegationID: d.ID,
		TaskID:       d.TaskID,
		SourceID:     d.SourceID,
		TargetID:     d.TargetID,
		Status:       string(status),
		Reason:       reason,
	})
}
