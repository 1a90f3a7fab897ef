package instance

import (
	"context"
	"fmt"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
)

// Action is what an instance decides to do with an incoming task.
type Action string

const (
	ActionQueue    Action = "queue"
	ActionDelegate Action = "delegate"
)

// Decision is the outcome of handle-incoming. Rejections are expressed as
// typed errors, not decisions, so adapters can map them to status codes.
type Decision struct {
	Action     Action
	TargetID   string // set when Action is delegate
	Confidence float64
	Strategy   string
	Reasoning  string
}

// Behavior is the scope-dependent policy of an instance. One implementation
// exists per scope family; dispatch is a single switch in the registry.
type Behavior interface {
	HandleIncoming(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (Decision, error)
	ShouldDelegate(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (bool, error)
	FindDelegationTarget(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (*persistence.Instance, error)
	OnTaskCompleted(ctx context.Context, inst *persistence.Instance, task *persistence.Task) error
	TaskQueue(ctx context.Context, inst *persistence.Instance, limit int) ([]*persistence.Task, error)
}

// base carries the store and router every behavior needs.
type base struct {
	store  *persistence.Store
	router *routing.Router
}

func (b base) OnTaskCompleted(ctx context.Context, inst *persistence.Instance, task *persistence.Task) error {
	return nil
}

func (b base) TaskQueue(ctx context.Context, inst *persistence.Instance, limit int) ([]*persistence.Task, error) {
	return b.store.QueuedTasks(ctx, inst.ID, limit)
}

// globalBehavior never executes tasks; it routes every incoming task to a
// project-scope child. Federated instances share it.
type globalBehavior struct {
	base
}

func (g globalBehavior) ShouldDelegate(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (bool, error) {
	return true, nil
}

func (g globalBehavior) FindDelegationTarget(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (*persistence.Instance, error) {
	children, err := g.store.ChildInstancesByScope(ctx, inst.ID, persistence.ScopeProject)
	if err != nil {
		return nil, err
	}
	candidates := children[:0:0]
	for _, c := range children {
		if routing.CanDelegate(inst, c) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	res, err := g.router.ResolveTarget(ctx, task, inst, candidates)
	if err != nil {
		if hoppererr.IsUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	return g.store.GetInstance(ctx, res.TargetID)
}

func (g globalBehavior) HandleIncoming(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (Decision, error) {
	candidates, err := g.store.ChildInstancesByScope(ctx, inst.ID, persistence.ScopeProject)
	if err != nil {
		return Decision{}, err
	}
	routable := candidates[:0:0]
	for _, c := range candidates {
		if routing.CanDelegate(inst, c) {
			routable = append(routable, c)
		}
	}
	if len(routable) == 0 {
		return Decision{}, hoppererr.Unavailable("no project instance available")
	}
	res, err := g.router.ResolveTarget(ctx, task, inst, routable)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Action:     ActionDelegate,
		TargetID:   res.TargetID,
		Confidence: res.Confidence,
		Strategy:   res.Strategy,
		Reasoning:  res.Reasoning,
	}, nil
}

// TaskQueue on a global instance is always empty; it holds no work of its
// own.
func (g globalBehavior) TaskQueue(ctx context.Context, inst *persistence.Instance, limit int) ([]*persistence.Task, error) {
	return nil, nil
}

// projectBehavior handles tasks directly unless their complexity reaches
// the configured orchestration threshold, in which case it picks the least
// loaded orchestration child. Personal, family, and event instances reuse
// it with delegation switched off.
type projectBehavior struct {
	base
	delegates bool
}

func (p projectBehavior) ShouldDelegate(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (bool, error) {
	if !p.delegates {
		return false, nil
	}
	threshold := inst.ConfigInt("orchestration_threshold", 3)
	if routing.Complexity(task) < threshold {
		return false, nil
	}
	children, err := p.routableOrchestrations(ctx, inst)
	if err != nil {
		return false, err
	}
	if len(children) == 0 && !inst.ConfigBool("auto_create_orchestrations", false) {
		return false, nil
	}
	return len(children) > 0, nil
}

func (p projectBehavior) FindDelegationTarget(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (*persistence.Instance, error) {
	children, err := p.routableOrchestrations(ctx, inst)
	if err != nil {
		return nil, err
	}
	var best *persistence.Instance
	bestLoad := -1
	for _, c := range children {
		load, err := p.store.CountActiveTasks(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if best == nil || load < bestLoad || (load == bestLoad && c.ID < best.ID) {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

func (p projectBehavior) HandleIncoming(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (Decision, error) {
	delegate, err := p.ShouldDelegate(ctx, inst, task)
	if err != nil {
		return Decision{}, err
	}
	if delegate {
		target, err := p.FindDelegationTarget(ctx, inst, task)
		if err != nil {
			return Decision{}, err
		}
		if target != nil {
			return Decision{
				Action:    ActionDelegate,
				TargetID:  target.ID,
				Strategy:  routing.StrategyDefault,
				Reasoning: fmt.Sprintf("complexity %d reached orchestration threshold", routing.Complexity(task)),
			}, nil
		}
	}
	return Decision{Action: ActionQueue, Reasoning: "handled directly"}, nil
}

func (p projectBehavior) routableOrchestrations(ctx context.Context, inst *persistence.Instance) ([]*persistence.Instance, error) {
	children, err := p.store.ChildInstancesByScope(ctx, inst.ID, persistence.ScopeOrchestration)
	if err != nil {
		return nil, err
	}
	out := children[:0:0]
	for _, c := range children {
		if c.Status.Routable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// orchestrationBehavior is the leaf executor: it queues work up to
// max_concurrent_tasks and never delegates.
type orchestrationBehavior struct {
	base
}

const defaultMaxConcurrentTasks = 5

func (o orchestrationBehavior) ShouldDelegate(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (bool, error) {
	return false, nil
}

func (o orchestrationBehavior) FindDelegationTarget(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (*persistence.Instance, error) {
	return nil, nil
}

func (o orchestrationBehavior) HandleIncoming(ctx context.Context, inst *persistence.Instance, task *persistence.Task) (Decision, error) {
	active, err := o.store.CountActiveTasks(ctx, inst.ID)
	if err != nil {
		return Decision{}, err
	}
	max := inst.ConfigInt("max_concurrent_tasks", defaultMaxConcurrentTasks)
	if active >= max {
		return Decision{}, hoppererr.CapacityExceeded(inst.ID, active, max)
	}
	return Decision{Action: ActionQueue, Reasoning: fmt.Sprintf("queued (%d/%d active)", active, max)}, nil
}
