package bus

// Task event topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCreated      = "task.created"
	TopicTaskCompleted    = "task.completed"
	TopicTaskCancelled    = "task.cancelled"
)

// Delegation event topics.
const (
	TopicDelegationCreated   = "delegation.created"
	TopicDelegationAccepted  = "delegation.accepted"
	TopicDelegationRejected  = "delegation.rejected"
	TopicDelegationCompleted = "delegation.completed"
	TopicDelegationCancelled = "delegation.cancelled"
)

// Routing and learning topics.
const (
	TopicRoutingDecision      = "routing.decision"
	TopicRoutingTimeout       = "routing.timeout"
	TopicPatternCreated       = "pattern.created"
	TopicPatternRefined       = "pattern.refined"
	TopicConsolidationRun     = "pattern.consolidation_run"
	TopicInstanceStateChanged = "instance.state_changed"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID     string // Task ID
	InstanceID string // Owning instance at the time of the change ("" if unassigned)
	OldStatus  string // Previous status (e.g. pending)
	NewStatus  string // New status (e.g. claimed)
}

// DelegationEvent is published on every delegation transition.
type DelegationEvent struct {
	DelegationID string // Delegation ID
	TaskID       string // Task being delegated
	SourceID     string // Source instance
	TargetID     string // Target instance
	Status       string // New delegation status
	Reason       string // Rejection reason, if any
}

// RoutingDecisionEvent is published when the router picks a target.
type RoutingDecisionEvent struct {
	TaskID     string  // Task routed
	TargetID   string  // Chosen instance ("" when routing failed)
	Strategy   string  // Strategy that produced the decision
	Confidence float64 // Decision confidence in [0,1]
}

// PatternEvent is published when consolidation creates or refines a pattern.
type PatternEvent struct {
	PatternID  string  // Pattern ID
	Name       string  // Auto-generated pattern name
	TargetID   string  // Target instance the pattern routes to
	Confidence float64 // Pattern confidence after the change
}

// InstanceStateChangedEvent is published when an instance's status changes.
type InstanceStateChangedEvent struct {
	InstanceID string // Instance ID
	OldStatus  string // Previous status
	NewStatus  string // New status
}
