package valueobject

// Lane separates user-initiated work from autonomous (heartbeat/schedule)
// work for the purpose of safety gating.
type Lane string

const (
	LaneUser     Lane = "user"
	LaneAutonomy Lane = "autonomy"
)

// ActionStatus is the lifecycle state of a queued Action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionWaiting    ActionStatus = "waiting"
	ActionInProgress ActionStatus = "in-progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// Complexity is the DecisionLoop's classification of a task, driving its
// step and message budgets.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// IdleSeverity tiers the Heartbeat Generator's framing of how long the
// dispatcher has been idle.
type IdleSeverity string

const (
	IdleLow      IdleSeverity = "low"
	IdleModerate IdleSeverity = "moderate"
	IdleHigh     IdleSeverity = "high"
)

// DelegatedTaskStatus is the lifecycle state of an Orchestrator-level task.
type DelegatedTaskStatus string

const (
	TaskPending    DelegatedTaskStatus = "pending"
	TaskAssigned   DelegatedTaskStatus = "assigned"
	TaskInProgress DelegatedTaskStatus = "in-progress"
	TaskCompleted  DelegatedTaskStatus = "completed"
	TaskFailed     DelegatedTaskStatus = "failed"
)

// AgentWorkerStatus is the lifecycle state of an orchestrator worker.
type AgentWorkerStatus string

const (
	WorkerIdle       AgentWorkerStatus = "idle"
	WorkerWorking    AgentWorkerStatus = "working"
	WorkerPaused     AgentWorkerStatus = "paused"
	WorkerTerminated AgentWorkerStatus = "terminated"
)

// ScheduleKind distinguishes recurring heartbeat schedules from one-off
// fire-once-and-delete schedules.
type ScheduleKind string

const (
	ScheduleOneOff    ScheduleKind = "oneoff"
	ScheduleHeartbeat ScheduleKind = "heartbeat"
)
