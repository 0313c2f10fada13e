package entity

import "errors"

var (
	// Agent errors
	ErrInvalidAgentID      = errors.New("invalid agent id")
	ErrInvalidAgentName    = errors.New("invalid agent name")
	ErrSkillAlreadyExists  = errors.New("skill already exists")
	ErrSkillNotFound       = errors.New("skill not found")

	// Message errors
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")

	// Skill errors
	ErrInvalidSkillID   = errors.New("invalid skill id")
	ErrInvalidSkillName = errors.New("invalid skill name")

	// Conversation errors
	ErrInvalidChannelID = errors.New("invalid channel id")

	// Action errors
	ErrActionNotFound      = errors.New("action not found")
	ErrActionNotInProgress = errors.New("action not in-progress")
	ErrActionTerminal      = errors.New("action already terminal")

	// DelegatedTask errors
	ErrTaskNotFound    = errors.New("delegated task not found")
	ErrTaskNotPending  = errors.New("delegated task not pending")
	ErrTaskNotAssigned = errors.New("delegated task not assigned to this worker")

	// Worker/AgentInstance errors
	ErrWorkerNotFound     = errors.New("worker not found")
	ErrWorkerNotIdle      = errors.New("worker not idle")
	ErrWorkerTerminated   = errors.New("worker already terminated")
	ErrPrimaryNotTerminable = errors.New("the primary instance cannot be terminated")
	ErrMaxSpawnDepth      = errors.New("maximum spawn depth exceeded")

	// Schedule errors
	ErrScheduleNotFound = errors.New("schedule entry not found")

	// Instance lock errors
	ErrInstanceAlreadyRunning = errors.New("another instance is already running")
)
