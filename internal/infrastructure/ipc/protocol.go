// Package ipc implements the Orchestrator's Worker IPC transport (spec
// §4.6): newline-delimited JSON objects over a worker subprocess's
// stdin/stdout, adapted from the teacher's sideload plugin transport
// (internal/infrastructure/sideload/{protocol,transport_stdio,module}.go).
// Unlike sideload's JSON-RPC 2.0 envelope (built for provider/tool-capable
// plugins with request/response method dispatch), the Orchestrator's wire
// protocol is a flatter, purpose-built message-type vocabulary matching
// spec §4.6 exactly: parent->worker {init,task,command,ping,
// status-request,shutdown}, worker->parent {ready,task-started,
// task-completed,task-failed,status,pong,log,error}.
package ipc

import "time"

// MessageType enumerates every message the parent<->worker channel carries.
type MessageType string

const (
	// Parent -> worker
	MsgInit          MessageType = "init"
	MsgTask          MessageType = "task"
	MsgCommand       MessageType = "command"
	MsgPing          MessageType = "ping"
	MsgStatusRequest MessageType = "status-request"
	MsgShutdown      MessageType = "shutdown"

	// Worker -> parent
	MsgReady         MessageType = "ready"
	MsgTaskStarted   MessageType = "task-started"
	MsgTaskCompleted MessageType = "task-completed"
	MsgTaskFailed    MessageType = "task-failed"
	MsgStatus        MessageType = "status"
	MsgPong          MessageType = "pong"
	MsgLog           MessageType = "log"
	MsgError         MessageType = "error"
)

// Message is the single envelope both directions use. Payload carries
// type-specific fields; the sender stamps Type and ID (TaskID when
// applicable) and the receiver dispatches purely on Type.
type Message struct {
	Type      MessageType            `json:"type"`
	TaskID    string                 `json:"taskId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// InitPayload keys (parent -> worker, MsgInit).
const (
	InitKeyAgentID       = "agentId"
	InitKeyDataDir       = "dataDir"
	InitKeyCapabilities  = "capabilities"
	InitKeySpawnDepth    = "spawnDepth"
	InitKeyParentAgentID = "parentAgentId"
)

// TaskPayload keys (parent -> worker, MsgTask).
const (
	TaskKeyDescription = "description"
	TaskKeyPriority    = "priority"
	TaskKeyLane        = "lane"
)

// CommandPayload keys (parent -> worker, MsgCommand).
const (
	CommandKeyName = "name"
	CommandKeyArgs = "args"
)

// StatusPayload keys (worker -> parent, MsgStatus).
const (
	StatusKeyState       = "state" // AgentWorkerStatus string
	StatusKeyCurrentTask = "currentTaskId"
)

// FailurePayload keys (worker -> parent, MsgTaskFailed / MsgError).
const (
	FailureKeyReason = "reason"
)

// NewMessage stamps Timestamp and constructs an envelope.
func NewMessage(t MessageType, taskID string, payload map[string]interface{}) Message {
	return Message{Type: t, TaskID: taskID, Timestamp: time.Now(), Payload: payload}
}
