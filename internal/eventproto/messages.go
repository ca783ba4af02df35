// Package eventproto defines the messages streamed to web clients while a
// run is in progress. Messages flow over SSE and WebSocket connections.
package eventproto

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Server -> client messages

// StateMessage reports a phase change
type StateMessage struct {
	Phase domain.RunPhase `json:"phase"`
}

// ProgressMessage carries a progress snapshot
type ProgressMessage struct {
	progress.Progress
	Percentage float64 `json:"percentage"`
}

// TestMessage reports a test starting, or finishing when Outcome is set
type TestMessage struct {
	ID      string         `json:"id"`
	Outcome domain.Outcome `json:"outcome,omitempty"`
}

// OutputMessage is one line of tool output
type OutputMessage struct {
	Line string `json:"line"`
}

// DiagnosticMessage reports a non-fatal problem
type DiagnosticMessage struct {
	Message string `json:"message"`
}

// RunStartedMessage is sent when a process was launched
type RunStartedMessage struct {
	RunID     string    `json:"run_id"`
	Args      []string  `json:"args"`
	Paths     []string  `json:"paths,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// RunFinishedMessage is sent when a run ended
type RunFinishedMessage struct {
	RunID      string            `json:"run_id"`
	Phase      domain.RunPhase   `json:"phase"`
	ExitCode   int               `json:"exit_code"`
	Progress   progress.Progress `json:"progress"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Client -> server messages

// StartMessage requests a run
type StartMessage struct {
	Paths     []string          `json:"paths,omitempty"`
	Markers   []string          `json:"markers,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Message type constants
const (
	TypeState       = "state"
	TypeProgress    = "progress"
	TypeTestStarted = "test_started"
	TypeTestResult  = "test_result"
	TypeOutput      = "output"
	TypeDiagnostic  = "diagnostic"
	TypeRunStarted  = "run_started"
	TypeRunFinished = "run_finished"
	TypeStart       = "start"
	TypeStop        = "stop"
	TypePing        = "ping"
	TypePong        = "pong"
)
