package protocol

import (
	"encoding/json"
	"time"
)

// Event names carried on push channels and subscriber streams.
const (
	EventReady     = "ready"
	EventJob       = "job"
	EventLog       = "log"
	EventComplete  = "complete"
	EventJobStatus = "jobStatus"
)

// Log levels sent with {action:"log"}.
const (
	LogInfo   = "info"
	LogWarn   = "warn"
	LogError  = "error"
	LogStdout = "stdout"
	LogStderr = "stderr"
)

// Envelope is one named event on a websocket stream.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// JobEvent is what the agent receives for every dispatched job.
type JobEvent struct {
	JobID     string          `json:"jobId"`
	Type      JobType         `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type ReadyEvent struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agentId,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

type LogEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

type CompleteEvent struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

type JobStatusEvent struct {
	JobID      string     `json:"jobId"`
	ProjectID  string     `json:"projectId,omitempty"`
	AgentID    string     `json:"agentId"`
	Type       JobType    `json:"type"`
	Status     JobStatus  `json:"status"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Actions multiplexed on POST /deploymentAgents and POST /jobs.
const (
	ActionHandshake = "handshake"
	ActionHeartbeat = "heartbeat"
	ActionReport    = "report"
	ActionLog       = "log"
	ActionDispatch  = "dispatch"
)

type HandshakeRequest struct {
	Action   string `json:"action"`
	AgentID  string `json:"agentId"`
	Token    string `json:"token"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
}

type HandshakeResponse struct {
	OK                  bool   `json:"ok"`
	ServerURL           string `json:"serverUrl"`
	PushChannelURL      string `json:"pushChannelUrl"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

type HeartbeatRequest struct {
	Action  string `json:"action"`
	AgentID string `json:"agentId"`
	Token   string `json:"token,omitempty"`
}

type HeartbeatResponse struct {
	OK         bool      `json:"ok"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type ReportRequest struct {
	Action     string     `json:"action"`
	JobID      string     `json:"jobId"`
	Status     string     `json:"status,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type LogRequest struct {
	Action  string `json:"action"`
	JobID   string `json:"jobId"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// Response is the JSON envelope of every HTTP response.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}
