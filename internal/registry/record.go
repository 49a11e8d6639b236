// Package registry provides the persistence layer for inference-server
// records. One record is kept per server instance; records are never
// deleted by the lifecycle manager, only transitioned along the status
// state machine.
package registry

import (
	"encoding/json"
	"time"
)

// EngineType identifies the serving engine behind a record.
type EngineType string

const (
	EngineVLLM   EngineType = "vllm"
	EngineOllama EngineType = "ollama"
	EngineSimple EngineType = "simple"
)

// Valid reports whether the engine type is one of the known engines.
func (e EngineType) Valid() bool {
	switch e {
	case EngineVLLM, EngineOllama, EngineSimple:
		return true
	}
	return false
}

// Status is the lifecycle state of a server record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether the status is a terminal state. A record in a
// terminal state never becomes running again; a restart creates a new
// record with a new ID.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// ValidTransition reports whether moving from one status to another is
// allowed by the state machine. Writing the same status twice is allowed
// so that idempotent stops remain no-ops.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusStarting:
		return to == StatusRunning || to == StatusStopped || to == StatusError
	case StatusRunning:
		return to == StatusStopped || to == StatusError
	}
	// stopped and error are terminal
	return false
}

// ServerRecord is one row in the server registry.
//
// Owner scopes port and record visibility; the empty string is the
// shared/global scope. Port is 0 and ProcessID is absent for externally
// hosted servers that are not under local process management.
type ServerRecord struct {
	ID            string     `json:"id" db:"id"`
	Owner         string     `json:"owner,omitempty" db:"owner"`
	EngineType    EngineType `json:"engineType" db:"engine_type"`
	Name          string     `json:"name" db:"name"`
	ModelPath     string     `json:"modelPath" db:"model_path"`
	ModelName     string     `json:"modelName" db:"model_name"`
	TrainingJobID string     `json:"trainingJobId,omitempty" db:"training_job_id"`

	BaseURL string `json:"baseUrl" db:"base_url"`
	Port    int    `json:"port" db:"port"`

	// ProcessID is the process-group leader PID; 0 when the server is
	// externally hosted. Immutable once set.
	ProcessID int `json:"processId,omitempty" db:"process_id"`
	// ProcessStartUnix fingerprints the leader process by its OS start
	// time (Unix milliseconds) so that a reused PID is not mistaken for
	// a live server after a reboot.
	ProcessStartUnix int64 `json:"processStartUnix,omitempty" db:"process_start_unix"`

	Status Status `json:"status" db:"status"`
	// Config holds engine-specific parameters frozen at spawn time
	// (quantization, LoRA rank, adapter path, ...).
	Config map[string]interface{} `json:"config,omitempty" db:"config"`

	ErrorMessage    string     `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt       time.Time  `json:"startedAt" db:"started_at"`
	StoppedAt       *time.Time `json:"stoppedAt,omitempty" db:"stopped_at"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty" db:"last_health_check"`
}

// ConfigJSON renders the frozen engine config as JSON for storage.
func (r *ServerRecord) ConfigJSON() string {
	if len(r.Config) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Config)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Clone returns a deep-enough copy so callers cannot mutate stored state.
func (r *ServerRecord) Clone() *ServerRecord {
	cp := *r
	if r.Config != nil {
		cp.Config = make(map[string]interface{}, len(r.Config))
		for k, v := range r.Config {
			cp.Config[k] = v
		}
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		cp.StoppedAt = &t
	}
	if r.LastHealthCheck != nil {
		t := *r.LastHealthCheck
		cp.LastHealthCheck = &t
	}
	return &cp
}

// Update describes a partial update to a server record. Nil fields are
// left untouched.
type Update struct {
	Status          *Status
	ErrorMessage    *string
	StoppedAt       *time.Time
	LastHealthCheck *time.Time
	BaseURL         *string
}
