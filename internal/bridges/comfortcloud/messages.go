package comfortcloud

import (
	"time"
)

// MQTT message types exchanged with Gray Logic Core.

// CommandSet is the only command the bridge accepts: Parameters maps
// field names to new values.
const CommandSet = "set"

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/comfortcloud/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`

	// Command is "set".
	Command string `json:"command"`

	// Parameters holds field writes, e.g. {"mode": "heat", "target_temperature": 21.5}.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", "voice", "scene").
	Source string `json:"source"`
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted means every write was accepted for dispatch.
	AckAccepted AckStatus = "accepted"

	// AckFailed means at least one write was refused and nothing was
	// sent for it.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core for each command.
// Topic: graylogic/ack/comfortcloud/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
)

// StateMessage carries the canonical state.
// Topic: graylogic/state/comfortcloud/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID   string    `json:"device_id"`
	DeviceGUID string    `json:"device_guid,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	State      State     `json:"state"`
	Protocol   string    `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/comfortcloud
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Session       string            `json:"session"`
	DeviceGUID    string            `json:"device_guid,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// BridgeStatistics counts MQTT traffic handled by the bridge.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsRejected uint64 `json:"commands_rejected"`
	StatesPublished  uint64 `json:"states_published"`
	Errors           uint64 `json:"errors"`
}

// NewAckMessage builds an acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus, ackErr *AckError) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  protocolName,
		Error:     ackErr,
	}
}

// NewStateMessage wraps st for publishing.
func NewStateMessage(deviceID string, id DeviceIdentity, st State) StateMessage {
	return StateMessage{
		DeviceID:   deviceID,
		DeviceGUID: id.DeviceGUID,
		Timestamp:  time.Now().UTC(),
		State:      st,
		Protocol:   protocolName,
	}
}
