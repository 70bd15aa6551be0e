package lcn

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/mqtt"
)

// MQTT message types exchanged between Gray Logic Core and the LCN bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "lcn"

// CommandMessage is sent from Core to the bridge to act on a module.
// Topic: graylogic/command/lcn/{gateway}.{module}
type CommandMessage struct {
	// ID correlates acknowledgements. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Command is one of "refresh", "dim", "relays", "set_variable", "raw".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"output": 1, "level": 50, "ramp": 4} for dim
	//   {"pattern": "10T-----"} for relays
	//   {"variable": "var1", "value": 215} for set_variable
	//   {"category": "output", "output": 2} for refresh
	//   {"pck": "A1DI100000", "ack": true} for raw
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted means the command was executed, or acknowledged by the
	// module when it asked for an acknowledgement.
	AckAccepted AckStatus = "accepted"

	// AckQueued means the command waits for the module's acknowledgement.
	// A second ack with the final status follows.
	AckQueued AckStatus = "queued"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout means the module never acknowledged the command.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/lcn/{gateway}.{module}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retries int    `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeModuleRejected    = "MODULE_REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeValueUnknown      = "VALUE_UNKNOWN"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from the bridge to Core for every status received.
// Topic: graylogic/state/lcn/{gateway}.{module}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Timestamp time.Time      `json:"timestamp"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
	Category  string         `json:"category"`
	State     map[string]any `json:"state"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge and every gateway connection.
// Topic: graylogic/health/lcn
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string          `json:"bridge"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         HealthStatus    `json:"status"`
	Version        string          `json:"version,omitempty"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	Gateways       []GatewayHealth `json:"gateways,omitempty"`
	ModulesManaged int             `json:"modules_managed"`
	Reason         string          `json:"reason,omitempty"`

	// BrokerDisconnects counts MQTT connection losses since start.
	BrokerDisconnects uint64 `json:"broker_disconnects"`
}

// GatewayHealth describes one gateway connection.
type GatewayHealth struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	Online          bool   `json:"online"`
	Modules         int    `json:"modules"`
	FramesSent      uint64 `json:"frames_sent"`
	LinesReceived   uint64 `json:"lines_received"`
	LinesIgnored    uint64 `json:"lines_ignored"`
	OfflineDropped  uint64 `json:"offline_dropped"`
	Reconnects      uint64 `json:"reconnects"`
	DroppedCommands uint64 `json:"dropped_commands"`
	FailedRequests  uint64 `json:"failed_requests"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(commandID, address string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(commandID, address, code, message string, retries int) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(commandID, address, status)
	ack.Error = &AckError{Code: code, Message: message, Retries: retries}
	return ack
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// stateFromMessage flattens a decoded status into its category and a
// state map for MQTT and the time-series store.
func stateFromMessage(msg pck.Message) (string, map[string]any) {
	switch v := msg.(type) {
	case pck.SerialNumber:
		return CategoryFirmware.String(), map[string]any{
			"serial":        v.Serial,
			"manufacturer":  v.Manufacturer,
			"firmware":      v.Firmware.String(),
			"hardware_type": v.HardwareType,
		}
	case pck.OutputStatus:
		return CategoryOutput.String(), map[string]any{
			fmt.Sprintf("output%d", v.Output): v.Percent,
		}
	case pck.RelaysStatus:
		return CategoryRelays.String(), bitsState("relay", v.States[:])
	case pck.BinarySensorsStatus:
		return CategoryBinarySensors.String(), bitsState("binary_sensor", v.States[:])
	case pck.VariableStatus:
		return CategoryVariable.String(), map[string]any{v.Variable.String(): v.Value}
	case pck.LedsAndLogicStatus:
		return CategoryLedsAndLogic.String(), map[string]any{"leds": v.LEDs, "logic": v.Logic}
	case pck.KeyLocksStatus:
		state := make(map[string]any, len(v.Tables))
		for i, t := range v.Tables {
			state[fmt.Sprintf("key_table_%c", 'a'+i)] = int(t)
		}
		return CategoryKeyLocks.String(), state
	}
	return "", nil
}

func bitsState(prefix string, bits []bool) map[string]any {
	state := make(map[string]any, len(bits))
	for i, on := range bits {
		state[fmt.Sprintf("%s%d", prefix, i+1)] = on
	}
	return state
}

// Topic helpers

// TopicAddress joins a gateway ID and module address, e.g. "pchk1.S000M005".
func TopicAddress(gateway string, addr pck.ModuleAddress) string {
	return gateway + "." + addr.String()
}

// ParseTopicAddress splits a topic address produced by TopicAddress.
func ParseTopicAddress(s string) (string, pck.ModuleAddress, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 {
		return "", pck.ModuleAddress{}, fmt.Errorf("%w: topic address %q", pck.ErrInvalidAddress, s)
	}
	addr, err := pck.ParseModuleAddress(s[i+1:])
	if err != nil {
		return "", pck.ModuleAddress{}, err
	}
	return s[:i], addr, nil
}

// CommandTopic returns the command topic of a module.
// Example: graylogic/command/lcn/pchk1.S000M005
func CommandTopic(address string) string {
	return mqtt.Topics{}.BridgeCommand(Protocol, address)
}

// AckTopic returns the acknowledgement topic of a module.
func AckTopic(address string) string {
	return mqtt.Topics{}.BridgeAck(Protocol, address)
}

// StateTopic returns the state topic of a module.
func StateTopic(address string) string {
	return mqtt.Topics{}.BridgeState(Protocol, address)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return mqtt.Topics{}.BridgeHealth(Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return mqtt.Topics{}.BridgeCommands(Protocol)
}
