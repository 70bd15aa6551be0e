package lcn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

const (
	// inventoryTimeout bounds a single inventory write.
	inventoryTimeout = 5 * time.Second

	// inventoryQueueSize is how many serial number replies may wait for
	// the inventory writer before new ones are dropped.
	inventoryQueueSize = 64
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription made with Subscribe.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// StatusRecorder stores numeric module values as time series.
// It is optional; *influxdb.Client satisfies it.
type StatusRecorder interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// InventoryStore remembers which modules answered and with which firmware.
// It is optional; *inventory.SQLiteRepository satisfies it.
type InventoryStore interface {
	UpsertModule(ctx context.Context, gateway, address, serial, firmware string, seen time.Time) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID names the bridge in health messages. Default: "lcn-bridge".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Registry holds the gateway connections.
	Registry *Registry

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// Recorder is an optional time-series sink.
	Recorder StatusRecorder

	// Inventory is an optional module inventory.
	Inventory InventoryStore

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge translates between MQTT and the LCN gateway connections. It is the
// Listener of every connection in its registry.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	registry  *Registry
	mqtt      MQTTClient
	health    *HealthReporter
	recorder  StatusRecorder
	inventory InventoryStore

	// inventoryCh feeds the inventory writer so a slow database never
	// stalls a gateway's read loop.
	inventoryCh chan moduleSighting
	wg          sync.WaitGroup

	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Connections must be created with the bridge
// as their Listener; call Start to subscribe to commands.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.MQTTClient == nil {
		return nil, errors.New("MQTT client is required")
	}
	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = "lcn-bridge"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		registry:  opts.Registry,
		mqtt:      opts.MQTTClient,
		recorder:  opts.Recorder,
		inventory: opts.Inventory,
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}
	if opts.Inventory != nil {
		b.inventoryCh = make(chan moduleSighting, inventoryQueueSize)
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Registry:  opts.Registry,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start subscribes to commands and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	if b.inventoryCh != nil {
		b.wg.Add(1)
		go b.inventoryLoop()
	}
	b.health.Start(ctx)
	b.logInfo("bridge started", "gateways", b.registry.Len())
	return nil
}

// Stop unsubscribes from commands, writes the queued inventory updates and
// shuts the bridge down. Connections are owned by the caller.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.mqtt.IsConnected() {
			if err := b.mqtt.Unsubscribe(CommandSubscribeTopic()); err != nil {
				b.logError("failed to unsubscribe from commands", err)
			}
		}
		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// OnBrokerConnectionLost records an MQTT connection loss for health
// reporting. The broker publishes the LWT meanwhile.
func (b *Bridge) OnBrokerConnectionLost(err error) {
	b.health.RecordBrokerDisconnect()
	b.logInfo("MQTT connection lost, commands paused", "error", err)
}

// OnBrokerReconnected republishes health, replacing the retained LWT the
// broker sent while the bridge was away.
func (b *Bridge) OnBrokerReconnected() {
	b.logInfo("MQTT reconnected")
	b.publishHealth()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// OnOnline implements Listener.
func (b *Bridge) OnOnline(gateway string) {
	b.logInfo("gateway online", "gateway", gateway)
	b.publishHealth()
}

// OnOffline implements Listener.
func (b *Bridge) OnOffline(gateway, reason string) {
	b.logInfo("gateway offline", "gateway", gateway, "reason", reason)
	b.publishHealth()
}

// OnStatus implements Listener. It publishes the retained state, records
// numeric values and updates the inventory on serial number replies.
func (b *Bridge) OnStatus(gateway string, msg pck.Message) {
	category, state := stateFromMessage(msg)
	if state == nil {
		return
	}
	address := TopicAddress(gateway, msg.Address())
	now := time.Now().UTC()

	payload, err := json.Marshal(StateMessage{
		Timestamp: now,
		Protocol:  Protocol,
		Address:   address,
		Category:  category,
		State:     state,
	})
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(address), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	b.record(gateway, msg.Address(), category, state, now)

	if sn, ok := msg.(pck.SerialNumber); ok && b.inventoryCh != nil {
		b.queueSighting(moduleSighting{
			gateway:  gateway,
			address:  msg.Address().String(),
			serial:   sn.Serial,
			firmware: sn.Firmware.String(),
			seen:     now,
		})
	}
}

// moduleSighting is a serial number reply waiting for the inventory.
type moduleSighting struct {
	gateway, address, serial, firmware string
	seen                               time.Time
}

func (b *Bridge) queueSighting(s moduleSighting) {
	select {
	case b.inventoryCh <- s:
	default:
		b.logWarn("inventory queue full, dropping update", "gateway", s.gateway, "module", s.address)
	}
}

// inventoryLoop writes sightings until Stop, then drains what is queued.
func (b *Bridge) inventoryLoop() {
	defer b.wg.Done()
	for {
		select {
		case s := <-b.inventoryCh:
			b.storeSighting(s)
		case <-b.ctx.Done():
			for {
				select {
				case s := <-b.inventoryCh:
					b.storeSighting(s)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) storeSighting(s moduleSighting) {
	ctx, cancel := context.WithTimeout(context.Background(), inventoryTimeout)
	defer cancel()
	if err := b.inventory.UpsertModule(ctx, s.gateway, s.address, s.serial, s.firmware, s.seen); err != nil {
		b.logError("failed to update module inventory", err)
	}
}

// record writes the numeric fields of a state to the time-series store.
func (b *Bridge) record(gateway string, addr pck.ModuleAddress, category string, state map[string]any, ts time.Time) {
	if b.recorder == nil {
		return
	}
	fields := make(map[string]interface{}, len(state))
	for k, v := range state {
		switch n := v.(type) {
		case float64:
			fields[k] = n
		case int64:
			fields[k] = n
		case int:
			fields[k] = int64(n)
		case bool:
			fields[k] = n
		}
	}
	if len(fields) == 0 {
		return
	}
	b.recorder.WritePointWithTime("lcn_status", map[string]string{
		"gateway":  gateway,
		"module":   addr.String(),
		"category": category,
	}, fields, ts)
}

// OnCommandResult implements Listener.
func (b *Bridge) OnCommandResult(gateway string, addr pck.ModuleAddress, res CommandResult) {
	address := TopicAddress(gateway, addr)
	switch res.Outcome {
	case CommandAcked:
		b.publishAck(NewAckMessage(res.ID, address, AckAccepted))
	case CommandRejected:
		b.publishAck(NewAckError(res.ID, address, ErrCodeModuleRejected,
			fmt.Sprintf("module answered with error code %d", res.Code), 0))
	case CommandDropped:
		retries := 0
		if c, ok := b.registry.Get(gateway); ok {
			retries = c.Settings().MaxRetries
		}
		b.publishAck(NewAckError(res.ID, address, ErrCodeTimeout, "no acknowledgement from module", retries))
	}
}

// handleMQTTMessage processes a command published to
// graylogic/command/lcn/{gateway}.{module}.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "command" {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}
	address := parts[3]

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(NewAckError("", address, ErrCodeInvalidCommand, "invalid JSON: "+err.Error(), 0))
		return
	}

	gateway, addr, err := ParseTopicAddress(address)
	if err != nil {
		b.publishAck(NewAckError(cmd.ID, address, ErrCodeInvalidParameters, err.Error(), 0))
		return
	}
	conn, ok := b.registry.Get(gateway)
	if !ok {
		b.publishAck(NewAckError(cmd.ID, address, ErrCodeNotConfigured,
			fmt.Sprintf("gateway %s not configured", gateway), 0))
		return
	}

	b.logDebug("received command", "command_id", cmd.ID, "command", cmd.Command, "address", address)

	id, queued, err := b.executeCommand(conn, addr, cmd)
	if err != nil {
		b.publishAck(NewAckError(cmd.ID, address, errorCode(err), err.Error(), 0))
		return
	}
	status := AckAccepted
	if queued {
		status = AckQueued
	}
	b.publishAck(NewAckMessage(id, address, status))
}

// executeCommand runs cmd and reports the command ID and whether a final
// acknowledgement will follow.
func (b *Bridge) executeCommand(conn *Connection, addr pck.ModuleAddress, cmd CommandMessage) (string, bool, error) {
	p := params(cmd.Parameters)

	switch cmd.Command {
	case "refresh":
		return cmd.ID, false, b.executeRefresh(conn, addr, p)

	case "dim":
		output, err := p.integer("output")
		if err != nil {
			return "", false, err
		}
		level, err := p.number("level")
		if err != nil {
			return "", false, err
		}
		ramp, err := p.optionalInteger("ramp", 0)
		if err != nil {
			return "", false, err
		}
		payload, err := pck.DimOutput(output, level, ramp)
		if err != nil {
			return "", false, err
		}
		id, err := conn.SendCommand(addr, Command{
			ID:       cmd.ID,
			Payload:  payload,
			WantsAck: true,
			Refresh:  []Target{{Category: CategoryOutput, Output: output}},
		})
		return id, true, err

	case "relays":
		pattern, err := p.text("pattern")
		if err != nil {
			return "", false, err
		}
		payload, err := pck.ControlRelays(pattern)
		if err != nil {
			return "", false, err
		}
		id, err := conn.SendCommand(addr, Command{
			ID:       cmd.ID,
			Payload:  payload,
			WantsAck: true,
			Refresh:  []Target{{Category: CategoryRelays}},
		})
		return id, true, err

	case "set_variable":
		name, err := p.text("variable")
		if err != nil {
			return "", false, err
		}
		v, err := pck.ParseVariable(name)
		if err != nil {
			return "", false, err
		}
		value, err := p.integer("value")
		if err != nil {
			return "", false, err
		}
		id, err := conn.SetVariable(addr, v, int64(value), cmd.ID)
		return id, true, err

	case "raw":
		payload, err := p.text("pck")
		if err != nil {
			return "", false, err
		}
		wantsAck, err := p.optionalFlag("ack", false)
		if err != nil {
			return "", false, err
		}
		id, err := conn.SendCommand(addr, Command{ID: cmd.ID, Payload: payload, WantsAck: wantsAck})
		return id, wantsAck, err
	}
	return "", false, fmt.Errorf("%w: unknown command %q", errInvalidCommand, cmd.Command)
}

func (b *Bridge) executeRefresh(conn *Connection, addr pck.ModuleAddress, p params) error {
	name, err := p.optionalText("category", "all")
	if err != nil {
		return err
	}
	if name == "all" {
		return conn.RefreshAll(addr)
	}
	category, err := ParseCategory(name)
	if err != nil {
		return err
	}

	t := Target{Category: category}
	switch category {
	case CategoryOutput:
		if t.Output, err = p.integer("output"); err != nil {
			return err
		}
	case CategoryVariable:
		v, err := p.text("variable")
		if err != nil {
			return err
		}
		if t.Variable, err = pck.ParseVariable(v); err != nil {
			return err
		}
	}
	return conn.Refresh(addr, t)
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.Address), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
	if ack.Error != nil {
		b.logInfo("command failed",
			"command_id", ack.CommandID, "address", ack.Address,
			"code", ack.Error.Code, "message", ack.Error.Message)
	}
}

func (b *Bridge) publishHealth() {
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// errInvalidCommand marks unknown command names.
var errInvalidCommand = errors.New("invalid command")

// errorCode maps an execution error to an ack error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrUnknownModule):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrValueUnknown), errors.Is(err, ErrUnknownVariable):
		return ErrCodeValueUnknown
	case errors.Is(err, errMissingParameter),
		errors.Is(err, pck.ErrInvalidValue),
		errors.Is(err, pck.ErrUnsupported):
		return ErrCodeInvalidParameters
	}
	return ErrCodeBridgeError
}

// errMissingParameter marks absent or mistyped command parameters.
var errMissingParameter = errors.New("missing or invalid parameter")

// params reads typed values from decoded JSON parameters.
type params map[string]any

func (p params) number(key string) (float64, error) {
	v, ok := p[key].(float64)
	if !ok || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %s must be a number", errMissingParameter, key)
	}
	return v, nil
}

func (p params) integer(key string) (int, error) {
	v, err := p.number(key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %s must be an integer", errMissingParameter, key)
	}
	return int(v), nil
}

func (p params) optionalInteger(key string, def int) (int, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.integer(key)
}

func (p params) text(key string) (string, error) {
	v, ok := p[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", errMissingParameter, key)
	}
	return v, nil
}

func (p params) optionalText(key, def string) (string, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.text(key)
}

func (p params) optionalFlag(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", errMissingParameter, key)
	}
	return v, nil
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// Ensure Bridge implements Listener.
var _ Listener = (*Bridge)(nil)
