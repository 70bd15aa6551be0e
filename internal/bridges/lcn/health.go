package lcn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultHealthInterval is how often health is published.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration // Default: 30 seconds
	Publisher HealthPublisher
	Registry  *Registry
}

// HealthReporter publishes the bridge and gateway status to MQTT at
// regular intervals.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	registry  *Registry

	brokerDisconnects atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter. Call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		registry:  cfg.Registry,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is done or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// RecordBrokerDisconnect counts an MQTT connection loss.
func (h *HealthReporter) RecordBrokerDisconnect() {
	h.brokerDisconnects.Add(1)
}

// GetLWTPayload returns the Last Will and Testament message payload.
func (h *HealthReporter) GetLWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus is unhealthy when no gateway is online and degraded when
// MQTT or some gateways are down.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.registry == nil || h.registry.Len() == 0 {
		return HealthHealthy, ""
	}

	var offline []string
	for _, id := range h.registry.IDs() {
		if c, ok := h.registry.Get(id); ok && !c.IsOnline() {
			offline = append(offline, id)
		}
	}
	switch {
	case len(offline) == 0:
		return HealthHealthy, ""
	case len(offline) == h.registry.Len():
		return HealthUnhealthy, "no gateway online"
	default:
		return HealthDegraded, fmt.Sprintf("gateways offline: %v", offline)
	}
}

// buildMessage collects per-gateway statistics.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        h.bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,

		BrokerDisconnects: h.brokerDisconnects.Load(),
	}
	if h.registry == nil {
		return msg
	}

	for _, id := range h.registry.IDs() {
		c, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		stats := c.Stats()
		gw := GatewayHealth{
			ID:             id,
			State:          stats.State,
			Online:         stats.Online,
			Modules:        stats.Modules,
			FramesSent:     stats.FramesTx,
			LinesReceived:  stats.LinesRx,
			LinesIgnored:   stats.LinesIgnored,
			OfflineDropped: stats.OfflineDropped,
			Reconnects:     stats.Reconnects,
		}
		for _, m := range c.Modules() {
			gw.DroppedCommands += m.DroppedCommands
			gw.FailedRequests += m.FailedRequests
		}
		msg.ModulesManaged += stats.Modules
		msg.Gateways = append(msg.Gateways, gw)
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
