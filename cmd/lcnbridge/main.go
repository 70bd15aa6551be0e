// Gray Logic LCN bridge.
//
// lcnbridge keeps one connection per configured PCK gateway (PCHK over TCP
// or a serial coupler), polls the configured LCN modules and translates
// between the bus and Gray Logic's MQTT topics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn"
	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-lcn/internal/inventory"
	"github.com/nerrad567/gray-logic-lcn/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	bridgeID          = "lcn-bridge"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting LCN bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if !cfg.Protocols.LCN.Enabled {
		log.Info("LCN bridge disabled in configuration, exiting")
		return nil
	}

	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "migrations_applied", applied)

	inv := inventory.NewSQLiteRepository(db.DB)
	known, err := inv.ListModules(ctx)
	if err != nil {
		return fmt.Errorf("reading module inventory: %w", err)
	}
	log.Info("module inventory loaded", "modules", len(known))
	for _, m := range unconfiguredModules(known, cfg.Protocols.LCN.Gateways) {
		log.Warn("module seen on the bus is not configured",
			"gateway", m.Gateway,
			"module", m.Address,
			"serial", m.Serial,
			"last_seen", m.LastSeen,
		)
	}

	lwt, err := json.Marshal(lcn.NewLWTMessage(bridgeID))
	if err != nil {
		return fmt.Errorf("encoding LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(mqtt.Topics{}.BridgeHealth(lcn.Protocol), lwt),
		mqtt.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	registry := lcn.NewRegistry()
	opts := lcn.BridgeOptions{
		BridgeID:       bridgeID,
		Version:        version,
		Registry:       registry,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		HealthInterval: cfg.Protocols.LCN.HealthPeriod(),
		Inventory:      inv,
		Logger:         log.With("component", "lcn-bridge"),
	}
	if influxClient != nil {
		opts.Recorder = influxClient
	}
	bridge, err := lcn.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating LCN bridge: %w", err)
	}
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.OnBrokerReconnected()
	})
	mqttClient.SetOnDisconnect(bridge.OnBrokerConnectionLost)

	for _, gw := range cfg.Protocols.LCN.Gateways {
		conn, connErr := newGatewayConnection(gw, bridge, log)
		if connErr != nil {
			return connErr
		}
		if addErr := registry.Add(conn); addErr != nil {
			return addErr
		}
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting LCN bridge: %w", err)
	}
	defer func() {
		log.Info("stopping LCN bridge")
		bridge.Stop()
	}()

	var wg sync.WaitGroup
	registry.Range(func(conn *lcn.Connection) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runGateway(ctx, conn, log)
		}()
		return true
	})

	driver := lcn.NewDriver(registry, cfg.Protocols.LCN.TickInterval())
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(ctx)
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"gateways", registry.IDs(),
	)
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	registry.Range(func(conn *lcn.Connection) bool {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("error closing gateway", "gateway", conn.ID(), "error", closeErr)
		}
		return true
	})
	wg.Wait()

	log.Info("LCN bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux returns nil without error when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// unconfiguredModules returns the inventory entries whose module is not
// listed under its gateway in config.yaml. These are modules that answered
// on the bus in an earlier run and are now neither polled nor controllable.
func unconfiguredModules(known []inventory.Module, gateways []config.LCNGatewayConfig) []inventory.Module {
	configured := make(map[string]bool)
	for _, gw := range gateways {
		for _, s := range gw.Modules {
			if addr, err := pck.ParseModuleAddress(s); err == nil {
				configured[gw.ID+"/"+addr.String()] = true
			}
		}
	}

	var missing []inventory.Module
	for _, m := range known {
		if !configured[m.Gateway+"/"+m.Address] {
			missing = append(missing, m)
		}
	}
	return missing
}

// newGatewayConnection builds a connection for one configured gateway with
// its modules registered.
func newGatewayConnection(gw config.LCNGatewayConfig, listener lcn.Listener, log *logging.Logger) (*lcn.Connection, error) {
	conn, err := lcn.NewConnection(gatewayConnectionConfig(gw), listener)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", gw.ID, err)
	}
	conn.SetLogger(log.With("component", "lcn", "gateway", gw.ID))

	for _, s := range gw.Modules {
		addr, err := pck.ParseModuleAddress(s)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", gw.ID, err)
		}
		if err := conn.AddModule(addr); err != nil {
			return nil, fmt.Errorf("gateway %s: %w", gw.ID, err)
		}
	}
	return conn, nil
}

// gatewayConnectionConfig converts a gateway entry of config.yaml. Zero
// durations fall back to the lcn package defaults.
func gatewayConnectionConfig(gw config.LCNGatewayConfig) lcn.ConnectionConfig {
	return lcn.ConnectionConfig{
		ID:       gw.ID,
		URL:      gw.Connection,
		Username: gw.Username,
		Password: gw.Password,
		Settings: lcn.Settings{
			ConnectionTimeout: gw.ConnectionTimeout(),
			RequestTimeout:    gw.RequestTimeout(),
			MaxRetries:        gw.MaxRetries,
			PollIntervalFast:  gw.PollIntervalFast(),
			PollIntervalSlow:  gw.PollIntervalSlow(),
		},
		ReconnectInterval: gw.ReconnectInterval(),
	}
}

// runGateway runs one connection until shutdown. A licence error stops only
// that gateway; the others keep running.
func runGateway(ctx context.Context, conn *lcn.Connection, log *logging.Logger) {
	err := conn.Run(ctx)
	switch {
	case errors.Is(err, lcn.ErrInsufficientLicenses):
		log.Error("gateway refused connection, not reconnecting",
			"gateway", conn.ID(),
			"error", err,
		)
	case err != nil:
		log.Error("gateway stopped", "gateway", conn.ID(), "error", err)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to lcn.MQTTClient.
// The infrastructure handlers return an error; the bridge handlers do not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements lcn.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements lcn.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements lcn.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements lcn.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
