// Package mqtt provides MQTT client connectivity for the LCN bridge.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// The bridge publishes module state and command acknowledgements and
// subscribes to graylogic/command/lcn/+. Gray Logic Core consumes those
// topics on the other side of the broker:
//
//	PCK gateways ↔ lcnbridge ↔ MQTT broker ↔ Gray Logic Core
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Topics{}.BridgeHealth("lcn"), lwt),
//	    mqtt.WithLogger(log),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Tests that need a broker carry the integration build tag and expect
// Mosquitto at 127.0.0.1:1883.
package mqtt
