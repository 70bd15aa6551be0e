// Package lcn implements the LCN protocol bridge for Gray Logic.
//
// This package keeps a connection to one or more LCN-PCHK gateways (or PCK
// serial couplers), polls every configured bus module and translates between
// the bus and Gray Logic's MQTT topics.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   TCP/serial  ┌─────────┐
//	│   Gray Logic    │   MQTT   │   LCN Bridge    │◄─────────────►│  PCHK   │◄──► LCN Bus
//	│      Core       │◄────────►│   (this pkg)    │      PCK      └─────────┘
//	└─────────────────┘          └─────────────────┘
//
// # Components
//
//   - Connection: one per gateway. A small state machine (connecting,
//     handshake, wait for bus, active, failed, shutdown) owns the transport
//     and the module map behind a single mutex.
//   - Module: per-module scheduler. One RequestStatus per status category,
//     polled in a fixed priority order, at most one frame per tick.
//   - CommandQueue: acknowledged commands, strictly FIFO per module, retried
//     on timeout and dropped with a warning when retries run out.
//   - Driver: ticks every connection in the Registry.
//   - Bridge: the MQTT side, and the Listener of every connection.
//
// # Addresses
//
// Modules are addressed by segment and module ID. MQTT topics join the
// gateway ID and the module address:
//
//	graylogic/state/lcn/pchk1.S000M005
//
// The wire codec lives in the pck subpackage.
//
// # Thread Safety
//
// Connection, Registry, Driver and Bridge are safe for concurrent use.
// Module, RequestStatus and CommandQueue are not; a Connection serialises
// access to the ones it owns.
package lcn
