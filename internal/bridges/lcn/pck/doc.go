// Package pck encodes requests to and decodes replies from LCN bus modules
// in the PCK text protocol spoken by LCN-PCHK and PCK serial couplers.
//
// Outgoing frames are built in two parts: a command body from one of the
// generator functions, and the address header added by Frame:
//
//	body, _ := pck.DimOutput(1, 50, 0)
//	frame := pck.Frame(addr, true, body) // ">M000005!A1DI050000"
//
// Incoming lines are decoded by Parse into typed messages.
package pck
