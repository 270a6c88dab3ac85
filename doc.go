// Package osdp implements the Open Supervised Device Protocol: a
// bidirectional, half-duplex, serial-framed command/reply protocol
// between a Control Panel (CP) and one or more Peripheral Devices
// (PDs), with an optional Secure Channel and Transparent Reader Support
// (TRS) APDU tunneling.
//
// The wire codec, secure channel, command queue, and the CP/PD state
// machines live in their own subpackages (wire, secure, cmdqueue,
// cpphy, cpapp, pdfsm, trs, channel, pd, proto); Context here wires
// them together into a single cooperatively-ticked engine driven from
// a loaded config.Config.
package osdp
