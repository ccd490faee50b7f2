// Package hostlink implements the bridge's binary host protocol.
//
// Ownership boundary:
// - [type u8][len u8][payload] framing with byte-level resync
// - INFO, STATS, RX_PACKET, ERROR and DEBUG_LOG encodings
// - command dispatch onto the relay control loop
// - TCP transport with per-client outboxes
//
// Multi-byte integers are little-endian.
package hostlink
