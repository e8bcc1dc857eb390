// Package cryptology is a client for the Cryptology trading WebSocket
// protocol.
//
// A session is a single authenticated connection. After the handshake the
// client assigns strictly increasing sequence ids to outbound messages,
// keeps at most one send in flight, honours server throttling signals and
// classifies every inbound frame into a data message, a throttle signal or
// a typed *Error. Run drives a whole session: it dials, authenticates and
// runs the caller's writer next to the receive loop until either fails.
package cryptology
