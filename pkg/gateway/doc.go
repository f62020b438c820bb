// Package gateway exposes job lifecycle events to external dashboards
// over a websocket broadcast channel. Clients are subscribe-only: after
// a challenge-response handshake they receive every job event, and the
// server never accepts commands from them.
//
// Invariants:
//   - Events only reach authenticated clients.
//   - A slow client is dropped instead of blocking the broadcast.
//   - Event sequence numbers are strictly increasing per server.
package gateway
