// Package signaling is the relay that introduces two endpoints to each other.
//
// Each endpoint holds one WebSocket. The relay creates and joins sessions in
// the session store, groups connections by session code, and forwards the
// opaque offer, answer and ICE candidate payloads between the two
// participants of a session. It never looks inside those payloads.
package signaling
