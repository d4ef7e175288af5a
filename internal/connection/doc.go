// Package connection owns the single WebSocket link to Home Assistant.
//
// Transport handles the handshake, framing, heartbeat and link loss. Manager
// builds the client on top of it: one receive goroutine feeds the
// dispatcher, requests are correlated by id, subscriptions are remembered
// and replayed after the reconnect supervisor restores the link.
package connection
