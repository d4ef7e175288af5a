// Package model defines the Home Assistant data types exchanged over the
// WebSocket and REST APIs, and the codec for the WebSocket wire format.
//
// Conventions:
//   - Entity ids are "<domain>.<object_id>" strings
//   - Timestamps are RFC 3339 with fractional seconds, decoded into time.Time
//   - Message ids are int64, assigned by the client and echoed by the peer
//   - Free-form payloads (attributes, event data, service data) are map[string]any
package model
