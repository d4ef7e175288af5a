// Package api is a small client for the Home Assistant REST API.
//
// The bridge talks to Home Assistant over the WebSocket API; REST is used to
// check the instance and the token before connecting and as a fallback
// source of entity state for reconciliation.
//
// Endpoints used:
//   - GET  /api/
//   - GET  /api/config
//   - GET  /api/states
//   - GET  /api/states/{entity_id}
//   - POST /api/services/{domain}/{service}
package api
