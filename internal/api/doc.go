// Package api implements the HTTP REST API and WebSocket server for the
// Comfort Cloud bridge.
//
// This package provides:
//   - GET/PUT /api/v1/state for the cached appliance state and field writes
//   - GET /api/v1/commands for the persisted command log
//   - A WebSocket hub relaying agent notifications (state, session, command)
//   - Bearer JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, tracing, logging, recovery, CORS)
//   - /metrics for Prometheus and /api/v1/metrics as a JSON summary
//
// # Security
//
// Tokens are HS256 JWTs minted offline with "comfortcloud token"; there are
// no user accounts. WebSocket connections use single-use tickets so the
// token never appears in a URL.
//
// # Graceful Degradation
//
// The API works without MQTT or the database: state reads and writes go
// straight to the agent, and /api/v1/commands answers 503 when no command
// log is configured.
package api
