// Package api documents the swarmd HTTP API. Request handlers live in
// api/handlers.
//
// # API Overview
//
// swarmd exposes a RESTful API for:
//   - Task submission, assignment, completion and failure reporting
//   - Capability-aware node placement and peer task-state sync
//   - Agent registration, heartbeats and district relocation
//   - Cluster membership, leader status and orphan migration
//   - A websocket telemetry stream at /api/v1/events/ws
//   - Health probes; Prometheus metrics on the separate metrics port
//
// # Authentication
//
// When API keys are configured, endpoints under /api/ require the
// X-API-Key header:
//
//	X-API-Key: your-api-key
//
// A bearer JWT is accepted instead when jwt.secret or jwt.public_key is set.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// Handlers carry swag annotations:
//
//	swag init -g cmd/swarmd/main.go -o api --parseDependency --parseInternal
package api
