// Package server provides the admin HTTP API for the tracing service.
//
// The surface is read-only and meant for operators and dashboards:
//   - Health and service statistics endpoints
//   - Prometheus metrics exposition
//   - Gzipped trace download for live sessions
//   - WebSocket stream of service lifecycle events
//
// Producer and consumer traffic never flows through this server; those sides
// talk to the core service directly through their endpoints.
package server
