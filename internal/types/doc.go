// Package types defines the shared vocabulary of the tracing service:
// producer/consumer identifiers, data source descriptors, trace
// configurations, and session lifecycle states.
package types
