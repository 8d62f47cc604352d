// Package core implements the tracing service's coordination logic: the
// producer/consumer connection lifecycle, the data-source registry, tracing
// session state machines, and the routing of shared-memory chunks into
// central trace buffers.
//
// All orchestration state is confined to a single task-runner context.
// Endpoint methods post onto that runner and wait, so callers get ordinary
// synchronous APIs while the core's maps and sessions stay lock-free. The
// only true concurrency boundary is the shared-memory arena, handled by the
// chunk-state protocol in package shm.
package core
