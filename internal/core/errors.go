package core

import "errors"

// Errors surfaced to endpoints. Every one of these is recoverable: the worst
// outcome of any condition here is one connection's session failing, never
// process termination.
var (
	// ErrUnknownProducer reports an operation referencing a disconnected or
	// never-connected producer.
	ErrUnknownProducer = errors.New("core: unknown producer")

	// ErrUnknownConsumer is the consumer-side equivalent.
	ErrUnknownConsumer = errors.New("core: unknown consumer")

	// ErrDataSourceNotFound reports a config entry matching no registered
	// data source. Non-fatal: the session proceeds with the remaining
	// matched sources, and this is surfaced only as a diagnostic.
	ErrDataSourceNotFound = errors.New("core: no registered data source matches")

	// ErrBufferIDsExhausted reports a saturated buffer ID allocator.
	// EnableTracing fails for that session and rolls back any buffers it
	// had already allocated.
	ErrBufferIDsExhausted = errors.New("core: buffer IDs exhausted")

	// ErrInvalidSessionState reports an operation issued against a session
	// in a state that forbids it, such as ReadBuffers after FreeBuffers.
	ErrInvalidSessionState = errors.New("core: invalid session state")

	// ErrSessionAlreadyActive reports EnableTracing on a consumer that
	// already owns a live session. The service rejects rather than
	// replaces.
	ErrSessionAlreadyActive = errors.New("core: consumer already has an active session")

	// ErrSessionNotFound reports an admin lookup of a session ID that no
	// live consumer owns.
	ErrSessionNotFound = errors.New("core: session not found")
)
