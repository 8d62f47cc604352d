package core

import (
	"github.com/google/uuid"

	"github.com/tracehub/tracehub/internal/types"
)

// consumerConn is the service-side state of one consumer connection and the
// implementation behind its ConsumerEndpoint.
type consumerConn struct {
	svc      *Service
	identity string
	token    string
	sink     Consumer

	// session is the consumer's live tracing session, nil outside
	// EnableTracing..FreeBuffers. Runner-confined.
	session *tracingSession
}

func newConsumerConn(svc *Service, identity string, sink Consumer) *consumerConn {
	return &consumerConn{
		svc:      svc,
		identity: identity,
		token:    uuid.New().String(),
		sink:     sink,
	}
}

func (c *consumerConn) EnableTracing(cfg types.TraceConfig) error {
	var err error
	c.svc.do(func() { err = c.svc.enableTracing(c, cfg) })
	return err
}

func (c *consumerConn) DisableTracing() error {
	var err error
	c.svc.do(func() { err = c.svc.disableTracing(c) })
	return err
}

func (c *consumerConn) ReadBuffers() error {
	var err error
	c.svc.do(func() { err = c.svc.readBuffers(c) })
	return err
}

func (c *consumerConn) FreeBuffers() error {
	var err error
	c.svc.do(func() { err = c.svc.freeBuffers(c) })
	return err
}

func (c *consumerConn) Close() error {
	c.svc.do(func() { c.svc.disconnectConsumer(c) })
	return nil
}
