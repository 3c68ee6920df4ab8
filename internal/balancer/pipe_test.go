package balancer

import (
	"io"
	"sync"

	"balancerd/internal/protocol"
)

// pipeConn is one end of an in-memory control channel.
type pipeConn struct {
	in     <-chan protocol.Message
	out    chan<- protocol.Message
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	a := make(chan protocol.Message, 64)
	b := make(chan protocol.Message, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: a, out: b, closed: closed, once: once},
		&pipeConn{in: b, out: a, closed: closed, once: once}
}

func (p *pipeConn) Send(m protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Receive() (protocol.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.closed:
		return protocol.Message{}, io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
