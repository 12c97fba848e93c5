// Package transport carries the mesh's datagram plumbing. Token and rule
// traffic is UDP end to end: delivery is best-effort and a lost datagram is
// recovered by upstream retransmission, never by the transport.
package transport

import (
	"context"
	"net"
)

// maxDatagram bounds a single read. Rule bases larger than a datagram are
// fragmented by the deployer, so one buffer of this size always suffices.
const maxDatagram = 64 * 1024

// Logger interface for transport logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Sender delivers one datagram. Errors are advisory; callers log and move
// on.
type Sender interface {
	Send(addr string, data []byte) error
}

// UDPSender dials per datagram. Connection reuse buys nothing for the
// sparse, many-destination traffic a control node produces.
type UDPSender struct {
	log Logger
}

func NewUDPSender(log Logger) *UDPSender {
	return &UDPSender{log: log}
}

func (s *UDPSender) Send(addr string, data []byte) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		return err
	}
	s.log.Debug("datagram sent", "addr", addr, "bytes", len(data))
	return nil
}

// Handler consumes one received datagram.
type Handler func(data []byte, from net.Addr)

// Listener owns one UDP socket and hands datagrams to a handler, one at a
// time. Dispatch stays synchronous so ingress ordering is preserved for
// the handler.
type Listener struct {
	conn net.PacketConn
	log  Logger
}

// NewListener binds the socket immediately so port collisions surface at
// startup, not first receive.
func NewListener(addr string, log Logger) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, log: log}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket fails.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h(data, from)
	}
}

// Close releases the socket. Serve returns with the read error that
// follows.
func (l *Listener) Close() error {
	return l.conn.Close()
}
