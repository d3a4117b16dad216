// Package listener holds the proxy listeners: a TLS sniffing listener that serves plain and TLS
// clients on one port, and a listener that survives failed accepts.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultHandshakeTimeout bounds the protocol peek and the TLS handshake of a new connection.
const DefaultHandshakeTimeout = 10 * time.Second

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// peekedConn is a connection whose first bytes were already buffered by the sniffer.
type peekedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// isTLSRecord reports whether the peeked bytes open a TLS handshake record.
func isTLSRecord(peeked []byte) bool {
	return len(peeked) >= 2 && peeked[0] == 0x16 && peeked[1] == 0x03
}

// ProtocolMuxListener inspects every accepted connection and terminates TLS when the client opens
// with a handshake. Pages that talk to the agent directly over TLS and browsers using it as a plain
// HTTP proxy share one port.
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
}

func NewProtocolMuxListener(listener net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{
		Listener:         listener,
		TLSConfig:        tlsConfig,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (l *ProtocolMuxListener) timeout() time.Duration {
	if l.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return l.HandshakeTimeout
}

func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	sniffed, err := l.sniff(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sniffed, nil
}

// sniff peeks at the first bytes of conn and returns either the plain connection or a TLS server
// connection that already completed its handshake.
func (l *ProtocolMuxListener) sniff(conn net.Conn) (net.Conn, error) {
	if err := conn.SetReadDeadline(time.Now().Add(l.timeout())); err != nil {
		return nil, fmt.Errorf("setting read deadline for peek: %w", err)
	}

	pc := &peekedConn{Conn: conn, reader: bufio.NewReader(conn)}
	peeked, err := pc.reader.Peek(5)
	if err != nil && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("peeking initial bytes: %w", err)
	}

	if !isTLSRecord(peeked) {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clearing read deadline after peek: %w", err)
		}
		return pc, nil
	}

	// The peek deadline also bounds the handshake
	tlsConn := tls.Server(pc, l.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("performing tls handshake: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline after handshake: %w", err)
	}
	return tlsConn, nil
}

// ResilientListener keeps accepting after recoverable errors such as a failed handshake. Only a
// closed listener ends Accept. Consecutive failures are spaced out up to one second.
type ResilientListener struct {
	net.Listener
	// OnError receives every recoverable accept error. It may be nil.
	OnError func(err error)
}

func NewResilientListener(listenerToWrap net.Listener, onError func(err error)) *ResilientListener {
	return &ResilientListener{Listener: listenerToWrap, OnError: onError}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	var delay time.Duration
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}

		if l.OnError != nil {
			l.OnError(err)
		}

		// Handshake failures are per client and retried at once
		var opErr *net.OpError
		if !errors.As(err, &opErr) || !opErr.Temporary() {
			delay = 0
			continue
		}
		if delay == 0 {
			delay = minAcceptDelay
		} else {
			delay = min(2*delay, maxAcceptDelay)
		}
		time.Sleep(delay)
	}
}
