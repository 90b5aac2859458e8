package testserver

import (
	"net"
	"sync/atomic"
)

// countedConn wraps a net.Conn and counts the bytes passing through it in
// each direction.
type countedConn struct {
	net.Conn
	received atomic.Int64
	sent     atomic.Int64
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.received.Add(int64(n))
	}
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.sent.Add(int64(n))
	}
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *countedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
