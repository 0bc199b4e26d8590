package driver

import "net"

// tcpConn adapts a net.Conn to tu.Conn. CloseRead uses the connection's
// half-close when available (TCP) so a blocked line read unblocks with
// EOF during shutdown without severing the write side mid-notification;
// it falls back to a full Close for connection types without half-close.
type tcpConn struct {
	net.Conn
}

type halfCloser interface {
	CloseRead() error
}

func (c tcpConn) CloseRead() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return c.Conn.Close()
}
