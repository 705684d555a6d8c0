package valkey

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// dial opens the duplex transport (spec §4.2, component C3): TCP (or Unix
// domain socket) plus optional TLS, with TCP_NODELAY enabled (Nagle's
// algorithm off) and keepalive tuned for long-lived pipelined connections.
func dial(cfg ConnectionConfig) (net.Conn, error) {
	addr := cfg.addr()
	network := "tcp"
	if isUnixAddr(addr) {
		network = "unix"
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if cfg.KeepAlive > 0 {
		dialer.KeepAlive = cfg.KeepAlive
	}

	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, connectFailure(addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if cfg.KeepAlive > 0 {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(cfg.KeepAlive)
		}
	}

	if cfg.TLS {
		tlsConf := cfg.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if tlsConf.ServerName == "" && cfg.ServerName != "" {
			tlsConf = tlsConf.Clone()
			tlsConf.ServerName = cfg.ServerName
		}
		ctx := context.Background()
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		tlsConn := tls.Client(conn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "redis: TLS handshake with %s", addr)
		}
		return tlsConn, nil
	}

	return conn, nil
}
