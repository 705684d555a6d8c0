package valkey

import (
	"bytes"
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xenking/valkey/internal/pool"
	"github.com/xenking/valkey/resp"
)

// handshakeArgsPool and handshakeIntPool amortize the argument-slice and
// int-to-bytes allocations HELLO/AUTH/SELECT build on every dial and
// redial (spec §4.9, component C10); a flaky upstream reconnecting
// often makes handshake encoding recur enough to be worth pooling.
var (
	handshakeArgsPool = pool.NewArgsPool(4)
	handshakeIntPool  = pool.NewBufferPool(20)
)

// formatIntArg renders n as a RESP bulk-string argument using buf's
// backing array via strconv.AppendInt, avoiding the
// strconv.Itoa-then-[]byte(...) double allocation a naive conversion
// costs. The returned slice is only valid until buf is reused.
func formatIntArg(buf *bytes.Buffer, n int) []byte {
	buf.Reset()
	return strconv.AppendInt(buf.Bytes(), int64(n), 10)
}

// doSync writes a command and reads its single reply synchronously,
// without touching the request queue. It is only safe before a session's
// loops are running, i.e. during the handshake (spec §4.4).
func doSync(s *session, name string, args ...[]byte) (resp.Frame, error) {
	if err := s.writer.WriteCommand(name, args...); err != nil {
		return resp.Frame{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return resp.Frame{}, err
	}
	return s.reader.ReadFrame()
}

// dialAndHandshake dials a fresh socket and runs it through the
// handshake order of spec §4.4, returning a session ready for Execute.
func (c *Connection) dialAndHandshake(ctx context.Context) (*session, error) {
	atomic.StoreInt32(&c.state, int32(StateConnecting))
	conn, err := dial(c.cfg)
	if err != nil {
		return nil, err
	}

	s := newSession(conn, c.cfg)
	atomic.StoreInt32(&c.state, int32(StateHandshaking))
	if err := c.handshake(s); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ping(s); err != nil {
		conn.Close()
		return nil, err
	}
	atomic.StoreInt32(&c.state, int32(StateReady))
	return s, nil
}

// ping sends a liveness probe synchronously, the same way the handshake
// commands do, and rejects a socket that accepted HELLO/AUTH/SELECT but
// is already failing before it's ever handed to a caller.
func ping(s *session) error {
	frame, err := doSync(s, "PING")
	if err != nil {
		return err
	}
	if msg, isErr := frame.Err(); isErr {
		return ServerError(msg)
	}
	return nil
}

// handshake runs HELLO/AUTH/SELECT/CLIENT SETNAME in the order spec §4.4
// mandates, failing fast on any step except CLIENT SETNAME.
func (c *Connection) handshake(s *session) error {
	log := c.logger
	authedByHello := false

	if c.cfg.PreferRESP3 {
		args := handshakeArgsPool.Get()
		args = append(args, []byte("3"))
		if c.cfg.Password != "" {
			args = append(args, []byte("AUTH"))
			if c.cfg.Username != "" {
				args = append(args, []byte(c.cfg.Username))
			} else {
				args = append(args, []byte("default"))
			}
			args = append(args, []byte(c.cfg.Password))
		}
		frame, err := doSync(s, "HELLO", args...)
		handshakeArgsPool.Put(args, true) // may hold AUTH password bytes
		switch {
		case err != nil:
			log.Debug("hello failed, falling back to RESP2", zap.Error(err))
		default:
			if msg, isErr := frame.Err(); isErr {
				log.Debug("hello rejected, falling back to RESP2", zap.String("error", msg))
			} else {
				authedByHello = true
			}
		}
	}

	if !authedByHello && c.cfg.Password != "" {
		args := handshakeArgsPool.Get()
		if c.cfg.Username != "" {
			args = append(args, []byte(c.cfg.Username))
		}
		args = append(args, []byte(c.cfg.Password))
		frame, err := doSync(s, "AUTH", args...)
		handshakeArgsPool.Put(args, true)
		if err != nil {
			return err
		}
		if msg, isErr := frame.Err(); isErr {
			return ServerError(msg)
		}
	}

	if c.cfg.ClientName != "" {
		frame, err := doSync(s, "CLIENT", []byte("SETNAME"), []byte(c.cfg.ClientName))
		if err != nil {
			log.Warn("CLIENT SETNAME failed, continuing", zap.Error(err))
		} else if msg, isErr := frame.Err(); isErr {
			log.Warn("CLIENT SETNAME rejected, continuing", zap.String("error", msg))
		}
	}

	if c.cfg.DB != 0 {
		buf := handshakeIntPool.Get()
		dbArg := formatIntArg(buf, c.cfg.DB)
		frame, err := doSync(s, "SELECT", dbArg)
		handshakeIntPool.Put(buf, false)
		if err != nil {
			return err
		}
		if msg, isErr := frame.Err(); isErr {
			return ServerError(msg)
		}
	}

	return nil
}
