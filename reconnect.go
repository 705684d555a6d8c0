package valkey

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// reconnectBackoff computes the delay before redial attempt n (1-based),
// doubling from ReconnectBackoffBase up to ReconnectBackoffMax.
func (c ConnectionConfig) reconnectBackoff(attempt int) time.Duration {
	base := c.ReconnectBackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := c.ReconnectBackoffMax
	if max <= 0 {
		max = time.Second / 2
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

func (c *Connection) snapshot() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess, c.offline
}

// giveUp moves the connection to its terminal state after the reconnect
// supervisor exhausts MaxReconnectAttempts, or AutoReconnect is off and a
// live session just failed.
func (c *Connection) giveUp() {
	c.mu.Lock()
	c.sess = nil
	c.offline = ErrDisconnected
	c.mu.Unlock()
	atomic.StoreInt32(&c.state, int32(StateClosed))
}

func sessionFailureCause(err error) error {
	if err == nil {
		return ErrDisconnected
	}
	return err
}

// supervise is the reconnect supervisor: it owns (re)dialing and running
// a session's loops for the lifetime of the Connection. Only one
// instance runs per Connection, started once from Connect.
func (c *Connection) supervise(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s, offline := c.snapshot()
		if offline == ErrClosed {
			return
		}

		if s == nil {
			ns, err := c.dialAndHandshake(ctx)
			if err != nil {
				attempt++
				if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
					c.giveUp()
					return
				}
				backoff := c.cfg.reconnectBackoff(attempt)
				c.logger.Warn("redis: reconnect attempt failed",
					zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return
				}
			}
			attempt = 0
			c.setSession(ns)
			s = ns
		}

		err := runSession(ctx, s, c.logger)

		c.mu.Lock()
		stillCurrent := c.sess == s
		if stillCurrent {
			c.sess = nil
			c.offline = ErrDisconnected
		}
		permanentlyClosed := c.offline == ErrClosed
		c.mu.Unlock()

		s.teardown(sessionFailureCause(err))

		if permanentlyClosed {
			return
		}
		if !c.cfg.AutoReconnect {
			c.giveUp()
			return
		}
		// Loop continues: the next pass through the loop dials again.
	}
}
