package valkey

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/valkey/resp"
)

// State is one of the connection lifecycle states of spec §3.
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StatePubSubMode // terminal substate of Ready, precludes request queueing
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StatePubSubMode:
		return "pubsub"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pushSink receives out-of-band Push frames and, once a session enters
// pub/sub mode, every frame at all (see session.responseLoop and spec
// §4.5's RESP2 compatibility note: the detector only ever runs behind
// the PubSubMode invariant, never on a connection serving normal RPC).
type pushSink interface {
	dispatchPush(resp.Frame)
	dispatchFailure(error)
}

// session is one live socket + codec + queue triple (components C3/C4).
// A Connection holds exactly one at a time; reconnect.go swaps it out
// wholesale on redial, never mutates one in place.
type session struct {
	conn   net.Conn
	reader *resp.Reader
	writer *resp.Writer

	writeMu     sync.Mutex
	writeSignal chan struct{}

	queue *requestQueue

	pubsubMu sync.Mutex
	pubsub   pushSink // non-nil once this session is in PubSubMode
}

func newSession(conn net.Conn, cfg ConnectionConfig) *session {
	return &session{
		conn:        conn,
		reader:      resp.NewReader(conn, cfg.RecvBufferSize),
		writer:      resp.NewWriter(conn, cfg.SendBufferSize),
		writeSignal: make(chan struct{}, 1),
		queue:       newRequestQueue(cfg.queueSize()),
	}
}

func (s *session) enterPubSubMode(sink pushSink) {
	s.pubsubMu.Lock()
	s.pubsub = sink
	s.pubsubMu.Unlock()
}

func (s *session) pubSubSink() pushSink {
	s.pubsubMu.Lock()
	defer s.pubsubMu.Unlock()
	return s.pubsub
}

// signalWrite wakes the writer loop; it never blocks (a pending signal
// already implies a future flush).
func (s *session) signalWrite() {
	select {
	case s.writeSignal <- struct{}{}:
	default:
	}
}

// responseLoop is the "response loop" of spec §4.4: it repeatedly parses
// frames and either forwards them out-of-band (Push, or any frame at all
// once in PubSubMode) or matches them to the next pending request. The
// physical "socket reader" stage is folded into resp.Reader's blocking
// bufio reads (see the "await-based I/O pipelines" design note) rather
// than run as a distinct byte-copy goroutine.
func (s *session) responseLoop(logger *zap.Logger) error {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			if sink := s.pubSubSink(); sink != nil {
				sink.dispatchFailure(err)
			}
			return err
		}

		if sink := s.pubSubSink(); sink != nil {
			sink.dispatchPush(frame)
			continue
		}

		if frame.Type == resp.TypePush {
			// Push frame on a connection with no subscriber attached:
			// nothing to do with it but drop it, there is no RPC to
			// correlate (spec §4.4: "forward to the Pub/Sub dispatcher
			// (if any) and do not touch the request queue").
			continue
		}

		pr, ok := s.queue.dequeueBlocking()
		if !ok {
			return ErrDisconnected
		}
		if pr.isCancelled() {
			// Slot stays in FIFO order until its response arrives; the
			// response is then simply dropped (spec §4.4 "Cancellation").
			continue
		}
		pr.resolve(frame, classifyFrame(frame))
	}
}

// writerLoop is the "socket writer" of spec §4.4: it drains the write
// pipe (here, the bufio.Writer's buffer) to the socket whenever signaled.
// It shares writeMu with Execute's buffering step so a flush never races
// a concurrent WriteCommand.
func (s *session) writerLoop(ctx context.Context) error {
	for {
		select {
		case <-s.writeSignal:
			s.writeMu.Lock()
			err := s.writer.Flush()
			s.writeMu.Unlock()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classifyFrame turns a SimpleError/BulkError frame into a ServerError,
// leaving every other frame type to resolve with a nil error (spec §4.3).
func classifyFrame(f resp.Frame) error {
	if msg, ok := f.Err(); ok {
		return ServerError(msg)
	}
	return nil
}

func (s *session) teardown(cause error) {
	s.queue.drainAndClose(cause)
	s.conn.Close()
}

// Connection is the core engine of spec §4.4: a full-duplex, pipelined
// RESP2/RESP3 client over a single socket, reconnecting automatically
// when ConnectionConfig.AutoReconnect is set.
//
// Multiple goroutines may call Execute concurrently; responses resolve
// in submission order (spec §5 invariant 1).
type Connection struct {
	Addr string

	cfg    ConnectionConfig
	logger *zap.Logger

	state int32 // atomic State

	mu      sync.RWMutex
	sess    *session // nil while offline
	offline error    // reason for sess == nil; ErrClosed once closed permanently

	cancel context.CancelFunc
	done   chan struct{} // closed once the supervisor has fully exited

	closeOnce sync.Once
}

// Connect establishes a Connection per cfg (spec's exposed
// `connect(endpoint, config) -> Connection`). When
// cfg.AbortOnConnectFail is true, the first dial+handshake failure is
// returned directly instead of left to the background reconnect
// supervisor (spec §9 open-question resolution, see SPEC_FULL.md).
func Connect(ctx context.Context, cfg ConnectionConfig) (*Connection, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectionConfig().ConnectTimeout
	}
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = conservativeMSS
	}
	if cfg.RecvBufferSize == 0 {
		cfg.RecvBufferSize = conservativeMSS
	}

	supervisorCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		Addr:   cfg.addr(),
		cfg:    cfg,
		logger: cfg.logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	atomic.StoreInt32(&c.state, int32(StateConnecting))

	first, err := c.dialAndHandshake(ctx)
	if err != nil {
		if cfg.AbortOnConnectFail {
			cancel()
			close(c.done)
			return nil, err
		}
		c.setOffline(err)
	} else {
		c.setSession(first)
	}

	go c.supervise(supervisorCtx)

	return c, nil
}

func (c *Connection) setSession(s *session) {
	c.mu.Lock()
	c.sess = s
	c.offline = nil
	c.mu.Unlock()
	atomic.StoreInt32(&c.state, int32(StateReady))
}

func (c *Connection) setOffline(err error) {
	c.mu.Lock()
	c.sess = nil
	c.offline = err
	c.mu.Unlock()
}

func (c *Connection) currentSession() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.offline != nil {
		return nil, c.offline
	}
	return c.sess, nil
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Ping round-trips a liveness probe through the normal request queue, so
// a caller (or a periodic health-check loop) can confirm the connection
// is actually serving requests rather than just Ready.
func (c *Connection) Ping(ctx context.Context) error {
	frame, err := c.Execute(ctx, "PING")
	if err != nil {
		return err
	}
	if msg, isErr := frame.Err(); isErr {
		return ServerError(msg)
	}
	return nil
}

// Execute is the core submit path of spec §4.4: enqueue a pending
// request and serialize the command under the session's write mutex so
// enqueue order equals wire order, the FIFO invariant responses are
// correlated by (spec §5 invariant 1), then signal the writer loop, which
// flushes under the same mutex.
func (c *Connection) Execute(ctx context.Context, name string, args ...[]byte) (resp.Frame, error) {
	s, err := c.currentSession()
	if err != nil {
		return resp.Frame{}, err
	}
	if State(atomic.LoadInt32(&c.state)) == StatePubSubMode {
		return resp.Frame{}, errPubSubModeExclusive
	}

	pr := newPendingRequest()

	s.writeMu.Lock()
	if err := s.queue.enqueue(pr); err != nil {
		s.writeMu.Unlock()
		return resp.Frame{}, err
	}
	if err := s.writer.WriteCommand(name, args...); err != nil {
		s.writeMu.Unlock()
		c.handleSessionError(s, err)
		return resp.Frame{}, err
	}
	s.writeMu.Unlock()
	s.signalWrite()

	return pr.wait(ctx)
}

// Command is one name+args pair for ExecuteSequence.
type Command struct {
	Name string
	Args [][]byte
}

// ExecuteSequence writes every command in cmds back-to-back under a
// single hold of the session's write mutex, so no concurrently executing
// caller's command can land on the wire between them (spec §4.4's write
// mutex serializes callers per-command; a caller that needs several of
// its own commands to reach the server as one contiguous run, such as a
// client-side MULTI..EXEC block, holds the mutex across the whole
// sequence instead). It returns one resp.Frame per command, in order.
func (c *Connection) ExecuteSequence(ctx context.Context, cmds []Command) ([]resp.Frame, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	if State(atomic.LoadInt32(&c.state)) == StatePubSubMode {
		return nil, errPubSubModeExclusive
	}

	prs := make([]*pendingRequest, len(cmds))

	s.writeMu.Lock()
	for i, cmd := range cmds {
		pr := newPendingRequest()
		if err := s.queue.enqueue(pr); err != nil {
			s.writeMu.Unlock()
			return nil, err
		}
		if err := s.writer.WriteCommand(cmd.Name, cmd.Args...); err != nil {
			s.writeMu.Unlock()
			c.handleSessionError(s, err)
			return nil, err
		}
		prs[i] = pr
	}
	s.writeMu.Unlock()
	s.signalWrite()

	frames := make([]resp.Frame, len(cmds))
	for i, pr := range prs {
		frame, err := pr.wait(ctx)
		if err != nil {
			return nil, err
		}
		frames[i] = frame
	}
	return frames, nil
}

// handleSessionError tears the failing session down exactly once; a
// second caller racing into the same error is a no-op because teardown
// itself is idempotent (queue.drainAndClose, net.Conn.Close).
func (c *Connection) handleSessionError(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return // already superseded by a reconnect
	}
	c.sess = nil
	c.offline = ErrDisconnected
	c.mu.Unlock()

	s.teardown(cause)
}

// errPubSubModeExclusive is returned when Execute is called on a
// connection a Subscriber has claimed (spec §4.5, §9 hard invariant).
var errPubSubModeExclusive = &pubSubModeError{}

type pubSubModeError struct{}

func (*pubSubModeError) Error() string {
	return "redis: connection is in pub/sub mode and cannot serve commands"
}

// Close terminates the connection: the reconnect supervisor stops, the
// live session (if any) is torn down failing every pending request with
// ErrClosed, and ErrClosed is returned to any further Execute call
// (spec §4.4 "Disconnect").
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		s := c.sess
		c.sess = nil
		c.offline = ErrClosed
		c.mu.Unlock()

		atomic.StoreInt32(&c.state, int32(StateClosed))
		c.cancel()
		if s != nil {
			s.teardown(ErrClosed)
		}
		<-c.done
	})
	return nil
}

// runSession runs a session's loops to completion via errgroup: an error
// from either loop cancels the group's context, which is how "I/O errors
// from any loop move the connection to Closed" (spec §3) is implemented
// without a hand-rolled done-channel fan-in (SPEC_FULL.md Domain Stack).
func runSession(ctx context.Context, s *session, logger *zap.Logger) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.responseLoop(logger)
	})
	group.Go(func() error {
		return s.writerLoop(gctx)
	})
	err := group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

var _ io.Closer = (*Connection)(nil)
