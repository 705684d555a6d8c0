package valkey

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/valkey/resp"
)

// PipelinerConfig configures a Pipeliner (spec §4.8, component C9).
type PipelinerConfig struct {
	// MaxBatch caps how many submissions one dispatch writes in a row.
	MaxBatch int
	// BatchWindow bounds how long the coalescer waits for more
	// submissions to join a batch once the first one arrives.
	BatchWindow time.Duration
}

// DefaultPipelinerConfig returns the defaults named in spec §4.8.
func DefaultPipelinerConfig() PipelinerConfig {
	return PipelinerConfig{
		MaxBatch:    100,
		BatchWindow: 100 * time.Microsecond,
	}
}

type pipelineResult struct {
	pr  *pendingRequest
	err error
}

type pipelineSubmission struct {
	name  string
	args  [][]byte
	ready chan pipelineResult
}

// Pipeliner coalesces concurrent Submit calls against one Connection
// into batches, reducing per-command flush/syscall overhead when many
// goroutines submit commands at once (spec §4.8). A single background
// goroutine pulls submissions off a channel buffered to MaxBatch entries
// (Submit blocks while it is full) and, once the
// first of a batch arrives, keeps collecting until MaxBatch or
// BatchWindow is reached before writing the whole batch under one hold
// of the session's write mutex. Each submission still resolves
// independently, and batching never reorders submissions.
type Pipeliner struct {
	conn   *Connection
	cfg    PipelinerConfig
	logger *zap.Logger

	submissions chan pipelineSubmission

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeliner starts a Pipeliner's background coalescing loop over conn.
func NewPipeliner(conn *Connection, cfg PipelinerConfig) *Pipeliner {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultPipelinerConfig().MaxBatch
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultPipelinerConfig().BatchWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeliner{
		conn:        conn,
		cfg:         cfg,
		logger:      conn.logger,
		submissions: make(chan pipelineSubmission, cfg.MaxBatch),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Submit enqueues name/args for the next outgoing batch and blocks until
// its individual response resolves (spec §4.8: "Each submission still
// resolves independently").
func (p *Pipeliner) Submit(ctx context.Context, name string, args ...[]byte) (resp.Frame, error) {
	sub := pipelineSubmission{name: name, args: args, ready: make(chan pipelineResult, 1)}

	select {
	case p.submissions <- sub:
	case <-ctx.Done():
		return resp.Frame{}, ctx.Err()
	case <-p.done:
		return resp.Frame{}, ErrClosed
	}

	select {
	case res := <-sub.ready:
		if res.err != nil {
			return resp.Frame{}, res.err
		}
		return res.pr.wait(ctx)
	case <-p.done:
		// The loop has exited. Any submission it dispatched already has
		// its result in ready; one it never picked up fails with ErrClosed.
		select {
		case res := <-sub.ready:
			if res.err != nil {
				return resp.Frame{}, res.err
			}
			return res.pr.wait(ctx)
		default:
			return resp.Frame{}, ErrClosed
		}
	case <-ctx.Done():
		return resp.Frame{}, ctx.Err()
	}
}

// Close stops the coalescing loop. In-flight submissions already handed
// to a batch still resolve; submissions racing the shutdown fail with
// ErrClosed.
func (p *Pipeliner) Close() {
	p.cancel()
}

func (p *Pipeliner) run(ctx context.Context) {
	defer close(p.done)
	for {
		var first pipelineSubmission
		select {
		case first = <-p.submissions:
		case <-ctx.Done():
			return
		}

		batch := make([]pipelineSubmission, 0, p.cfg.MaxBatch)
		batch = append(batch, first)

		timer := time.NewTimer(p.cfg.BatchWindow)
	collect:
		for len(batch) < p.cfg.MaxBatch {
			select {
			case sub := <-p.submissions:
				batch = append(batch, sub)
			case <-timer.C:
				break collect
			case <-ctx.Done():
				break collect
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		p.dispatch(batch)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatch writes every submission in batch under one hold of the
// session's write mutex, then signals a single flush: N commands, one
// syscall, in submission order (spec §4.8 "Batching must preserve
// submission order").
func (p *Pipeliner) dispatch(batch []pipelineSubmission) {
	s, err := p.conn.currentSession()
	if err != nil {
		failBatch(batch, err)
		return
	}
	if State(atomic.LoadInt32(&p.conn.state)) == StatePubSubMode {
		failBatch(batch, errPubSubModeExclusive)
		return
	}

	prs := make([]*pendingRequest, len(batch))

	s.writeMu.Lock()
	var writeErr error
	written := 0
	for i, sub := range batch {
		pr := newPendingRequest()
		if err := s.queue.enqueue(pr); err != nil {
			writeErr = err
			break
		}
		if err := s.writer.WriteCommand(sub.name, sub.args...); err != nil {
			writeErr = err
			break
		}
		prs[i] = pr
		written++
	}
	s.writeMu.Unlock()

	if written > 0 {
		s.signalWrite()
	}
	if writeErr != nil {
		p.logger.Debug("pipeliner batch write failed", zap.Error(writeErr), zap.Int("written", written), zap.Int("batch", len(batch)))
		p.conn.handleSessionError(s, writeErr)
	}

	for i, sub := range batch {
		if prs[i] == nil {
			sub.ready <- pipelineResult{err: writeErr}
			continue
		}
		sub.ready <- pipelineResult{pr: prs[i]}
	}
}

func failBatch(batch []pipelineSubmission, err error) {
	for _, sub := range batch {
		sub.ready <- pipelineResult{err: err}
	}
}
