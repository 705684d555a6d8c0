package valkey

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/xenking/valkey/resp"
)

// ErrTransactionAborted signals that EXEC returned the RESP Null result
// that means a WATCHed key changed (or another abort condition fired)
// instead of the expected per-command results array (spec §4.6).
var ErrTransactionAborted = errors.New("redis: transaction aborted")

// ErrTransactionFrozen is returned by Queue once a Transaction has been
// executed or discarded (spec §4.6 invariant).
var ErrTransactionFrozen = errors.New("redis: transaction already executed or discarded")

type queuedOp struct {
	name string
	args [][]byte
}

// Transaction batches commands client-side and wraps them in
// MULTI/EXEC on Execute (spec §4.6, component C7). Execute writes the
// whole MULTI..EXEC run via Connection.ExecuteSequence, one contiguous
// write-mutex hold; the server's strict request/response ordering is
// what then makes MULTI, each queued command's QUEUED reply, and EXEC
// correlate correctly off the shared FIFO queue.
type Transaction struct {
	conn *Connection

	mu     sync.Mutex
	ops    []queuedOp
	frozen bool
}

// NewTransaction starts a new, empty Transaction against conn.
func NewTransaction(conn *Connection) *Transaction {
	return &Transaction{conn: conn}
}

// Queue defers a command until Execute or Discard. It is rejected once
// the transaction is frozen (spec §4.6).
func (tx *Transaction) Queue(name string, args ...[]byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.frozen {
		return ErrTransactionFrozen
	}
	tx.ops = append(tx.ops, queuedOp{name: name, args: args})
	return nil
}

// Execute writes MULTI, every queued operation, and EXEC as one
// contiguous run on the wire, returning one result per queued op in
// order (spec §4.6, §8 round-trip law). A Null EXEC result reports
// ErrTransactionAborted.
//
// The whole run goes out under a single hold of the connection's write
// mutex (Connection.ExecuteSequence), not one Execute call per command:
// spec §4.4's engine lets many callers share one Connection, each
// serialized only for the span of its own command, so writing MULTI,
// the queued ops, and EXEC as separate Execute calls would let an
// unrelated concurrent caller's command land on the wire in between and
// get wrongly queued inside this transaction's MULTI block.
func (tx *Transaction) Execute(ctx context.Context) ([]resp.Frame, error) {
	ops, err := tx.freeze()
	if err != nil {
		return nil, err
	}

	cmds := make([]Command, 0, len(ops)+2)
	cmds = append(cmds, Command{Name: "MULTI"})
	for _, op := range ops {
		cmds = append(cmds, Command{Name: op.name, Args: op.args})
	}
	cmds = append(cmds, Command{Name: "EXEC"})

	frames, err := tx.conn.ExecuteSequence(ctx, cmds)
	if err != nil {
		return nil, err
	}

	result := frames[len(frames)-1]
	if result.IsNull() {
		return nil, ErrTransactionAborted
	}
	return result.Elems, nil
}

// Discard writes DISCARD and drops the buffer (spec §4.6).
func (tx *Transaction) Discard(ctx context.Context) error {
	if _, err := tx.freeze(); err != nil {
		return err
	}
	_, err := tx.conn.Execute(ctx, "DISCARD")
	return err
}

func (tx *Transaction) freeze() ([]queuedOp, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.frozen {
		return nil, ErrTransactionFrozen
	}
	tx.frozen = true
	return tx.ops, nil
}
