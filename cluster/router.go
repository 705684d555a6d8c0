package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xenking/valkey"
	"github.com/xenking/valkey/resp"
)

// ClusterClient is the cluster-aware façade of spec §4.7: it resolves a
// command's hash slot, routes to the owning shard, and follows
// MOVED/ASK redirects transparently up to ClusterConfig.MaxRedirects.
type ClusterClient struct {
	cfg     valkey.ClusterConfig
	connCfg valkey.ConnectionConfig
	logger  *zap.Logger

	topo *topologyCache

	mu    sync.Mutex
	conns map[string]*valkey.Connection // addr -> shared Connection

	rr sync.Map // addr -> *uint32, round-robin cursor per shard for replica reads
}

// NewClusterClient discovers the initial topology from connCfg.Endpoints
// and returns a ready ClusterClient.
func NewClusterClient(ctx context.Context, connCfg valkey.ConnectionConfig, clusterCfg valkey.ClusterConfig) (*ClusterClient, error) {
	if len(connCfg.Endpoints) == 0 {
		return nil, errors.New("redis: ClusterClient requires at least one seed endpoint")
	}
	logger := connCfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cc := &ClusterClient{
		cfg:     clusterCfg,
		connCfg: connCfg,
		logger:  logger,
		conns:   make(map[string]*valkey.Connection),
	}
	cc.topo = newTopologyCache(clusterCfg, logger, connCfg.Endpoints, cc.dialSeed)

	if err := cc.topo.refresh(ctx); err != nil {
		return nil, err
	}
	go cc.topo.runPeriodicRefresh(ctx)

	return cc, nil
}

func (cc *ClusterClient) dialSeed(ctx context.Context, addr string) (*valkey.Connection, error) {
	seedCfg := cc.connCfg
	seedCfg.Endpoints = []string{addr}
	seedCfg.ClusterMode = false
	seedCfg.AbortOnConnectFail = true
	seedCfg.AutoReconnect = false
	return valkey.Connect(ctx, seedCfg)
}

// connFor returns the shared, reconnecting Connection for addr, dialing
// it lazily on first use.
func (cc *ClusterClient) connFor(ctx context.Context, addr string) (*valkey.Connection, error) {
	cc.mu.Lock()
	if conn, ok := cc.conns[addr]; ok {
		cc.mu.Unlock()
		return conn, nil
	}
	cc.mu.Unlock()

	connCfg := cc.connCfg
	connCfg.Endpoints = []string{addr}
	connCfg.ClusterMode = false
	conn, err := valkey.Connect(ctx, connCfg)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	if existing, ok := cc.conns[addr]; ok {
		cc.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	cc.conns[addr] = conn
	cc.mu.Unlock()
	return conn, nil
}

// Execute routes name/args to the shard owning their key(s), following
// MOVED/ASK redirects until success, exhaustion of MaxRedirects
// (ErrRoutingExhausted), or a non-redirect error.
//
// keys identifies which of args are cluster keys, for slot computation
// and cross-slot validation (spec §4.7 "Cross-slot validation"); pass
// args[:n] for an n-key command, or nil for a keyless command (sent to
// an arbitrary shard's master).
func (cc *ClusterClient) Execute(ctx context.Context, name string, keys [][]byte, args ...[]byte) (resp.Frame, error) {
	if cc.cfg.ValidateCrossSlotOperations && KeysCrossSlot(keys) {
		return resp.Frame{}, valkey.ErrCrossSlot
	}

	slot := 0
	if len(keys) > 0 {
		slot = HashSlot(keys[0])
	}

	var asking bool
	addr, err := cc.addrForSlot(ctx, slot, false)
	if err != nil {
		return resp.Frame{}, err
	}

	maxRedirects := cc.cfg.MaxRedirects
	for attempt := 0; attempt <= maxRedirects; attempt++ {
		conn, err := cc.connFor(ctx, addr)
		if err != nil {
			return resp.Frame{}, err
		}

		if asking {
			if _, err := conn.Execute(ctx, "ASKING"); err != nil {
				return resp.Frame{}, err
			}
			asking = false
		}

		reply, err := conn.Execute(ctx, name, args...)
		if err == nil {
			return reply, nil
		}

		serverErr, ok := err.(valkey.ServerError)
		if !ok {
			return resp.Frame{}, err
		}
		redirect, ok := valkey.ParseRedirect(serverErr)
		if !ok {
			return resp.Frame{}, err
		}

		switch redirect.Kind {
		case valkey.RedirectMoved:
			if !cc.cfg.AutoHandleMoved {
				return resp.Frame{}, err
			}
			cc.topo.recordMovedHint(redirect.Slot, redirect.Endpoint)
			if err := cc.topo.refresh(ctx); err != nil {
				cc.logger.Debug("cluster topology refresh after MOVED failed", zap.Error(err))
			}
			addr = redirect.Endpoint
		case valkey.RedirectAsk:
			if !cc.cfg.AutoHandleAsk {
				return resp.Frame{}, err
			}
			addr = redirect.Endpoint
			asking = true
		}
	}

	return resp.Frame{}, valkey.ErrRoutingExhausted
}

// addrForSlot resolves slot to a node address: the shard's master, or the
// next replica in round-robin order when preferReplica is set and
// replicas exist (spec §4.7 "Replica round-robin reads"). It triggers an
// on-demand topology refresh when the slot is unmapped.
func (cc *ClusterClient) addrForSlot(ctx context.Context, slot int, preferReplica bool) (string, error) {
	sh, ok := cc.topo.shardFor(slot)
	if !ok {
		if err := cc.topo.refresh(ctx); err != nil {
			return "", err
		}
		if sh, ok = cc.topo.shardFor(slot); !ok {
			return "", errors.Errorf("redis: no cluster node owns slot %d", slot)
		}
	}
	if preferReplica && cc.cfg.AllowReadFromReplicas && len(sh.replicas) > 0 {
		return cc.pickReplica(sh), nil
	}
	return sh.master, nil
}

func (cc *ClusterClient) pickReplica(sh shard) string {
	cursorI, _ := cc.rr.LoadOrStore(sh.master, new(uint32))
	cursor := cursorI.(*uint32)
	// Simple round-robin over the current replica set; a replica set
	// that changes between calls just reshuffles the rotation, which is
	// harmless for read distribution.
	n := atomic.AddUint32(cursor, 1)
	return sh.replicas[int(n)%len(sh.replicas)]
}

// ExecuteRead behaves like Execute but may route to a replica when
// ClusterConfig.AllowReadFromReplicas is set (spec §4.7).
func (cc *ClusterClient) ExecuteRead(ctx context.Context, name string, keys [][]byte, args ...[]byte) (resp.Frame, error) {
	if cc.cfg.ValidateCrossSlotOperations && KeysCrossSlot(keys) {
		return resp.Frame{}, valkey.ErrCrossSlot
	}
	slot := 0
	if len(keys) > 0 {
		slot = HashSlot(keys[0])
	}
	addr, err := cc.addrForSlot(ctx, slot, true)
	if err != nil {
		return resp.Frame{}, err
	}
	conn, err := cc.connFor(ctx, addr)
	if err != nil {
		return resp.Frame{}, err
	}
	return conn.Execute(ctx, name, args...)
}

// Close tears down every node connection and stops topology refresh.
func (cc *ClusterClient) Close() error {
	cc.topo.Close()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	var firstErr error
	for _, conn := range cc.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
