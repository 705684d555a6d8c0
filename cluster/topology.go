package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xenking/valkey"
	"github.com/xenking/valkey/resp"
)

// shard is one master + its replicas, covering one or more slot ranges
// (spec §3 "Cluster topology").
type shard struct {
	master   string
	replicas []string
}

// slotRange is a contiguous [start, end] inclusive range served by a
// single shard, as reported by CLUSTER SLOTS.
type slotRange struct {
	start, end int
	shard      shard
}

// topology is an immutable snapshot of cluster slot ownership. A
// ClusterClient swaps its pointer atomically on refresh; readers never
// block a concurrent refresh (spec §4.7 "Topology cache").
type topology struct {
	ranges []slotRange
}

func (t *topology) shardFor(slot int) (shard, bool) {
	for _, r := range t.ranges {
		if slot >= r.start && slot <= r.end {
			return r.shard, true
		}
	}
	return shard{}, false
}

// parseClusterSlots turns a CLUSTER SLOTS reply into a topology. Each
// top-level element is [start, end, master-triple, replica-triple...],
// and each triple is [ip, port, node-id, ...].
func parseClusterSlots(f resp.Frame) (*topology, error) {
	t := &topology{}
	for _, entry := range f.Elems {
		if len(entry.Elems) < 3 {
			return nil, errors.New("redis: malformed CLUSTER SLOTS entry")
		}
		start := int(entry.Elems[0].Int)
		end := int(entry.Elems[1].Int)
		masterAddr, err := addrFromTriple(entry.Elems[2])
		if err != nil {
			return nil, err
		}
		sh := shard{master: masterAddr}
		for _, rep := range entry.Elems[3:] {
			addr, err := addrFromTriple(rep)
			if err != nil {
				continue
			}
			sh.replicas = append(sh.replicas, addr)
		}
		t.ranges = append(t.ranges, slotRange{start: start, end: end, shard: sh})
	}
	return t, nil
}

func addrFromTriple(f resp.Frame) (string, error) {
	if len(f.Elems) < 2 {
		return "", errors.New("redis: malformed CLUSTER SLOTS node triple")
	}
	host, ok := f.Elems[0].Bytes()
	if !ok {
		return "", errors.New("redis: malformed CLUSTER SLOTS host field")
	}
	port := f.Elems[1].Int
	return net.JoinHostPort(string(host), strconv.FormatInt(port, 10)), nil
}

// topologyCache owns discovery, periodic refresh, and MOVED-hint overlay
// for a ClusterClient (spec §4.7's cache bullet list).
type topologyCache struct {
	cfg    valkey.ClusterConfig
	logger *zap.Logger

	snapshot atomic.Pointer[topology]

	seeds []string
	dial  func(ctx context.Context, addr string) (*valkey.Connection, error)

	refreshGroup   singleflight.Group
	refreshLimiter *rate.Limiter

	// movedHints overlays short-lived MOVED redirect targets on top of
	// the last full topology refresh, so a hot key that just moved
	// doesn't wait for the next periodic CLUSTER SLOTS round-trip
	// before every routed request finds it (spec §4.7 "MOVED ... update
	// the local slot cache").
	movedHints *cache.Cache

	stop chan struct{}
	once sync.Once
}

func newTopologyCache(cfg valkey.ClusterConfig, logger *zap.Logger, seeds []string, dial func(context.Context, string) (*valkey.Connection, error)) *topologyCache {
	tc := &topologyCache{
		cfg:            cfg,
		logger:         logger,
		seeds:          seeds,
		dial:           dial,
		refreshLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		movedHints:     cache.New(30*time.Second, time.Minute),
		stop:           make(chan struct{}),
	}
	return tc
}

func (tc *topologyCache) current() *topology {
	return tc.snapshot.Load()
}

// shardFor resolves slot to a shard, preferring a fresh MOVED hint over
// the last full-refresh snapshot.
func (tc *topologyCache) shardFor(slot int) (shard, bool) {
	if hint, ok := tc.movedHints.Get(hintKey(slot)); ok {
		return shard{master: hint.(string)}, true
	}
	t := tc.current()
	if t == nil {
		return shard{}, false
	}
	return t.shardFor(slot)
}

func (tc *topologyCache) recordMovedHint(slot int, addr string) {
	tc.movedHints.Set(hintKey(slot), addr, cache.DefaultExpiration)
}

func hintKey(slot int) string {
	// Small, fixed-cardinality (16384) key space: decimal string is
	// plenty cheap and keeps go-cache's API (string keys) unchanged.
	buf := make([]byte, 0, 5)
	if slot == 0 {
		return "0"
	}
	var digits [5]byte
	n := 0
	for slot > 0 {
		digits[n] = byte('0' + slot%10)
		slot /= 10
		n++
	}
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, digits[i])
	}
	return string(buf)
}

// refresh fetches CLUSTER SLOTS from the first reachable seed and swaps
// the snapshot atomically. Concurrent callers collapse onto one
// in-flight request via singleflight, and a rate.Limiter caps how often
// a refresh storm (many commands hitting MOVED at once) can actually hit
// the wire (spec §4.7: periodic refresh plus on-demand refresh).
func (tc *topologyCache) refresh(ctx context.Context) error {
	_, err, _ := tc.refreshGroup.Do("refresh", func() (interface{}, error) {
		if !tc.refreshLimiter.Allow() {
			return nil, nil
		}
		var lastErr error
		for _, seed := range tc.seeds {
			conn, err := tc.dial(ctx, seed)
			if err != nil {
				lastErr = err
				continue
			}
			reply, err := conn.Execute(ctx, "CLUSTER", []byte("SLOTS"))
			conn.Close()
			if err != nil {
				lastErr = err
				continue
			}
			t, err := parseClusterSlots(reply)
			if err != nil {
				lastErr = err
				continue
			}
			tc.snapshot.Store(t)
			return nil, nil
		}
		if lastErr != nil {
			return nil, errors.Wrap(lastErr, "redis: cluster topology refresh failed against every seed")
		}
		return nil, errors.New("redis: no cluster seeds configured")
	})
	return err
}

// runPeriodicRefresh refreshes on cfg.TopologyRefreshInterval until
// stopped. A zero interval disables it (spec §6 default: 5m).
func (tc *topologyCache) runPeriodicRefresh(ctx context.Context) {
	if tc.cfg.TopologyRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(tc.cfg.TopologyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := tc.refresh(ctx); err != nil {
				tc.logger.Warn("periodic cluster topology refresh failed", zap.Error(err))
			}
		case <-tc.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (tc *topologyCache) Close() {
	tc.once.Do(func() { close(tc.stop) })
}
