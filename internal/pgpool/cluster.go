package pgpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/metrics"
)

// authCacheEntry remembers that a (user, password, database) triple
// authenticated successfully recently, so RiverDB can admit a client
// without repeating the full backend handshake on every new session.
// Grounded on original_source/pg/cluster.rs's authenticate() cache.
type authCacheEntry struct {
	expiresAt time.Time
}

// authCacheTTL bounds how long a cached authentication success is trusted
// before RiverDB re-verifies against the real server; chosen to survive a
// client's typical session length without caching a revoked password
// indefinitely.
const authCacheTTL = 5 * time.Minute

// clusterSnapshot is an immutable point-in-time view of the cluster
// topology, grounded on the teacher's routerSnapshot/atomic.Value
// pattern — the Go-idiomatic replacement for original_source's
// PostgresCluster::singleton() global AtomicPtr, avoided per the
// cluster/group ledger entry.
type clusterSnapshot struct {
	groups map[string]*ReplicationGroup // keyed by database name
}

// Cluster is RiverDB's view of the whole PostgreSQL topology: every
// configured server, partitioned into replication groups by database
// name. Resolve is lock-free; reconfiguration (via Reload) serializes on
// a write mutex and swaps in a new snapshot, so in-flight Resolve calls
// never observe a half-updated topology.
type Cluster struct {
	snap atomic.Value // holds *clusterSnapshot
	wmu  sync.Mutex

	logger  *slog.Logger
	metrics *metrics.Collector

	authMu    sync.Mutex
	authCache map[string]authCacheEntry
}

// SetMetrics wires a metrics collector in after construction, so existing
// two-argument NewCluster call sites (tests, the admin API) keep working
// unchanged. A nil collector (the default) makes every metrics call below a
// no-op.
func (c *Cluster) SetMetrics(m *metrics.Collector) { c.metrics = m }

// NewCluster builds a Cluster from the loaded Postgres config section.
func NewCluster(cfg config.PostgresConfig, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cluster{
		logger:    logger,
		authCache: make(map[string]authCacheEntry),
	}
	c.snap.Store(buildSnapshot(cfg, logger))
	return c
}

func buildSnapshot(cfg config.PostgresConfig, logger *slog.Logger) *clusterSnapshot {
	groups := make(map[string]*ReplicationGroup, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		groups[srv.Database] = NewReplicationGroup(srv, logger)
	}
	return &clusterSnapshot{groups: groups}
}

func (c *Cluster) load() *clusterSnapshot {
	return c.snap.Load().(*clusterSnapshot)
}

// Reload replaces the entire topology with one built from a freshly
// loaded config, e.g. in response to a config.Watcher callback. Pools
// belonging to a server that's no longer present are drained and closed;
// pools for servers that still exist are rebuilt fresh rather than
// diffed in place, favoring topology-change correctness over connection
// reuse across a reload (a reload is an operator action, not hot-path
// traffic).
func (c *Cluster) Reload(cfg config.PostgresConfig) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	old := c.load()
	next := buildSnapshot(cfg, c.logger)
	c.snap.Store(next)

	for db, g := range old.groups {
		if _, stillPresent := next.groups[db]; !stillPresent {
			g.Close()
		}
	}
}

// Resolve finds the replication group serving the given database,
// grounded on cluster.rs's node lookup by database name.
func (c *Cluster) Resolve(database string) (*ReplicationGroup, error) {
	snap := c.load()
	g, ok := snap.groups[database]
	if !ok {
		return nil, fmt.Errorf("pgpool: unknown database %q", database)
	}
	return g, nil
}

// Databases lists every database name the cluster currently routes.
func (c *Cluster) Databases() []string {
	snap := c.load()
	names := make([]string, 0, len(snap.groups))
	for db := range snap.groups {
		names = append(names, db)
	}
	return names
}

// Stats reports per-group, per-pool occupancy across the whole cluster.
func (c *Cluster) Stats() map[string][]Stats {
	snap := c.load()
	out := make(map[string][]Stats, len(snap.groups))
	for db, g := range snap.groups {
		out[db] = g.Stats()
	}
	return out
}

// Close tears down every group's pools.
func (c *Cluster) Close() {
	snap := c.load()
	for _, g := range snap.groups {
		g.Close()
	}
}

// Authenticate verifies a client's (user, password) pair for the given
// database, either against the authentication cache or, on a miss, by
// performing a real handshake against the master and caching the result.
// Grounded on cluster.rs's authenticate(): the cache key folds in the
// password itself (hashed) so a password rotation invalidates the cache
// entry automatically rather than requiring explicit eviction.
func (c *Cluster) Authenticate(ctx context.Context, database, user, password string) error {
	key := authCacheKey(user, password, database)

	c.authMu.Lock()
	entry, ok := c.authCache[key]
	c.authMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if c.metrics != nil {
			c.metrics.AuthCacheHit(database)
		}
		return nil
	}

	group, err := c.Resolve(database)
	if err != nil {
		return err
	}

	if err := c.testConnection(ctx, group, database, user, password); err != nil {
		return err
	}

	c.authMu.Lock()
	c.authCache[key] = authCacheEntry{expiresAt: time.Now().Add(authCacheTTL)}
	c.authMu.Unlock()
	return nil
}

// testConnection dials and fully authenticates a throwaway connection to
// the group's master using the client-supplied credentials, then
// discards it; a successful handshake is the only proof of a valid
// password RiverDB has, since it never stores the server's own
// credential verifier. Grounded on cluster.rs's test_connection.
func (c *Cluster) testConnection(ctx context.Context, group *ReplicationGroup, database, user, password string) error {
	cfg := group.master.cfg
	cfg.User = user
	cfg.Password = password
	cfg.Database = database

	backend, conn, err := dialBackend(ctx, 0, cfg)
	if err != nil {
		return fmt.Errorf("pgpool: authenticating %s@%s: %w", user, database, err)
	}
	backend.Close()
	conn.Close()
	return nil
}

func authCacheKey(user, password, database string) string {
	h := sha256.New()
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write([]byte{0})
	h.Write([]byte(database))
	return hex.EncodeToString(h.Sum(nil))
}
