package pgpool

import (
	"log/slog"
	"sync/atomic"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/pgproto"
)

// ReplicationGroup is one master and its read replicas, all serving the
// same database. Grounded on original_source/pg/group.rs's
// PostgresReplicationGroup.
type ReplicationGroup struct {
	database string
	master   *ConnectionPool
	replicas []*ConnectionPool

	cursor atomic.Uint32 // round-robin index into replicas
	logger *slog.Logger
}

// NewReplicationGroup builds a group from a server's config entry: its own
// pool is the master, and each of its Replicas gets its own pool.
func NewReplicationGroup(cfg config.ServerConfig, logger *slog.Logger) *ReplicationGroup {
	if logger == nil {
		logger = slog.Default()
	}
	g := &ReplicationGroup{
		database: cfg.Database,
		master:   NewConnectionPool(cfg, logger),
		logger:   logger.With("group", cfg.Database),
	}
	for _, r := range cfg.Replicas {
		g.replicas = append(g.replicas, NewConnectionPool(r, logger))
	}
	return g
}

// Database returns the database name this group serves.
func (g *ReplicationGroup) Database() string { return g.database }

// Master returns the group's master pool.
func (g *ReplicationGroup) Master() *ConnectionPool { return g.master }

// Replicas returns the group's replica pools.
func (g *ReplicationGroup) Replicas() []*ConnectionPool { return g.replicas }

// RoundRobin picks the next pool to serve a request: a replica (cycling
// through them in order) when allowReplica is true and replicas exist,
// otherwise the master. Grounded on group.rs's round_robin, translating
// its AtomicUsize cursor into an atomic.Uint32 wraparound.
func (g *ReplicationGroup) RoundRobin(allowReplica bool) *ConnectionPool {
	if !allowReplica || len(g.replicas) == 0 {
		return g.master
	}
	idx := g.cursor.Add(1) - 1
	return g.replicas[int(idx)%len(g.replicas)]
}

// Stats reports per-pool occupancy for the whole group.
func (g *ReplicationGroup) Stats() []Stats {
	stats := make([]Stats, 0, 1+len(g.replicas))
	stats = append(stats, g.master.Stats())
	for _, r := range g.replicas {
		stats = append(stats, r.Stats())
	}
	return stats
}

// Close tears down every pool in the group.
func (g *ReplicationGroup) Close() {
	g.master.Close()
	for _, r := range g.replicas {
		r.Close()
	}
}

// mergeServerParams reconciles the master's ParameterStatus set with a
// replica's, per group.rs's merge_server_params 3-way rule: for
// server_version, the lower (older) version wins since it constrains
// feature availability across the whole group, with a warning; for any
// other key present on both sides with different values, the master's
// value wins, with a warning; for a key present only on the replica, it's
// dropped (logged), since clients only ever see params the master
// reported at startup.
func mergeServerParams(logger *slog.Logger, master, replica *pgproto.ServerParams) *pgproto.ServerParams {
	merged := master.Clone()
	for _, rp := range replica.Pairs() {
		mv, ok := master.Get(rp.Key)
		if !ok {
			logger.Warn("dropping replica-only server parameter", "key", rp.Key, "value", rp.Value)
			continue
		}
		if mv == rp.Value {
			continue
		}
		if rp.Key == "server_version" {
			if versionLess(rp.Value, mv) {
				logger.Warn("replica reports an older server_version, adopting it for the group",
					"master_version", mv, "replica_version", rp.Value)
				merged.Set(rp.Key, rp.Value)
			} else {
				logger.Warn("replica reports a newer server_version, keeping the master's",
					"master_version", mv, "replica_version", rp.Value)
			}
			continue
		}
		logger.Warn("server parameter mismatch between master and replica, keeping the master's value",
			"key", rp.Key, "master_value", mv, "replica_value", rp.Value)
	}
	return merged
}

// versionLess does a best-effort numeric compare of two PostgreSQL
// server_version strings (e.g. "14.5", "15.2 (Debian ...)"); on any
// parse failure it falls back to a lexical compare so merge_server_params
// always produces a deterministic answer.
func versionLess(a, b string) bool {
	av, aok := parseLeadingVersion(a)
	bv, bok := parseLeadingVersion(b)
	if aok && bok {
		for i := 0; i < len(av) && i < len(bv); i++ {
			if av[i] != bv[i] {
				return av[i] < bv[i]
			}
		}
		return len(av) < len(bv)
	}
	return a < b
}

func parseLeadingVersion(s string) ([]int, bool) {
	var parts []int
	cur := 0
	seenDigit := false
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			cur = cur*10 + int(s[i]-'0')
			seenDigit = true
			continue
		}
		if i < len(s) && s[i] == '.' {
			parts = append(parts, cur)
			cur = 0
			continue
		}
		break
	}
	if seenDigit {
		parts = append(parts, cur)
	}
	return parts, len(parts) > 0
}
