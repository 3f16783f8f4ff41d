package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/pgconn"
)

// Stats reports a single server's pool occupancy, for the admin API.
type Stats struct {
	Database           string `json:"database"`
	Address            string `json:"address"`
	Idle               int    `json:"idle"`
	ActiveTransactions int32  `json:"active_transactions"`
	MaxTransactions    int32  `json:"max_transactions"`
	MaxConnections     int    `json:"max_connections"`
	TotalDialed        uint32 `json:"total_dialed"`
}

// ConnectionPool manages backend connections to a single PostgreSQL
// server (one master or one replica). Grounded on original_source/pg/
// pool.rs's ConnectionPool: admission control via an atomic transaction
// counter decoupled from connection count, and a LIFO free list so the
// most recently used connection (warmest OS/TLS/plan cache) is handed
// out first — adapted from the teacher's internal/pool/pool.go mutex+cond
// shape rather than the original's lock-free queue, per the registry
// ledger's "Go favors mutexes over lock-free structures" rationale.
type ConnectionPool struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	mu    sync.Mutex
	idle  []*pgconn.BackendConnection
	conns map[uint32]net.Conn // backend ID -> its transport, for Close()

	activeTransactions atomic.Int32
	maxTransactions     int32
	nextID              atomic.Uint32
	liveConns           atomic.Int32

	closed   bool
	sweepDone chan struct{}
}

// idleSweepInterval is how often a pool with a configured idle timeout
// checks its free list for connections that have sat pooled too long.
// Grounded on C8's idle-timeout sweep, sized independently of the
// configured timeout itself since a sweep cadence of the full timeout
// would let a connection sit up to 2x its budget before being caught.
const idleSweepInterval = 30 * time.Second

// NewConnectionPool creates a pool for one server; it does not pre-dial
// any connections (grounded on pool.rs, which dials lazily on Get()).
func NewConnectionPool(cfg config.ServerConfig, logger *slog.Logger) *ConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ConnectionPool{
		cfg:             cfg,
		logger:          logger.With("database", cfg.Database, "address", cfg.Address()),
		maxTransactions: int32(cfg.MaxConcurrentTransactions),
		conns:           make(map[uint32]net.Conn),
	}
	if cfg.IdleTimeoutSeconds > 0 {
		p.sweepDone = make(chan struct{})
		go p.sweepIdleLoop()
	}
	return p
}

// sweepIdleLoop periodically discards idle connections that have sat in
// the free list longer than the server's configured idle timeout. Grounded
// on C8's "sweeper... closes any connection whose last-active timestamp is
// older than timeout_seconds", scoped here to the pool's own free list
// (rather than pgconn.Registry's generic LastActive sweep) because
// BackendConnection.LastActive reports 0 while checked out — a sentinel
// for "not pooled", not a real idle duration — so a sweep must only ever
// walk the subset of connections actually sitting idle.
func (p *ConnectionPool) sweepIdleLoop() {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.sweepDone:
			return
		}
	}
}

func (p *ConnectionPool) sweepIdle() {
	limit := uint32(p.cfg.IdleTimeoutSeconds)
	now := uint32(time.Now().Unix())

	p.mu.Lock()
	var expired []*pgconn.BackendConnection
	kept := p.idle[:0]
	for _, backend := range p.idle {
		if backend.LastActive()+limit < now {
			expired = append(expired, backend)
			continue
		}
		kept = append(kept, backend)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, backend := range expired {
		p.discard(backend)
	}
}

// Get acquires a backend connection for a new transaction, respecting the
// server's max_concurrent_transactions admission limit. Grounded on
// pool.rs's get(): pop a pooled connection and health-check it; if the
// health check fails, discard it and retry with the next pooled
// connection or a fresh dial, but a *newly dialed* connection's failure
// is returned directly rather than retried (a fresh dial failing again
// immediately is unlikely to be the pool's fault).
func (p *ConnectionPool) Get(ctx context.Context) (*pgconn.BackendConnection, error) {
	return p.get(ctx, true)
}

// GetForHandshake acquires a backend connection without counting it against
// max_concurrent_transactions, for callers that need one to read startup
// parameters or BackendKeyData but never drive a transaction on it (the
// synthetic handshake in frontend.Session.sendAuthOK). Grounded on C9's
// get(application_name, role, tx_type): admission only applies "if tx_type
// != None".
func (p *ConnectionPool) GetForHandshake(ctx context.Context) (*pgconn.BackendConnection, error) {
	return p.get(ctx, false)
}

func (p *ConnectionPool) get(ctx context.Context, forTransaction bool) (*pgconn.BackendConnection, error) {
	if forTransaction && !p.admit() {
		return nil, fmt.Errorf("pgpool: %s: max_concurrent_transactions (%d) reached", p.cfg.Database, p.maxTransactions)
	}

	for {
		backend, ok := p.popIdle()
		if !ok {
			if !p.admitConnection() {
				if forTransaction {
					p.activeTransactions.Add(-1)
				}
				return nil, fmt.Errorf("pgpool: %s: max_connections (%d) reached", p.cfg.Database, p.cfg.MaxConnections)
			}
			backend, conn, err := p.dial(ctx)
			if err != nil {
				if forTransaction {
					p.activeTransactions.Add(-1)
				}
				p.liveConns.Add(-1)
				return nil, err
			}
			p.registerConn(backend.ID(), conn)
			backend.SetForTransaction(forTransaction)
			backend.Attach(nil, p)
			go readLoop(backend, conn, func(err error) {
				p.logger.Warn("backend connection read loop ended", "error", err)
			})
			return backend, nil
		}

		if err := backend.CheckHealthAndSetRole("riverdb", ""); err != nil {
			p.logger.Warn("pooled connection failed health check, discarding", "error", err)
			p.discard(backend)
			continue
		}
		backend.SetForTransaction(forTransaction)
		backend.Attach(nil, p)
		return backend, nil
	}
}

func (p *ConnectionPool) registerConn(id uint32, conn net.Conn) {
	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()
}

func (p *ConnectionPool) discard(backend *pgconn.BackendConnection) {
	backend.Close()
	p.mu.Lock()
	conn, ok := p.conns[backend.ID()]
	delete(p.conns, backend.ID())
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
	p.liveConns.Add(-1)
}

// admitConnection reserves one of the server's max_connections slots before
// a fresh dial, mirroring admit()'s CAS-loop shape. Grounded on C9's
// acquire semantics: "attempt to create a new one (which may fail because
// the registry is full)" — RiverDB has no separate registry of backend
// connections (see pgconn.Registry's doc comment on why it's wired to
// client sessions instead), so max_connections is enforced here directly.
func (p *ConnectionPool) admitConnection() bool {
	if p.cfg.MaxConnections <= 0 {
		p.liveConns.Add(1)
		return true
	}
	limit := int32(p.cfg.MaxConnections)
	for {
		cur := p.liveConns.Load()
		if cur >= limit {
			return false
		}
		if p.liveConns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// admit reserves one of the server's max_concurrent_transactions slots,
// returning false if the server is already at capacity.
func (p *ConnectionPool) admit() bool {
	if p.maxTransactions <= 0 {
		p.activeTransactions.Add(1)
		return true
	}
	for {
		cur := p.activeTransactions.Load()
		if cur >= p.maxTransactions {
			return false
		}
		if p.activeTransactions.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (p *ConnectionPool) popIdle() (*pgconn.BackendConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	backend := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return backend, true
}

func (p *ConnectionPool) dial(ctx context.Context) (*pgconn.BackendConnection, net.Conn, error) {
	id := p.nextID.Add(1)
	return dialBackend(ctx, id, p.cfg)
}

// Put returns a backend connection to the pool after its transaction
// ends. Grounded on pool.rs's put(): reset session state, stamp the pool
// arrival time, and push onto the LIFO free list. A connection whose
// Reset() fails is discarded instead of pooled. The active-transactions
// slot is only credited back when the matching Get acquired it (see
// BackendConnection.ForTransaction), so a handshake-only acquisition that
// never counted against the limit doesn't under-flow it on release.
func (p *ConnectionPool) Put(backend *pgconn.BackendConnection) {
	if backend.ForTransaction() {
		p.activeTransactions.Add(-1)
	}

	if err := backend.Reset(); err != nil {
		p.logger.Warn("discarding backend connection: reset failed", "error", err)
		p.discard(backend)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(backend)
		return
	}
	p.mu.Unlock()

	if err := backend.SetInPool(uint32(time.Now().Unix())); err != nil {
		p.logger.Warn("discarding backend connection: SetInPool failed", "error", err)
		p.discard(backend)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, backend)
}

// Config returns the server configuration this pool dials against.
func (p *ConnectionPool) Config() config.ServerConfig { return p.cfg }

// Stats reports the pool's current occupancy.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Database:           p.cfg.Database,
		Address:             p.cfg.Address(),
		Idle:                idle,
		ActiveTransactions:  p.activeTransactions.Load(),
		MaxTransactions:     p.maxTransactions,
		MaxConnections:      p.cfg.MaxConnections,
		TotalDialed:         p.nextID.Load(),
	}
}

// Close discards every idle connection and marks the pool closed; any
// connection currently checked out is closed when it's Put back.
func (p *ConnectionPool) Close() {
	if p.sweepDone != nil {
		close(p.sweepDone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, backend := range p.idle {
		backend.Close()
		if conn, ok := p.conns[backend.ID()]; ok {
			conn.Close()
			delete(p.conns, backend.ID())
		}
	}
	p.idle = nil
}
