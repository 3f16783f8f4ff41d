package health

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgpool"
)

// Status represents the health status of a database node.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// nodeKey identifies one pool within a replication group: the database name
// plus a role, "master" or "replica:<index>".
type nodeKey struct {
	database string
	role     string
}

// NodeHealth holds health information for a single database node.
type NodeHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on every pool in a cluster by
// checking out and immediately returning a connection — CheckHealthAndSetRole
// runs on checkout, so a successful Get/Put round trip proves the backend is
// alive at the SQL level, not merely that its TCP port is open.
type Checker struct {
	mu    sync.RWMutex
	nodes map[nodeKey]*NodeHealth

	cluster *pgpool.Cluster
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds the tunable parameters of a Checker.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	ConnectionTimeout time.Duration
}

// NewChecker creates a new health checker over the given cluster.
func NewChecker(cluster *pgpool.Cluster, m *metrics.Collector, cfg Config) *Checker {
	return &Checker{
		nodes:             make(map[nodeKey]*NodeHealth),
		cluster:           cluster,
		metrics:           m,
		interval:          cfg.Interval,
		failureThreshold:  cfg.FailureThreshold,
		connectionTimeout: cfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, database := range c.cluster.Databases() {
		group, err := c.cluster.Resolve(database)
		if err != nil {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.checkPool(database, "master", group.Master())
		}()

		for i, replica := range group.Replicas() {
			wg.Add(1)
			sem <- struct{}{}
			role := replicaRole(i)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.checkPool(database, role, replica)
			}()
		}
	}
	wg.Wait()
}

func (c *Checker) checkPool(database, role string, pool *pgpool.ConnectionPool) {
	start := time.Now()
	healthy, errMsg := c.pingPool(pool)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(database, elapsed, healthy)
	}
	c.updateStatus(database, role, healthy, errMsg)
}

func (c *Checker) pingPool(pool *pgpool.ConnectionPool) (healthy bool, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	backend, err := pool.Get(ctx)
	if err != nil {
		return false, err.Error()
	}
	pool.Put(backend)
	return true, ""
}

func (c *Checker) updateStatus(database, role string, healthy bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := nodeKey{database: database, role: role}
	nh := c.getOrCreate(key)
	nh.LastCheck = time.Now()

	if healthy {
		if nh.ConsecutiveFailures > 0 {
			slog.Info("database node recovered", "database", database, "role", role, "failures", nh.ConsecutiveFailures)
		}
		nh.Status = StatusHealthy
		nh.ConsecutiveFailures = 0
		nh.LastError = ""
	} else {
		nh.ConsecutiveFailures++
		nh.LastError = errMsg
		if nh.ConsecutiveFailures >= c.failureThreshold {
			if nh.Status != StatusUnhealthy {
				slog.Warn("database node marked unhealthy", "database", database, "role", role, "failures", nh.ConsecutiveFailures, "error", errMsg)
			}
			nh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetDatabaseHealth(database, role, nh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(key nodeKey) *NodeHealth {
	nh, ok := c.nodes[key]
	if !ok {
		nh = &NodeHealth{Status: StatusUnknown}
		c.nodes[key] = nh
	}
	return nh
}

// IsHealthy returns whether a database's master is healthy (or unknown, which is treated as healthy).
func (c *Checker) IsHealthy(database string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nh, ok := c.nodes[nodeKey{database: database, role: "master"}]
	if !ok {
		return true
	}
	return nh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a specific database node.
func (c *Checker) GetStatus(database, role string) NodeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nh, ok := c.nodes[nodeKey{database: database, role: role}]
	if !ok {
		return NodeHealth{Status: StatusUnknown}
	}
	return *nh
}

// GetAllStatuses returns health statuses for every known database node, keyed
// as "database" for the master and "database:role" for replicas.
func (c *Checker) GetAllStatuses() map[string]NodeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]NodeHealth, len(c.nodes))
	for key, nh := range c.nodes {
		label := key.database
		if key.role != "master" {
			label = key.database + ":" + key.role
		}
		result[label] = *nh
	}
	return result
}

// OverallHealthy returns true if every master node is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, nh := range c.nodes {
		if key.role == "master" && nh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveDatabase removes health state for a database dropped from config.
func (c *Checker) RemoveDatabase(database string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.nodes {
		if key.database == database {
			delete(c.nodes, key)
		}
	}
	if c.metrics != nil {
		c.metrics.RemoveDatabase(database)
	}
	slog.Info("removed health state", "database", database)
}

func replicaRole(index int) string {
	return "replica:" + strconv.Itoa(index)
}
