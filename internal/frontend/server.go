// Package frontend implements the client-facing side of RiverDB: accepting
// PostgreSQL wire-protocol connections, negotiating TLS and authentication,
// and relaying traffic to a backend picked from the cluster. Grounded on
// proxy/server.go and proxy/postgres.go, generalized from a single
// hand-rolled per-tenant goroutine loop to sessions built on pgproto's typed
// framing and pgconn's shared backend connections.
package frontend

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgconn"
	"github.com/riverdb/riverdb/internal/pgpool"
	"github.com/riverdb/riverdb/internal/pgproto"
)

// Server accepts PostgreSQL client connections and serves each on its own
// Session. Grounded on proxy/server.go's Server/ListenPostgres/acceptLoop.
// Live sessions are tracked in a pgconn.Registry sized off
// ListenConfig.MaxProxyConnections, enforcing a proxy-wide connection cap
// independently of any one server's own max_connections.
type Server struct {
	cluster   *pgpool.Cluster
	metrics   *metrics.Collector
	tlsConfig *tls.Config
	logger    *slog.Logger

	registry *pgconn.Registry[*Session]

	listener net.Listener
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server. tlsConfig may be nil, in which case RiverDB
// refuses every client SSLRequest and serves plaintext only.
func NewServer(cluster *pgpool.Cluster, m *metrics.Collector, tlsConfig *tls.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cluster:   cluster,
		metrics:   m,
		tlsConfig: tlsConfig,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Listen binds the given listen config's Postgres port and starts accepting
// connections in the background. Grounded on proxy/server.go's
// ListenPostgres.
func (s *Server) Listen(lc config.ListenConfig) error {
	maxConns := uint32(lc.MaxProxyConnections)
	if maxConns == 0 {
		maxConns = 1000
	}
	s.registry = pgconn.NewRegistry[*Session](maxConns, 0)

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(lc.PostgresPort)))
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("listening for postgres clients", "addr", ln.Addr(), "max_connections", maxConns)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sess, err := s.registry.Add(func() *Session {
		return NewSession(conn, s.cluster, s.metrics, s.tlsConfig, s.logger)
	})
	if err != nil {
		s.logger.Warn("rejecting connection: registry full", "remote", conn.RemoteAddr(), "error", err)
		conn.Write(pgproto.NewError(pgproto.SeverityFatal, "53300", "too many connections").Finish().Bytes())
		return
	}
	defer s.registry.Remove(sess.ID())

	if err := sess.Serve(s.ctx); err != nil {
		s.logger.Debug("session ended", "remote", conn.RemoteAddr(), "error", err)
	}
}

// Stop closes the listener and waits for every in-flight session to return.
// In-flight sessions observe ctx cancellation on their next loop iteration
// rather than being forcibly severed, matching proxy/server.go's Stop.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}
