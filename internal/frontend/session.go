package frontend

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgconn"
	"github.com/riverdb/riverdb/internal/pgfsm"
	"github.com/riverdb/riverdb/internal/pgpool"
	"github.com/riverdb/riverdb/internal/pgproto"
	"github.com/riverdb/riverdb/internal/pgsql"
)

// errCancelRequest signals that the connection was a bare CancelRequest, not
// a real client session; Serve treats it as a clean, silent exit.
var errCancelRequest = errors.New("frontend: cancel request")

// maxNegotiationAttempts bounds the SSL/GSS negotiation loop before
// giving up on a client that won't settle on a startup message, grounded
// on proxy/postgres.go's readStartupMessage maxSSLAttempts.
const maxNegotiationAttempts = 3

// Session is one client-facing PostgreSQL connection: it owns the wire
// framing to the client, the client-facing FSM, and (for the duration of a
// request) the backend connection currently serving it. Grounded on
// proxy/pg_relay.go's relayPGTransactionMode, rebuilt around pgconn's
// shared BackendConnection instead of a raw net.Conn held for the whole
// session.
type Session struct {
	id         uint32
	lastActive atomic.Uint32

	conn      net.Conn
	writeMu   sync.Mutex
	cluster   *pgpool.Cluster
	metrics   *metrics.Collector
	tlsConfig *tls.Config
	logger    *slog.Logger

	state *pgfsm.ClientConnState

	database string
	user     string
	group    *pgpool.ReplicationGroup

	mu       sync.Mutex
	pool     *pgpool.ConnectionPool
	backend  *pgconn.BackendConnection
	txnStart time.Time
}

// ID, SetID, LastActive and Close implement pgconn.Connection, letting
// Server track live sessions in a pgconn.Registry capacity-bounded by
// ListenConfig.MaxProxyConnections — the same C8 registry BackendConnection
// itself can't use cleanly, since its LastActive() doubles as a "currently
// checked out" sentinel (0) rather than a true idle duration. A Session's
// LastActive is always a real timestamp, so it fits the registry's sweep
// contract directly.
func (s *Session) ID() uint32         { return s.id }
func (s *Session) SetID(id uint32)    { s.id = id }
func (s *Session) LastActive() uint32 { return s.lastActive.Load() }
func (s *Session) Close()             { s.conn.Close() }

func (s *Session) touch() {
	s.lastActive.Store(pgconn.CoarseMonotonicNow())
}

// NewSession wraps a freshly accepted client connection.
func NewSession(conn net.Conn, cluster *pgpool.Cluster, m *metrics.Collector, tlsConfig *tls.Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:      conn,
		cluster:   cluster,
		metrics:   m,
		tlsConfig: tlsConfig,
		logger:    logger,
		state:     pgfsm.NewClientConnState(),
	}
	s.touch()
	return s
}

// Serve drives the session to completion: startup negotiation,
// authentication, the synthetic auth-ok handshake, then the steady-state
// relay loop. Grounded on proxy/pg_relay.go's relayPGTransactionMode entry
// sequence.
func (s *Session) Serve(ctx context.Context) error {
	params, err := s.negotiateStartup()
	if err != nil {
		if errors.Is(err, errCancelRequest) {
			return nil
		}
		return err
	}

	user, _ := params.Get("user")
	database, _ := params.Get("database")
	s.user, s.database = user, database
	s.logger = s.logger.With("database", database, "user", user)

	group, err := s.cluster.Resolve(database)
	if err != nil {
		s.sendFatal("3D000", fmt.Sprintf("database %q does not exist", database))
		return err
	}
	s.group = group

	if err := s.state.Transition(pgfsm.ClientAuthentication); err != nil {
		return err
	}
	if err := s.authenticate(ctx); err != nil {
		return err
	}
	if err := s.sendAuthOK(ctx); err != nil {
		return err
	}

	start := time.Now()
	err = s.relayLoop(ctx)
	if s.metrics != nil {
		s.metrics.SessionDuration(s.database, time.Since(start))
	}
	return err
}

// negotiateStartup reads frames until it has a parsed startup message,
// handling the SSL/GSS negotiation loop and a bare CancelRequest along the
// way. Grounded on proxy/postgres.go's readStartupMessage.
func (s *Session) negotiateStartup() (*pgproto.ServerParams, error) {
	for attempt := 0; ; attempt++ {
		if attempt >= maxNegotiationAttempts {
			return nil, fmt.Errorf("frontend: too many startup negotiation attempts")
		}

		frame, err := readRawFrame(s.conn, false)
		if err != nil {
			return nil, fmt.Errorf("frontend: reading startup frame: %w", err)
		}
		msg, ok, err := frame.First()
		if err != nil || !ok {
			return nil, fmt.Errorf("frontend: malformed startup frame")
		}

		r := msg.Reader()
		code, err := r.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("frontend: reading startup code: %w", err)
		}

		switch uint32(code) {
		case pgproto.SSLRequestCode:
			if s.tlsConfig != nil {
				if err := s.writeRaw([]byte{pgproto.SSLAllowed}); err != nil {
					return nil, err
				}
				tlsConn := tls.Server(s.conn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, fmt.Errorf("frontend: TLS handshake: %w", err)
				}
				s.conn = tlsConn
				if err := s.state.Transition(pgfsm.ClientSSLHandshake); err != nil {
					return nil, err
				}
			} else if err := s.writeRaw([]byte{pgproto.SSLNotAllowed}); err != nil {
				return nil, err
			}
		case pgproto.GSSEncRequestCode:
			if err := s.writeRaw([]byte{pgproto.SSLNotAllowed}); err != nil {
				return nil, err
			}
		case pgproto.CancelRequestCode:
			// RiverDB doesn't track which backend a given PID/secret was
			// issued for, so there is nothing to dispatch the cancel to;
			// the idle-timeout sweeper is the unit of cancellation here.
			return nil, errCancelRequest
		default:
			return pgproto.ParseStartupParams(r)
		}
	}
}

// authenticate requests a cleartext password from the client and validates
// it against the real cluster via the auth-passthrough cache. Grounded on
// proxy/postgres.go's relayAuth, simplified to a single mechanism since
// RiverDB (not the real server) is the one authenticating the client.
func (s *Session) authenticate(ctx context.Context) error {
	b := pgproto.NewBuilder(pgproto.AuthenticationRequest)
	b.WriteInt32(3) // AuthenticationCleartextPassword
	if err := s.writeToClient(b.Finish()); err != nil {
		return err
	}

	frame, err := readRawFrame(s.conn, true)
	if err != nil {
		return fmt.Errorf("frontend: reading password message: %w", err)
	}
	msg, ok, err := frame.First()
	if err != nil || !ok {
		return fmt.Errorf("frontend: malformed password message")
	}
	if msg.Tag() != pgproto.PasswordMessage {
		return fmt.Errorf("frontend: expected PasswordMessage, got %s", msg.Tag())
	}
	password, err := msg.Reader().ReadCString()
	if err != nil {
		return err
	}

	if err := s.cluster.Authenticate(ctx, s.database, s.user, password); err != nil {
		s.sendFatal("28P01", "password authentication failed")
		return err
	}
	return nil
}

// sendAuthOK sends the synthetic AuthenticationOk + ParameterStatus +
// BackendKeyData + ReadyForQuery sequence that tells the client its session
// is ready, without that client actually owning a backend yet. Grounded on
// proxy/pg_relay.go's sendSyntheticAuthOK; the ParameterStatus values come
// from a throwaway master acquisition since RiverDB has no session-independent
// place to cache them once a pool exists.
func (s *Session) sendAuthOK(ctx context.Context) error {
	pool := s.group.RoundRobin(false)
	backend, err := pool.GetForHandshake(ctx)
	if err != nil {
		return fmt.Errorf("frontend: acquiring backend for handshake: %w", err)
	}

	b := pgproto.NewBuilder(pgproto.AuthenticationRequest)
	b.WriteInt32(0) // AuthenticationOk

	for _, kv := range backend.Params().Pairs() {
		switch kv.Key {
		case "database", "user", "password", "application_name":
			continue
		}
		b.AddNew(pgproto.ParameterStatus)
		b.WriteCString(kv.Key)
		b.WriteCString(kv.Value)
	}

	b.AddNew(pgproto.BackendKeyData)
	b.WriteInt32(backend.PID())
	b.WriteInt32(backend.Secret())

	if err := s.writeToClient(b.Finish()); err != nil {
		pool.Put(backend)
		return err
	}
	pool.Put(backend)

	return s.sendReadyForQuery('I')
}

// sendReadyForQuery builds and writes a ReadyForQuery frame through
// SendToClient, so the FSM transition and backend-release logic in
// observeReadyForQuery applies uniformly to synthetic and relayed traffic.
func (s *Session) sendReadyForQuery(status byte) error {
	b := pgproto.NewBuilder(pgproto.ReadyForQuery)
	b.WriteByte(status)
	return s.SendToClient(b.Finish())
}

func clientStateForStatus(status byte) pgfsm.ClientState {
	switch status {
	case 'T':
		return pgfsm.ClientTransaction
	case 'E':
		return pgfsm.ClientFailedTransaction
	default:
		return pgfsm.ClientReady
	}
}

func (s *Session) writeRaw(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) writeToClient(msgs pgproto.Messages) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(msgs.Bytes())
	return err
}

// SendToClient implements pgconn.ClientSink. It is the single choke point
// every client-bound message run passes through, whether forwarded from a
// real backend by forward() or synthesized by this session directly (auth
// handshake, error responses) — centralizing the ReadyForQuery-driven FSM
// transition and backend-release decision here, rather than relying solely
// on SessionIdle, covers extended-query-protocol traffic as well as simple
// queries. original_source/pg/backend.rs only tracks completion by Query
// tag count, which misses Parse/Bind/Execute/Sync cycles; this closes that
// gap instead of reproducing it.
func (s *Session) SendToClient(msgs pgproto.Messages) error {
	if err := s.writeToClient(msgs); err != nil {
		return err
	}
	return s.observeReadyForQuery(msgs)
}

func (s *Session) observeReadyForQuery(msgs pgproto.Messages) error {
	it := msgs.Iter(0)
	for {
		msg, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if msg.Tag() != pgproto.ReadyForQuery {
			continue
		}
		status, err := msg.Reader().ReadByte()
		if err != nil {
			return err
		}
		if err := s.state.Transition(clientStateForStatus(status)); err != nil {
			return err
		}
		if status == 'I' {
			s.releaseBackend(true)
		}
	}
}

// SessionIdle implements pgconn.ClientSink. forward() calls it once every
// pending client request has completed; releaseBackend is idempotent so
// this converges safely whether or not observeReadyForQuery already
// released the backend for the same ReadyForQuery.
func (s *Session) SessionIdle() error {
	s.releaseBackend(true)
	return nil
}

// releaseBackend returns the currently attached backend to its pool. When
// onlyIfIdle is true the release is skipped unless the client FSM is in
// ClientReady (not mid-transaction), so a ReadyForQuery('T') or ('E')
// observed mid-extended-protocol-exchange doesn't prematurely return a
// backend a transaction still needs.
func (s *Session) releaseBackend(onlyIfIdle bool) {
	s.mu.Lock()
	if onlyIfIdle && s.state.Get() != pgfsm.ClientReady {
		s.mu.Unlock()
		return
	}
	backend, pool, start := s.backend, s.pool, s.txnStart
	s.backend, s.pool = nil, nil
	s.mu.Unlock()

	if backend == nil || pool == nil {
		return
	}
	if s.metrics != nil && !start.IsZero() {
		s.metrics.TransactionCompleted(s.database, time.Since(start))
	}
	backend.Attach(nil, pool)
	pool.Put(backend)
}

// ensureBackend lazily acquires a backend for the leading frame of a new
// request cycle, picking a replica when allowReplica permits it. A backend
// already attached (mid-transaction, mid-extended-protocol-exchange) is
// reused as-is.
func (s *Session) ensureBackend(ctx context.Context, first pgproto.Message) (*pgconn.BackendConnection, error) {
	s.mu.Lock()
	if s.backend != nil {
		backend := s.backend
		s.mu.Unlock()
		return backend, nil
	}
	s.mu.Unlock()

	toReplica := s.allowReplica(first)
	pool := s.group.RoundRobin(toReplica)

	acquireStart := time.Now()
	backend, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AcquireDuration(s.database, time.Since(acquireStart))
		if toReplica {
			s.metrics.ReplicaRead(s.database)
		}
	}

	backend.Attach(s, pool)

	s.mu.Lock()
	s.backend, s.pool, s.txnStart = backend, pool, time.Now()
	s.mu.Unlock()

	return backend, nil
}

// allowReplica reports whether the leading frame of a new request cycle may
// be routed to a read replica: only a bare simple-Query classified as a
// read-only SELECT, issued while not already inside a transaction.
// Extended-query-protocol traffic (Parse/Bind/Execute) always defaults to
// the master, since its eventual statement isn't known from the first frame.
func (s *Session) allowReplica(first pgproto.Message) bool {
	if s.state.Get() != pgfsm.ClientReady {
		return false
	}
	if first.Tag() != pgproto.Query {
		return false
	}
	info, _, err := pgsql.Normalize(first.Body())
	if err != nil {
		return false
	}
	return info.Type == pgsql.Select
}

// relayLoop reads one client request at a time, attaches a backend on
// demand, and forwards the request verbatim. It returns when the client
// disconnects, sends Terminate, or a backend forwarding error occurs.
// Grounded on proxy/pg_relay.go's relayPGTransactionMode main loop; the
// response half of that loop (reading until ReadyForQuery) is handled by
// pgconn's own read goroutine and forward() dispatch rather than inline
// here, since the pool keeps that goroutine running for the connection's
// whole lifetime.
func (s *Session) relayLoop(ctx context.Context) error {
	defer s.cleanupOnExit()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := readRawFrame(s.conn, true)
		if err != nil {
			return nil
		}
		s.touch()

		msg, ok, err := frame.First()
		if err != nil || !ok {
			return fmt.Errorf("frontend: malformed client frame")
		}

		if !s.state.MsgIsAllowed(msg.Tag()) {
			s.sendError("ERROR", "08P01", fmt.Sprintf("message type %s is not allowed in the current state", msg.Tag()))
			continue
		}

		if msg.Tag() == pgproto.Terminate {
			return nil
		}

		backend, err := s.ensureBackend(ctx, msg)
		if err != nil {
			s.sendFatal("08006", "cannot acquire backend connection")
			return err
		}

		if err := backend.ForwardFromClient(frame); err != nil {
			s.detachBackend()
			return fmt.Errorf("frontend: forwarding to backend: %w", err)
		}
	}
}

// detachBackend drops the session's reference to its backend without
// returning it to the pool, used when a forwarding error leaves the
// connection in an unknown state and the pool's own health checks should
// decide its fate on next use instead.
func (s *Session) detachBackend() {
	s.mu.Lock()
	s.backend, s.pool = nil, nil
	s.mu.Unlock()
}

// cleanupOnExit runs when relayLoop returns for any reason. A backend still
// attached means the client left mid-request or mid-transaction (including
// a clean Terminate sent while a transaction was still open); grounded on
// proxy/pg_relay.go's cleanupBackend, an unconditional ROLLBACK is issued
// before the connection is returned to its pool. A ROLLBACK with no
// transaction open is a harmless no-op warning from the server, so this is
// safe to run even when the client disconnected cleanly between
// transactions — which is simpler, and more correct, than branching on the
// backend FSM's transaction-state bit (never actually set during steady
// dispatch; see pgconn.BackendConnection.Reset's isTransactionState).
func (s *Session) cleanupOnExit() {
	s.mu.Lock()
	backend, pool := s.backend, s.pool
	s.backend, s.pool = nil, nil
	s.mu.Unlock()
	if backend == nil || pool == nil {
		return
	}

	if s.metrics != nil {
		s.metrics.DirtyDisconnect(s.database)
	}

	backend.Attach(nil, pool)
	if _, err := backend.Execute(rollbackMessage()); err != nil {
		backend.Close()
	}
	pool.Put(backend)
}

func rollbackMessage() pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.Query)
	b.WriteCString("ROLLBACK")
	return b.Finish()
}

func (s *Session) sendError(severity pgproto.ErrorSeverity, code pgproto.ErrorCode, message string) {
	s.writeToClient(pgproto.NewError(severity, code, message).Finish())
}

func (s *Session) sendFatal(code pgproto.ErrorCode, message string) {
	s.writeToClient(pgproto.NewError(pgproto.SeverityFatal, code, message).Finish())
}

// readRawFrame reads exactly one wire frame from r: a tagged frame (1-byte
// tag + 4-byte length) or an untagged one (bare 4-byte length, used only for
// the startup/SSLRequest/CancelRequest frames). Duplicated from
// pgpool/dial.go's unexported readFrame, since a frontend session reads off
// a raw net.Conn rather than through a BackendPool's Sender.
func readRawFrame(r io.Reader, tagged bool) (pgproto.Messages, error) {
	headerLen := 4
	if tagged {
		headerLen = 5
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return pgproto.Messages{}, err
	}

	var length uint32
	if tagged {
		length = binary.BigEndian.Uint32(header[1:5])
	} else {
		length = binary.BigEndian.Uint32(header[0:4])
	}
	if length < 4 {
		return pgproto.Messages{}, fmt.Errorf("frontend: frame length %d is less than the minimum of 4", length)
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return pgproto.Messages{}, err
	}

	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return pgproto.NewMessages(frame, tagged), nil
}
