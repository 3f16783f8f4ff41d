// Package pgpool implements the connection pool, replication-group
// round robin, and cluster topology RiverDB uses to route and reuse
// backend PostgreSQL connections. Grounded on original_source/pg/{pool,
// group,cluster}.rs for the algorithms and the teacher's
// internal/pool/pool.go for the Go-idiomatic LIFO-mutex-pool shape.
package pgpool

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/pgconn"
	"github.com/riverdb/riverdb/internal/pgfsm"
	"github.com/riverdb/riverdb/internal/pgproto"
)

// netSender writes a BackendConnection's outbound wire bytes straight to
// the TCP (or TLS) connection to the real PostgreSQL server.
type netSender struct {
	conn net.Conn
}

func (s *netSender) SendToServer(m pgproto.Messages) error {
	_, err := s.conn.Write(m.Bytes())
	return err
}

// readFrame reads exactly one PostgreSQL protocol frame off conn. tagged
// must be false only while reading the server's reply during the startup
// phase (the AuthenticationRequest stream onward is always tagged).
// Grounded on the teacher's proxy package's hand-rolled big-endian framing
// (internal/proxy/pg_relay.go), adapted to build a pgproto.Messages
// instead of parsing the header inline.
func readFrame(r io.Reader, tagged bool) (pgproto.Messages, error) {
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
		return pgproto.Messages{}, fmt.Errorf("pgpool: frame length %d is less than the minimum of 4", length)
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

// dialBackend opens a fresh, authenticated connection to cfg's server: TCP
// dial, optional TLS upgrade, startup packet, and the full authentication
// handshake. Grounded on original_source/pg/backend.rs's connect flow
// (ssl_handshake -> start -> backend_authenticate loop) driven here over a
// real net.Conn instead of the original's mio-polled transport.
func dialBackend(ctx context.Context, id uint32, cfg config.ServerConfig) (*pgconn.BackendConnection, net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.EffectiveDialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("pgpool: dialing %s: %w", cfg.Address(), err)
	}

	sender := &netSender{conn: conn}
	backend := pgconn.NewBackendConnection(id, sender)

	if cfg.TLSHost != "" {
		if err := backend.SendSSLRequest(); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("pgpool: sending SSLRequest: %w", err)
		}
		reply := make([]byte, 1)
		if _, err := io.ReadFull(conn, reply); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("pgpool: reading SSLRequest reply: %w", err)
		}
		if !pgconn.SSLAccepted(reply[0]) {
			conn.Close()
			return nil, nil, fmt.Errorf("pgpool: server %s refused TLS", cfg.Address())
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.TLSHost})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("pgpool: TLS handshake with %s: %w", cfg.Address(), err)
		}
		conn = tlsConn
		sender.conn = conn
	}

	startup, err := backend.StartupRequest(cfg.Database, cfg.User, cfg.Password)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("pgpool: building startup request: %w", err)
	}
	if err := sender.SendToServer(startup); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("pgpool: sending startup request: %w", err)
	}

	if err := runAuthentication(ctx, backend, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}

	if err := drainStartupMessages(backend, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return backend, conn, nil
}

// runAuthentication drives the AuthenticationRequest round trips to
// completion, grounded on backend.rs's backend_authenticate/sasl_auth.
func runAuthentication(ctx context.Context, backend *pgconn.BackendConnection, conn net.Conn) error {
	scram := &pgconn.ScramState{}
	for {
		frame, err := readFrame(conn, true)
		if err != nil {
			return fmt.Errorf("pgpool: reading authentication frame: %w", err)
		}
		msg, ok, err := frame.First()
		if err != nil || !ok {
			return fmt.Errorf("pgpool: malformed authentication frame: %v", err)
		}
		if msg.Tag() == pgproto.ExecuteOrError {
			pgErr, perr := pgproto.ParsePostgresError(msg)
			if perr != nil {
				return perr
			}
			return pgErr
		}

		reply, done, err := backend.Authenticate(msg, scram)
		if err != nil {
			return fmt.Errorf("pgpool: authentication failed: %w", err)
		}
		if done {
			return nil
		}
		if !reply.IsEmpty() {
			if err := (&netSender{conn: conn}).SendToServer(reply); err != nil {
				return fmt.Errorf("pgpool: sending authentication reply: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// drainStartupMessages reads ParameterStatus/BackendKeyData/ReadyForQuery
// frames until the backend FSM reaches Ready, grounded on backend.rs's
// Startup arm of backend_messages.
func drainStartupMessages(backend *pgconn.BackendConnection, conn net.Conn) error {
	for {
		frame, err := readFrame(conn, true)
		if err != nil {
			return fmt.Errorf("pgpool: reading startup frame: %w", err)
		}
		if err := backend.HandleMessages(frame); err != nil {
			return fmt.Errorf("pgpool: handling startup frame: %w", err)
		}
		if backend.State() == pgfsm.BackendReady {
			return nil
		}
	}
}

// readLoop continuously frames incoming server traffic and feeds it to the
// backend's dispatch core, until the connection closes or the pool tears
// the backend down. Runs for the lifetime of a pooled connection, grounded
// on the teacher's per-connection goroutine pattern in internal/proxy.
func readLoop(backend *pgconn.BackendConnection, conn net.Conn, onError func(error)) {
	for {
		frame, err := readFrame(conn, true)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if err := backend.HandleMessages(frame); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
	}
}
