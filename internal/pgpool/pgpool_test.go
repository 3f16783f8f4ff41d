package pgpool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/pgproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePGServer starts a loopback TCP listener driving handler for each
// accepted connection and returns its "host:port" address. Grounded on
// the teacher's style of testing pool/dial logic against net.Pipe/real
// loopback connections rather than mocking the pool's collaborators
// (internal/pool/pool_test.go's TestConcurrentAcquireReturn).
func fakePGServer(t *testing.T, handler func(net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func authOK() pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.AuthenticationRequest)
	b.WriteInt32(0)
	return b.Finish()
}

func paramStatus(key, value string) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.ParameterStatus)
	b.WriteCString(key)
	b.WriteCString(value)
	return b.Finish()
}

func backendKeyData(pid, secret int32) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.BackendKeyData)
	b.WriteInt32(pid)
	b.WriteInt32(secret)
	return b.Finish()
}

func testReadyForQuery() pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.ReadyForQuery)
	b.WriteByte('I')
	return b.Finish()
}

func testCommandComplete(tag string) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.CloseOrCommandComplete)
	b.WriteCString(tag)
	return b.Finish()
}

func writeAll(conn net.Conn, runs ...pgproto.Messages) error {
	for _, r := range runs {
		if _, err := conn.Write(r.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// acceptHandshake drains the client's startup message (untagged), then
// replies with AuthenticationOk, a server_version ParameterStatus,
// BackendKeyData, and ReadyForQuery — a complete, minimal startup
// sequence from the server's point of view.
func acceptHandshake(t *testing.T, conn net.Conn) bool {
	t.Helper()
	if _, err := readFrame(conn, false); err != nil {
		return false
	}
	if err := writeAll(conn,
		authOK(),
		paramStatus("server_version", "14.5"),
		backendKeyData(4242, 99),
		testReadyForQuery(),
	); err != nil {
		return false
	}
	return true
}

// serveQueries replies to every subsequent Query frame with a generic
// CommandComplete + ReadyForQuery, until the connection closes.
func serveQueries(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn, true)
		if err != nil {
			return
		}
		msg, ok, err := frame.First()
		if err != nil || !ok {
			return
		}
		if msg.Tag() == pgproto.Query {
			if err := writeAll(conn, testCommandComplete("SET"), testReadyForQuery()); err != nil {
				return
			}
		}
	}
}

func defaultHandler(t *testing.T) func(net.Conn) {
	return func(conn net.Conn) {
		if !acceptHandshake(t, conn) {
			conn.Close()
			return
		}
		serveQueries(conn)
	}
}

func testServerConfig(t *testing.T, database string, handler func(net.Conn)) config.ServerConfig {
	host, port := fakePGServer(t, handler)
	return config.ServerConfig{
		Database:                  database,
		Host:                      host,
		Port:                      port,
		User:                      "riverdb",
		Password:                  "secret",
		MaxConnections:            10,
		MaxConcurrentTransactions: 2,
		IdleTimeoutSeconds:        1800,
	}
}

func TestConnectionPoolGetDialsAndPutPools(t *testing.T) {
	cfg := testServerConfig(t, "orders", defaultHandler(t))
	pool := NewConnectionPool(cfg, nil)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	backend, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := pool.Stats().ActiveTransactions; got != 1 {
		t.Fatalf("ActiveTransactions = %d, want 1", got)
	}

	pool.Put(backend)

	stats := pool.Stats()
	if stats.ActiveTransactions != 0 {
		t.Fatalf("ActiveTransactions after Put = %d, want 0", stats.ActiveTransactions)
	}
	if stats.Idle != 1 {
		t.Fatalf("Idle after Put = %d, want 1", stats.Idle)
	}
}

func TestConnectionPoolReusesPooledConnection(t *testing.T) {
	cfg := testServerConfig(t, "orders", defaultHandler(t))
	pool := NewConnectionPool(cfg, nil)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get #1: %v", err)
	}
	firstID := first.ID()
	pool.Put(first)

	second, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get #2: %v", err)
	}
	if second.ID() != firstID {
		t.Fatalf("expected Get to reuse the pooled connection (id %d), got a different one (id %d)", firstID, second.ID())
	}
	if pool.nextID.Load() != 1 {
		t.Fatalf("expected no new dial, nextID = %d, want 1", pool.nextID.Load())
	}
}

func TestConnectionPoolAdmissionControlRejectsAtCapacity(t *testing.T) {
	cfg := testServerConfig(t, "orders", defaultHandler(t))
	cfg.MaxConcurrentTransactions = 1
	pool := NewConnectionPool(cfg, nil)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	backend, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get #1: %v", err)
	}

	if _, err := pool.Get(ctx); err == nil {
		t.Fatal("expected Get to reject once max_concurrent_transactions is reached")
	}

	pool.Put(backend)
	if _, err := pool.Get(ctx); err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
}

func TestConnectionPoolGetSurfacesDialErrors(t *testing.T) {
	cfg := config.ServerConfig{
		Database:                  "orders",
		Host:                      "127.0.0.1",
		Port:                      1, // nothing listens here
		User:                      "riverdb",
		MaxConnections:            10,
		MaxConcurrentTransactions: 10,
		DialTimeout:               durationPtr(200 * time.Millisecond),
	}
	pool := NewConnectionPool(cfg, nil)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := pool.Get(ctx); err == nil {
		t.Fatal("expected Get to surface the dial error")
	}
	if got := pool.Stats().ActiveTransactions; got != 0 {
		t.Fatalf("ActiveTransactions after failed dial = %d, want 0 (admission slot must be released)", got)
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }
