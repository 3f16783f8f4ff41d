package frontend

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgpool"
	"github.com/riverdb/riverdb/internal/pgproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend starts a loopback PostgreSQL stand-in: it accepts the startup
// packet, unconditionally authenticates (AuthenticationOk), reports a
// server_version, and replies to every Query with a generic CommandComplete.
// Grounded on pgpool_test.go's fakePGServer/acceptHandshake/serveQueries, used
// here to drive a real client through frontend.Server rather than just
// ConnectionPool.
func fakeBackend(t *testing.T) (host string, port int) {
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
			go func(conn net.Conn) {
				defer conn.Close()
				if _, err := readRawFrame(conn, false); err != nil {
					return
				}
				auth := pgproto.NewBuilder(pgproto.AuthenticationRequest)
				auth.WriteInt32(0)
				ver := pgproto.NewBuilder(pgproto.ParameterStatus)
				ver.WriteCString("server_version")
				ver.WriteCString("14.5")
				rfq := pgproto.NewBuilder(pgproto.ReadyForQuery)
				rfq.WriteByte('I')
				for _, msgs := range []pgproto.Messages{auth.Finish(), ver.Finish(), rfq.Finish()} {
					if _, err := conn.Write(msgs.Bytes()); err != nil {
						return
					}
				}
				for {
					frame, err := readRawFrame(conn, true)
					if err != nil {
						return
					}
					msg, ok, err := frame.First()
					if err != nil || !ok {
						return
					}
					if msg.Tag() == pgproto.Query {
						cc := pgproto.NewBuilder(pgproto.CloseOrCommandComplete)
						cc.WriteCString("SELECT 1")
						r := pgproto.NewBuilder(pgproto.ReadyForQuery)
						r.WriteByte('I')
						if _, err := conn.Write(cc.Finish().Bytes()); err != nil {
							return
						}
						if _, err := conn.Write(r.Finish().Bytes()); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func startupMessage(database, user string) pgproto.Messages {
	mb := pgproto.NewBuilder(pgproto.Untagged)
	mb.WriteInt32(int32(pgproto.ProtocolVersion3))
	mb.WriteCString("database")
	mb.WriteCString(database)
	mb.WriteCString("user")
	mb.WriteCString(user)
	mb.WriteByte(0)
	return mb.Finish()
}

func passwordMessage(password string) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.PasswordMessage)
	b.WriteCString(password)
	return b.Finish()
}

func queryFrame(sql string) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.Query)
	b.WriteCString(sql)
	return b.Finish()
}

func TestServerFullHandshakeAndQueryRoundTrip(t *testing.T) {
	host, port := fakeBackend(t)

	cfg := config.PostgresConfig{Servers: []config.ServerConfig{{
		Database:                  "orders",
		Host:                      host,
		Port:                      port,
		User:                      "riverdb",
		Password:                  "secret",
		MaxConnections:            10,
		MaxConcurrentTransactions: 10,
	}}}
	cluster := pgpool.NewCluster(cfg, testLogger())
	defer cluster.Close()

	srv := NewServer(cluster, metrics.New(), nil, testLogger())
	if err := srv.Listen(config.ListenConfig{PostgresPort: 0, MaxProxyConnections: 10}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()

	addr := srv.listener.Addr().(*net.TCPAddr)
	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := client.Write(startupMessage("orders", "alice").Bytes()); err != nil {
		t.Fatalf("write startup: %v", err)
	}

	authReq, err := readRawFrame(client, true)
	if err != nil {
		t.Fatalf("reading auth request: %v", err)
	}
	msg, ok, err := authReq.First()
	if err != nil || !ok || msg.Tag() != pgproto.AuthenticationRequest {
		t.Fatalf("expected AuthenticationRequest, got ok=%v err=%v tag=%v", ok, err, msg.Tag())
	}

	if _, err := client.Write(passwordMessage("secret").Bytes()); err != nil {
		t.Fatalf("write password: %v", err)
	}

	// AuthenticationOk, ParameterStatus(es), BackendKeyData, ReadyForQuery.
	sawReady := false
	for i := 0; i < 8 && !sawReady; i++ {
		frame, err := readRawFrame(client, true)
		if err != nil {
			t.Fatalf("reading auth-ok sequence: %v", err)
		}
		m, ok, err := frame.First()
		if err != nil || !ok {
			t.Fatalf("malformed frame in auth-ok sequence")
		}
		if m.Tag() == pgproto.ReadyForQuery {
			sawReady = true
		}
	}
	if !sawReady {
		t.Fatal("never saw ReadyForQuery after authentication")
	}

	if _, err := client.Write(queryFrame("SELECT 1").Bytes()); err != nil {
		t.Fatalf("write query: %v", err)
	}

	sawCommandComplete, sawReady2 := false, false
	for i := 0; i < 4 && !sawReady2; i++ {
		frame, err := readRawFrame(client, true)
		if err != nil {
			t.Fatalf("reading query response: %v", err)
		}
		m, ok, err := frame.First()
		if err != nil || !ok {
			t.Fatalf("malformed query response frame")
		}
		switch m.Tag() {
		case pgproto.CloseOrCommandComplete:
			sawCommandComplete = true
		case pgproto.ReadyForQuery:
			sawReady2 = true
		}
	}
	if !sawCommandComplete || !sawReady2 {
		t.Fatalf("expected CommandComplete+ReadyForQuery, got complete=%v ready=%v", sawCommandComplete, sawReady2)
	}
}

func TestServerRejectsOverCapacityConnections(t *testing.T) {
	host, port := fakeBackend(t)

	cfg := config.PostgresConfig{Servers: []config.ServerConfig{{
		Database:                  "orders",
		Host:                      host,
		Port:                      port,
		User:                      "riverdb",
		Password:                  "secret",
		MaxConnections:            10,
		MaxConcurrentTransactions: 10,
	}}}
	cluster := pgpool.NewCluster(cfg, testLogger())
	defer cluster.Close()

	srv := NewServer(cluster, metrics.New(), nil, testLogger())
	if err := srv.Listen(config.ListenConfig{PostgresPort: 0, MaxProxyConnections: 1}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()

	addr := srv.listener.Addr().(*net.TCPAddr)

	first, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial #1: %v", err)
	}
	defer first.Close()
	// Keep the session alive mid-startup so it holds its registry slot.
	if _, err := first.Write(startupMessage("orders", "alice").Bytes()); err != nil {
		t.Fatalf("write startup #1: %v", err)
	}

	second, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial #2: %v", err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(3 * time.Second))

	frame, err := readRawFrame(second, true)
	if err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	msg, ok, err := frame.First()
	if err != nil || !ok || msg.Tag() != pgproto.ExecuteOrError {
		t.Fatalf("expected an ErrorResponse rejecting the over-capacity connection, got ok=%v err=%v tag=%v", ok, err, msg.Tag())
	}
}
