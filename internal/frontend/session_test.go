package frontend

import (
	"bytes"
	"net"
	"testing"

	"github.com/riverdb/riverdb/internal/pgfsm"
	"github.com/riverdb/riverdb/internal/pgproto"
)

func queryMessage(t *testing.T, sql string) pgproto.Message {
	t.Helper()
	b := pgproto.NewBuilder(pgproto.Query)
	b.WriteCString(sql)
	msg, ok, err := b.Finish().First()
	if err != nil || !ok {
		t.Fatalf("building query message: ok=%v err=%v", ok, err)
	}
	return msg
}

func readySession(t *testing.T) *Session {
	t.Helper()
	s := &Session{state: pgfsm.NewClientConnState()}
	if err := s.state.Transition(pgfsm.ClientAuthentication); err != nil {
		t.Fatalf("transition to Authentication: %v", err)
	}
	if err := s.state.Transition(pgfsm.ClientReady); err != nil {
		t.Fatalf("transition to Ready: %v", err)
	}
	return s
}

func TestAllowReplicaSelectWhileReady(t *testing.T) {
	s := readySession(t)
	if !s.allowReplica(queryMessage(t, "SELECT 1")) {
		t.Fatal("expected a bare SELECT issued while Ready to be replica-eligible")
	}
}

func TestAllowReplicaRejectsWriteStatements(t *testing.T) {
	s := readySession(t)
	for _, sql := range []string{"INSERT INTO t VALUES (1)", "UPDATE t SET x = 1", "DELETE FROM t", "BEGIN"} {
		if s.allowReplica(queryMessage(t, sql)) {
			t.Fatalf("expected %q not to be replica-eligible", sql)
		}
	}
}

func TestAllowReplicaRejectsMidTransaction(t *testing.T) {
	s := readySession(t)
	if err := s.state.Transition(pgfsm.ClientTransaction); err != nil {
		t.Fatalf("transition to Transaction: %v", err)
	}
	if s.allowReplica(queryMessage(t, "SELECT 1")) {
		t.Fatal("expected a SELECT issued mid-transaction not to be replica-eligible")
	}
}

func TestAllowReplicaRejectsExtendedProtocol(t *testing.T) {
	s := readySession(t)
	b := pgproto.NewBuilder(pgproto.Parse)
	b.WriteCString("")
	b.WriteCString("SELECT 1")
	b.WriteInt16(0)
	msg, ok, err := b.Finish().First()
	if err != nil || !ok {
		t.Fatalf("building parse message: ok=%v err=%v", ok, err)
	}
	if s.allowReplica(msg) {
		t.Fatal("expected a Parse frame never to be replica-eligible")
	}
}

func TestReadRawFrameTagged(t *testing.T) {
	b := pgproto.NewBuilder(pgproto.Query)
	b.WriteCString("SELECT 1")
	want := b.Finish()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { client.Write(want.Bytes()) }()

	got, err := readRawFrame(server, true)
	if err != nil {
		t.Fatalf("readRawFrame: %v", err)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("readRawFrame returned %v, want %v", got.Bytes(), want.Bytes())
	}
}

func TestReadRawFrameRejectsShortLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { client.Write([]byte{'Q', 0, 0, 0, 3}) }()

	if _, err := readRawFrame(server, true); err == nil {
		t.Fatal("expected an error for a frame length below the 4-byte minimum")
	}
}

func TestClientStateForStatus(t *testing.T) {
	cases := map[byte]string{
		'T': "Transaction",
		'E': "FailedTransaction",
		'I': "Ready",
	}
	for status, want := range cases {
		if got := clientStateForStatus(status).String(); got != want {
			t.Fatalf("clientStateForStatus(%q) = %s, want %s", status, got, want)
		}
	}
}
