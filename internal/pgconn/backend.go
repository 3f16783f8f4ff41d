package pgconn

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/riverdb/riverdb/internal/pgauth"
	"github.com/riverdb/riverdb/internal/pgfsm"
	"github.com/riverdb/riverdb/internal/pgproto"
)

// requestKind identifies who issued a pipelined request awaiting a
// ReadyForQuery from the backend: the client directly, or one of our own
// Rows iterators (issued on the client's behalf, e.g. during the
// authentication cache warmup or a health check).
type requestKind uint64

const (
	clientRequest   requestKind = 1
	iteratorRequest requestKind = 2
	requestTypeMask requestKind = 3
)

// maxPendingRequests bounds how many requests can be pipelined on one
// backend connection before query/execute starts rejecting new ones; it's
// sized by the two bits per slot in the 64-bit pending bitfield.
const maxPendingRequests = 32

// ClientSink is the minimal surface a backend connection needs from
// whichever client connection currently owns it.
type ClientSink interface {
	SendToClient(pgproto.Messages) error
	SessionIdle() error
}

// BackendPool is the minimal surface a backend connection needs from the
// pool it belongs to, to return itself once idle.
type BackendPool interface {
	Put(*BackendConnection)
}

// Sender is how a BackendConnection writes wire bytes to the real
// PostgreSQL server it's a client of.
type Sender interface {
	SendToServer(pgproto.Messages) error
}

// BackendConnection is RiverDB's connection to a real PostgreSQL server: a
// shared resource that multiplexes responses between the client currently
// attached to it (if any) and any Rows iterators it's driving on the
// client's behalf (authentication checks, health checks, RESET). Grounded
// on original_source/pg/backend.rs's BackendConn; the SPSC queues the
// original uses for "iterator_messages"/"iterators" are translated to a
// mutex-guarded FIFO of *Rows, since Go has no safe lock-free equivalent
// and each Rows owns its own delivery channel instead of sharing one.
type BackendConnection struct {
	id uint32

	state  *pgfsm.BackendConnState
	params *pgproto.ServerParams

	pending atomic.Uint64 // 2-bit slots: clientRequest or iteratorRequest, LSB-first

	mu          sync.Mutex
	waitingRows []*Rows // FIFO of iterators awaiting backend replies, head is next in line

	client ClientSink
	pool   BackendPool
	sender Sender

	pid, secret int32

	addedToPool    atomic.Uint32 // coarse monotonic seconds; 0 when not pooled
	forTransaction atomic.Bool
}

// NewBackendConnection wires a freshly dialed backend connection to its
// wire sender; Attach/Detach manage the owning client across its lifetime.
func NewBackendConnection(id uint32, sender Sender) *BackendConnection {
	return &BackendConnection{
		id:     id,
		state:  pgfsm.NewBackendConnState(),
		params: pgproto.NewServerParams(),
		sender: sender,
	}
}

func (b *BackendConnection) ID() uint32                    { return b.id }
func (b *BackendConnection) SetID(id uint32)               { b.id = id }
func (b *BackendConnection) LastActive() uint32            { return b.addedToPool.Load() }
func (b *BackendConnection) State() pgfsm.BackendState     { return b.state.Get() }
func (b *BackendConnection) Params() *pgproto.ServerParams { return b.params }
func (b *BackendConnection) PID() int32                    { return b.pid }
func (b *BackendConnection) Secret() int32                 { return b.secret }
func (b *BackendConnection) Close()                        { b.state.Transition(pgfsm.BackendClosed) }

// ForTransaction reports whether this acquisition was admitted against the
// server's max_concurrent_transactions limit, so the pool knows whether to
// credit that slot back on release.
func (b *BackendConnection) ForTransaction() bool { return b.forTransaction.Load() }

// SetForTransaction records whether the current acquisition counts as a
// transaction for admission accounting; the pool calls this once per Get,
// before handing the connection to its caller.
func (b *BackendConnection) SetForTransaction(v bool) { b.forTransaction.Store(v) }

// Attach associates conn with the client currently driving this backend
// (direct query/execute traffic forwards to it once pending requests exist).
func (b *BackendConnection) Attach(client ClientSink, pool BackendPool) {
	b.mu.Lock()
	b.client = client
	b.pool = pool
	b.mu.Unlock()
}

// InPool reports whether the connection is currently parked, idle, in a
// pool's free list.
func (b *BackendConnection) InPool() bool {
	return b.state.Get() == pgfsm.BackendInPool
}

// SetInPool transitions the connection to InPool and stamps the time it
// was returned, for the pool's idle-timeout sweep. Callers must have
// already called Reset.
func (b *BackendConnection) SetInPool(now uint32) error {
	if err := b.state.Transition(pgfsm.BackendInPool); err != nil {
		return err
	}
	b.addedToPool.Store(now)
	return nil
}

// forward dispatches messages received from the real server to the client
// and/or to waiting iterators, splitting the run at each ReadyForQuery
// boundary so every pipelined request's response lands with the request
// that issued it. Grounded on backend.rs's forward(); the CAS retry loop
// there (`continue 'Outer`) becomes the `continue` on the outer for loop
// below, since a concurrent push (query/execute racing a response) can
// change the pending bitfield mid-scan.
func (b *BackendConnection) forward(msgs pgproto.Messages) error {
	pendingAtStart := b.pending.Load()
	pendingCount := bits.OnesCount64(pendingAtStart)
	requestsCompleted := 0

	for !msgs.IsEmpty() {
		pending := b.pending.Load()
		if pending == 0 {
			if b.client == nil {
				return nil
			}
			return b.client.SendToClient(msgs)
		}

		requestType := requestKind(pending & uint64(requestTypeMask))
		offset := msgs.Len()
		wake := false
		pop := false

		it := msgs.Iter(0)
		retry := false
	scan:
		for {
			msg, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			switch msg.Tag() {
			case pgproto.RowDescription:
				wake = requestType == iteratorRequest
			case pgproto.ReadyForQuery:
				requestsCompleted++
				next := pending >> 2
				if !b.pending.CompareAndSwap(pending, next) {
					retry = true
					break scan
				}
				pending = next
				offset = msg.Offset() + msg.Len()
				pop = requestType == iteratorRequest
				wake = pop
				// Stop at the first ReadyForQuery: anything after it in this
				// run belongs to the next pending slot, which may have a
				// different requestType, and is handled by the outer loop
				// re-scanning from offset with a freshly loaded pending word.
				break scan
			}
		}
		if retry {
			continue
		}

		prefix, suffix := msgs.SplitTo(offset)
		msgs = suffix

		if requestType == clientRequest {
			if b.client != nil {
				if err := b.client.SendToClient(prefix); err != nil {
					return err
				}
			}
		} else {
			b.deliverToWaitingRows(prefix, wake, pop)
		}

		if requestsCompleted != 0 && uint64(pendingCount) == uint64(requestsCompleted) && b.client != nil {
			if err := b.client.SessionIdle(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BackendConnection) deliverToWaitingRows(msgs pgproto.Messages, wake, pop bool) {
	b.mu.Lock()
	var head *Rows
	if len(b.waitingRows) > 0 {
		head = b.waitingRows[0]
	}
	if pop && len(b.waitingRows) > 0 {
		b.waitingRows = b.waitingRows[1:]
	}
	b.mu.Unlock()

	if head == nil {
		return
	}
	head.deliver(msgs)
	if wake {
		head.wake()
	}
}

// pushPending records that a Query (or similarly response-expecting)
// message is about to go out, so forward() knows a ReadyForQuery is owed
// to fromClient or to an iterator.
func (b *BackendConnection) pushPending(kind requestKind) error {
	for {
		pending := b.pending.Load()
		count := bits.OnesCount64(pending)
		if count == maxPendingRequests {
			return fmt.Errorf("pgconn: reached maximum number of pipelined requests %d", maxPendingRequests)
		}
		next := pending | (uint64(kind) << (uint(count) * 2))
		if b.pending.CompareAndSwap(pending, next) {
			return nil
		}
	}
}

// sendMessages writes msgs to the real server, tracking a pending slot for
// every Query frame so forward() can match its eventual ReadyForQuery.
// fromClient distinguishes direct client traffic (routed straight back to
// the client) from traffic this connection issued on its own behalf, e.g.
// Reset/CheckHealthAndSetRole (routed to the waiting Rows iterator).
func (b *BackendConnection) sendMessages(msgs pgproto.Messages, fromClient bool) error {
	if msgs.IsEmpty() {
		return nil
	}
	kind := iteratorRequest
	if fromClient {
		kind = clientRequest
	}
	it := msgs.Iter(0)
	for {
		msg, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if msg.Tag() == pgproto.Query {
			if err := b.pushPending(kind); err != nil {
				return err
			}
		}
	}
	return b.sender.SendToServer(msgs)
}

// ForwardFromClient sends msgs, received verbatim from the attached client,
// straight through to the real server. Unlike Query/Execute it makes no
// assumption about message count or shape — a client session uses this to
// relay both simple-query and extended-query-protocol traffic once it has
// a backend attached. The eventual reply flows back through forward() to
// whichever ClientSink is currently attached.
func (b *BackendConnection) ForwardFromClient(msgs pgproto.Messages) error {
	return b.sendMessages(msgs, true)
}

// Query issues escapedQuery (exactly one frame) and returns a Rows
// iterator over the results. Callers must drain it with Next until it
// returns false, or call Finish, even when the result is discarded.
func (b *BackendConnection) Query(escapedQuery pgproto.Messages) (*Rows, error) {
	count, err := escapedQuery.Count()
	if err != nil {
		return nil, err
	}
	if count != 1 {
		return nil, fmt.Errorf("pgconn: query expects exactly one message")
	}

	rows := newRows(b)
	b.mu.Lock()
	b.waitingRows = append(b.waitingRows, rows)
	b.mu.Unlock()

	if err := b.sendMessages(escapedQuery, false); err != nil {
		return nil, err
	}
	return rows, nil
}

// Execute issues escapedQuery and waits for the result, returning the
// number of affected rows. It pipelines with any other in-flight
// query/execute calls on this connection.
func (b *BackendConnection) Execute(escapedQuery pgproto.Messages) (int32, error) {
	rows, err := b.Query(escapedQuery)
	if err != nil {
		return 0, err
	}
	return rows.Finish()
}

// Reset issues the cleanup statement that must run before a connection is
// returned to its pool, per spec §4.9/§9 Pool release. Grounded on
// backend.rs's reset().
func (b *BackendConnection) Reset() error {
	stmt := "RESET ROLE; RESET ALL"
	if isTransactionState(b.state.Get()) {
		stmt = "ROLLBACK; RESET ROLE; RESET ALL"
	}
	_, err := b.Execute(escapedQueryMessage(stmt))
	return err
}

func isTransactionState(s pgfsm.BackendState) bool {
	return s == pgfsm.BackendTransaction || s == pgfsm.BackendFailedTransaction
}

// CheckHealthAndSetRole runs the per-checkout statement that re-asserts the
// tenant's role and application_name on a connection pulled from the pool.
// Grounded on backend.rs's check_health_and_set_role().
func (b *BackendConnection) CheckHealthAndSetRole(applicationName, role string) error {
	if b.state.Get() == pgfsm.BackendInPool {
		if err := b.state.Transition(pgfsm.BackendReady); err != nil {
			return err
		}
		b.addedToPool.Store(0)
	}

	var stmt string
	if role == "" {
		stmt = fmt.Sprintf("SET application_name TO %s", applicationName)
	} else {
		stmt = fmt.Sprintf("SET ROLE %s; SET application_name TO %s", role, applicationName)
	}
	_, err := b.Execute(escapedQueryMessage(stmt))
	return err
}

func escapedQueryMessage(sql string) pgproto.Messages {
	b := pgproto.NewBuilder(pgproto.Query)
	b.WriteCString(sql)
	return b.Finish()
}

// sslRequestMessage is the untagged SSLRequest frame sent before the
// startup message when backend TLS is enabled: length 8, request code
// 80877103 big-endian.
var sslRequestMessage = pgproto.NewMessages([]byte{0, 0, 0, 8, 4, 210, 22, 47}, false)

// SendSSLRequest advances the FSM and sends the SSLRequest frame. The
// caller reads the server's single-byte 'S'/'N' reply off the wire itself
// and passes it to SSLAccepted, then owns actually upgrading the
// transport before continuing with StartupRequest.
func (b *BackendConnection) SendSSLRequest() error {
	if err := b.state.Transition(pgfsm.BackendSSLHandshake); err != nil {
		return err
	}
	return b.sender.SendToServer(sslRequestMessage)
}

// SSLAccepted reports whether the server's SSLRequest reply byte means it
// accepted the upgrade.
func SSLAccepted(reply byte) bool {
	return reply == pgproto.SSLAllowed
}

// StartupRequest builds the startup packet RiverDB sends once connected (or
// once TLS is up), recording user/password in the server params for the
// authentication step that follows. Grounded on backend.rs's start().
func (b *BackendConnection) StartupRequest(database, user, password string) (pgproto.Messages, error) {
	b.params.Add("database", database)
	b.params.Add("user", user)
	b.params.Add("client_encoding", "UTF8")
	b.params.Add("application_name", "riverdb")
	b.params.Add("password", password)

	if err := b.state.Transition(pgfsm.BackendAuthentication); err != nil {
		return pgproto.Messages{}, err
	}

	mb := pgproto.NewBuilder(pgproto.Untagged)
	mb.WriteInt32(int32(pgproto.ProtocolVersion3))
	for _, kv := range b.params.Pairs() {
		mb.WriteCString(kv.Key)
		mb.WriteCString(kv.Value)
	}
	mb.WriteByte(0)
	return mb.Finish(), nil
}

// Authenticate interprets one AuthenticationRequest frame and returns the
// PasswordMessage (or SASL response) RiverDB must send back, or nil if
// authentication is complete. Grounded on backend.rs's backend_authenticate;
// SASL is driven by pgauth.ScramClient rather than inline here.
func (b *BackendConnection) Authenticate(msg pgproto.Message, scram *ScramState) (reply pgproto.Messages, done bool, err error) {
	switch msg.Tag() {
	case pgproto.AuthenticationRequest:
		r := msg.Reader()
		authType, err := r.ReadInt32()
		if err != nil {
			return pgproto.Messages{}, false, err
		}
		user, _ := b.params.Get("user")
		password, _ := b.params.Get("password")

		switch authType {
		case 0: // AuthenticationOk
			if err := b.state.Transition(pgfsm.BackendStartup); err != nil {
				return pgproto.Messages{}, false, err
			}
			return pgproto.Messages{}, true, nil
		case 3: // AuthenticationCleartextPassword
			mb := pgproto.NewBuilder(pgproto.PasswordMessage)
			mb.WriteCString(password)
			return mb.Finish(), false, nil
		case 5: // AuthenticationMD5Password
			salt, err := r.ReadBytes(4)
			if err != nil {
				return pgproto.Messages{}, false, err
			}
			var s [4]byte
			copy(s[:], salt)
			hashed := pgauth.HashMD5Password(user, password, s)
			mb := pgproto.NewBuilder(pgproto.PasswordMessage)
			mb.WriteCString(hashed)
			return mb.Finish(), false, nil
		case 10: // AuthenticationSASL
			mechanisms := pgauth.ParseMechanisms(r.ReadToEnd())
			mechanism, err := pgauth.SelectMechanism(mechanisms)
			if err != nil {
				return pgproto.Messages{}, false, err
			}
			scram.client, err = pgauth.NewScramClient(user, password)
			if err != nil {
				return pgproto.Messages{}, false, err
			}
			scram.mechanism = mechanism
			first := scram.client.ClientFirst()
			mb := pgproto.NewBuilder(pgproto.PasswordMessage)
			mb.WriteCString(mechanism)
			mb.WriteInt32(int32(len(first)))
			mb.WriteBytes([]byte(first))
			return mb.Finish(), false, nil
		case 11: // AuthenticationSASLContinue
			serverFirst := string(r.ReadToEnd())
			clientFinal, err := scram.client.ConsumeServerFirst(serverFirst)
			if err != nil {
				return pgproto.Messages{}, false, err
			}
			mb := pgproto.NewBuilder(pgproto.PasswordMessage)
			mb.WriteBytes([]byte(clientFinal))
			return mb.Finish(), false, nil
		case 12: // AuthenticationSASLFinal
			serverFinal := string(r.ReadToEnd())
			if err := scram.client.VerifyServerFinal(serverFinal); err != nil {
				return pgproto.Messages{}, false, err
			}
			return pgproto.Messages{}, false, nil
		default:
			return pgproto.Messages{}, false, fmt.Errorf("pgconn: unsupported authentication scheme %d (use SASL, MD5, or plaintext over TLS)", authType)
		}
	case pgproto.ExecuteOrError: // ErrorResponse during auth
		pgErr, perr := pgproto.ParsePostgresError(msg)
		if perr != nil {
			return pgproto.Messages{}, false, perr
		}
		return pgproto.Messages{}, false, pgErr
	default:
		return pgproto.Messages{}, false, fmt.Errorf("pgconn: unexpected message %s during authentication", msg.Tag())
	}
}

// ScramState carries the in-progress SCRAM exchange across the two
// AuthenticationSASL round trips; it's separate from BackendConnection
// because a connection only needs one during its startup handshake.
type ScramState struct {
	client    *pgauth.ScramClient
	mechanism string
}

// HandleStartupMessage processes one message received while in the
// Startup state (ParameterStatus/BackendKeyData/ReadyForQuery), grounded
// on backend.rs's Startup arm of backend_messages.
func (b *BackendConnection) HandleStartupMessage(msg pgproto.Message) error {
	switch msg.Tag() {
	case pgproto.ParameterStatus:
		r := msg.Reader()
		key, err := r.ReadCString()
		if err != nil {
			return err
		}
		val, err := r.ReadCString()
		if err != nil {
			return err
		}
		b.params.Set(key, val)
	case pgproto.BackendKeyData:
		r := msg.Reader()
		pid, err := r.ReadInt32()
		if err != nil {
			return err
		}
		secret, err := r.ReadInt32()
		if err != nil {
			return err
		}
		b.pid, b.secret = pid, secret
	case pgproto.ReadyForQuery:
		return b.state.Transition(pgfsm.BackendReady)
	case pgproto.ExecuteOrError:
		pgErr, err := pgproto.ParsePostgresError(msg)
		if err != nil {
			return err
		}
		return pgErr
	}
	return nil
}

// HandleMessages dispatches one run of server-originated messages
// according to the connection's current state, mirroring
// backend_messages::run in backend.rs.
func (b *BackendConnection) HandleMessages(msgs pgproto.Messages) error {
	switch b.state.Get() {
	case pgfsm.BackendInitial, pgfsm.BackendSSLHandshake:
		return fmt.Errorf("pgconn: unexpected message for initial state")
	case pgfsm.BackendStartup, pgfsm.BackendInPool:
		it := msgs.Iter(0)
		for {
			msg, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := b.HandleStartupMessage(msg); err != nil {
				return err
			}
		}
	default:
		return b.forward(msgs)
	}
}
