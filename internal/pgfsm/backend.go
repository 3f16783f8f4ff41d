package pgfsm

import (
	"fmt"
	"sync/atomic"

	"github.com/riverdb/riverdb/internal/pgproto"
)

// BackendState is one state of a backend-facing connection. It mirrors
// ClientState with two additions (Startup, InPool) per spec component C6;
// backend_state.rs in the original is an unimplemented stub, so the
// transition and tag-legality tables below are derived fresh from the
// spec rather than ported.
type BackendState uint32

const (
	BackendInitial BackendState = 1 << iota
	BackendSSLHandshake
	BackendAuthentication
	BackendStartup
	BackendReady
	BackendTransaction
	BackendFailedTransaction
	BackendListen
	BackendInPool
	BackendClosed
)

func (s BackendState) String() string {
	switch s {
	case BackendInitial:
		return "Initial"
	case BackendSSLHandshake:
		return "SSLHandshake"
	case BackendAuthentication:
		return "Authentication"
	case BackendStartup:
		return "Startup"
	case BackendReady:
		return "Ready"
	case BackendTransaction:
		return "Transaction"
	case BackendFailedTransaction:
		return "FailedTransaction"
	case BackendListen:
		return "Listen"
	case BackendInPool:
		return "InPool"
	case BackendClosed:
		return "Closed"
	default:
		return fmt.Sprintf("BackendState(%d)", uint32(s))
	}
}

// backendAllowedTransitions mirrors clientAllowedTransitions with the two
// additions named in spec §4.6: Startup ← {Authentication} and the
// Ready/InPool cycle a pooled connection goes through on acquire/release.
var backendAllowedTransitions = map[BackendState]BackendState{
	BackendSSLHandshake:      BackendInitial,
	BackendAuthentication:    BackendInitial | BackendSSLHandshake,
	BackendStartup:           BackendAuthentication,
	BackendReady:             BackendStartup | BackendTransaction | BackendFailedTransaction | BackendInPool,
	BackendTransaction:       BackendReady,
	BackendFailedTransaction: BackendTransaction,
	BackendListen:            BackendReady,
	BackendInPool:            BackendReady,
	// BackendClosed is reachable from any state; handled specially below.
}

// backendResponseTags are the server-originated tags legal once a backend
// has completed its startup handshake (Ready/Transaction/FailedTransaction).
var backendResponseTags = []pgproto.Tag{
	pgproto.ParameterStatus, pgproto.BackendKeyData, pgproto.ReadyForQuery,
	pgproto.ExecuteOrError, pgproto.RowDescription, pgproto.DescribeOrDataRow,
	pgproto.CloseOrCommandComplete, pgproto.NoticeResponse, pgproto.NotificationResponse,
	pgproto.ParseComplete, pgproto.BindComplete, pgproto.CloseComplete,
	pgproto.EmptyQueryResponse, pgproto.ParameterDescription, pgproto.NoData,
	pgproto.PortalSuspended, pgproto.CopyInResponse, pgproto.CopyOutResponse,
	pgproto.CopyBothResponse, pgproto.CopyData, pgproto.CopyDone,
	pgproto.FunctionCallResponse,
}

// backendAllowedTags lists, per state, the tags a backend-originated
// message may legally carry. Asymmetric with the client's table: a backend
// never sends request tags, and its ParameterStatus/BackendKeyData/
// ReadyForQuery flow spans Startup and the Ready family of states.
var backendAllowedTags = map[BackendState][]pgproto.Tag{
	BackendInitial:           {pgproto.Untagged},
	BackendSSLHandshake:      {},
	BackendAuthentication:    {pgproto.AuthenticationRequest, pgproto.ExecuteOrError},
	BackendStartup:           backendResponseTags,
	BackendReady:             backendResponseTags,
	BackendTransaction:       backendResponseTags,
	BackendFailedTransaction: {},
	BackendListen:            {pgproto.NotificationResponse},
	BackendInPool:            {},
	BackendClosed:            {},
}

// BackendConnState holds the atomically-updated state of one backend-facing
// connection.
type BackendConnState struct {
	state atomic.Uint32
}

// NewBackendConnState returns a BackendConnState starting in BackendInitial.
func NewBackendConnState() *BackendConnState {
	s := &BackendConnState{}
	s.state.Store(uint32(BackendInitial))
	return s
}

// Get returns the current state.
func (b *BackendConnState) Get() BackendState {
	return BackendState(b.state.Load())
}

// MsgIsAllowed reports whether tag may legally appear while in the current
// state.
func (b *BackendConnState) MsgIsAllowed(tag pgproto.Tag) bool {
	for _, t := range backendAllowedTags[b.Get()] {
		if t == tag {
			return true
		}
	}
	return false
}

// Transition moves to newState, failing if the current state isn't an
// allowed predecessor of newState. Closed is reachable from any state.
func (b *BackendConnState) Transition(newState BackendState) error {
	if newState == BackendClosed {
		b.state.Store(uint32(BackendClosed))
		return nil
	}

	allowed := backendAllowedTransitions[newState]
	current := b.Get()
	if current&allowed == 0 {
		return fmt.Errorf("pgfsm: illegal backend state transition %s -> %s", current, newState)
	}
	b.state.Store(uint32(newState))
	return nil
}
