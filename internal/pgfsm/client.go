// Package pgfsm implements the client-facing and backend-facing connection
// state machines (C5/C6): which wire-protocol tags are legal in which
// state, and which state transitions are legal. Grounded on
// original_source/pg/client_state.rs (bitmask transition tables) and, for
// the backend side, derived from spec component C6 plus backend.rs's
// transition call sites, since backend_state.rs itself is an unimplemented
// stub (`todo!()`) in the original.
package pgfsm

import (
	"fmt"
	"sync/atomic"

	"github.com/riverdb/riverdb/internal/pgproto"
)

// ClientState is one state of a client-facing connection.
type ClientState uint32

const (
	ClientInitial ClientState = 1 << iota
	ClientSSLHandshake
	ClientAuthentication
	ClientReady
	ClientTransaction
	ClientFailedTransaction
	ClientListen
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientInitial:
		return "Initial"
	case ClientSSLHandshake:
		return "SSLHandshake"
	case ClientAuthentication:
		return "Authentication"
	case ClientReady:
		return "Ready"
	case ClientTransaction:
		return "Transaction"
	case ClientFailedTransaction:
		return "FailedTransaction"
	case ClientListen:
		return "Listen"
	case ClientClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ClientState(%d)", uint32(s))
	}
}

// clientAllowedTransitions maps a target state to the OR of every state
// bitmask that may transition into it. A missing entry means nothing may
// transition into that state (it's only ever the initial state).
var clientAllowedTransitions = map[ClientState]ClientState{
	ClientSSLHandshake:      ClientInitial,
	ClientAuthentication:    ClientInitial | ClientSSLHandshake,
	ClientReady:             ClientAuthentication | ClientTransaction | ClientFailedTransaction,
	ClientTransaction:       ClientReady,
	ClientFailedTransaction: ClientTransaction,
	ClientListen:            ClientReady,
	// ClientClosed is reachable from any state; handled specially below.
}

// clientAllowedTags lists, per state, the tags a message may legally carry.
// Terminate is legal in every non-closed state and isn't repeated here.
var clientAllowedTags = map[ClientState][]pgproto.Tag{
	ClientInitial:           {pgproto.Untagged},
	ClientSSLHandshake:      {},
	ClientAuthentication:    {pgproto.PasswordMessage, pgproto.AuthenticationRequest, pgproto.ExecuteOrError},
	ClientReady:             clientRequestTags,
	ClientTransaction:       clientRequestTags,
	ClientFailedTransaction: {},
	ClientListen:            {},
	ClientClosed:            {},
}

var clientRequestTags = []pgproto.Tag{
	pgproto.Query, pgproto.Bind, pgproto.ExecuteOrError, pgproto.FunctionCall,
	pgproto.CloseOrCommandComplete, pgproto.Parse, pgproto.DescribeOrDataRow,
	pgproto.Flush, pgproto.Sync,
}

// ClientConnState holds the atomically-updated state of one client-facing
// connection.
type ClientConnState struct {
	state atomic.Uint32
}

// NewClientConnState returns a ClientConnState starting in ClientInitial.
func NewClientConnState() *ClientConnState {
	s := &ClientConnState{}
	s.state.Store(uint32(ClientInitial))
	return s
}

// Get returns the current state.
func (c *ClientConnState) Get() ClientState {
	return ClientState(c.state.Load())
}

// MsgIsAllowed reports whether tag may legally appear while in the current
// state. Terminate is always allowed (a client may disconnect at any time).
func (c *ClientConnState) MsgIsAllowed(tag pgproto.Tag) bool {
	if tag == pgproto.Terminate {
		return true
	}
	for _, t := range clientAllowedTags[c.Get()] {
		if t == tag {
			return true
		}
	}
	return false
}

// Transition moves to newState, failing if the current state isn't an
// allowed predecessor of newState. Closed is reachable from any state.
func (c *ClientConnState) Transition(newState ClientState) error {
	if newState == ClientClosed {
		c.state.Store(uint32(ClientClosed))
		return nil
	}

	allowed := clientAllowedTransitions[newState]
	current := c.Get()
	if current&allowed == 0 {
		return fmt.Errorf("pgfsm: illegal client state transition %s -> %s", current, newState)
	}
	c.state.Store(uint32(newState))
	return nil
}
