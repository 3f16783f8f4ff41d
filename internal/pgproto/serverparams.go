package pgproto

import "fmt"

// ServerParam is one ordered key/value pair, e.g. as sent in a backend's
// ParameterStatus stream or the client's startup message.
type ServerParam struct {
	Key   string
	Value string
}

// ServerParams is an ordered sequence of key/value pairs. Order matters
// (it's preserved verbatim when synthesizing startup traffic for clients),
// so this is a slice of pairs rather than a map, matching
// original_source/pg/protocol/server_params.rs.
type ServerParams struct {
	pairs []ServerParam
}

// NewServerParams returns an empty ServerParams.
func NewServerParams() *ServerParams { return &ServerParams{} }

// ParseStartupParams parses the parameter section of a startup message body
// (the reader must already be positioned past the 4-byte protocol version).
// It requires a "user" key and synthesizes "database" = user's value when
// absent, matching the original's from_startup_message.
func ParseStartupParams(r *Reader) (*ServerParams, error) {
	sp := &ServerParams{}
	for {
		key, err := r.ReadCString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		val, err := r.ReadCString()
		if err != nil {
			return nil, err
		}
		sp.Add(key, val)
	}

	if _, ok := sp.Get("user"); !ok {
		return nil, fmt.Errorf("pgproto: startup message is missing required parameter \"user\"")
	}
	if _, ok := sp.Get("database"); !ok {
		user, _ := sp.Get("user")
		sp.Add("database", user)
	}
	return sp, nil
}

// Add appends a pair unconditionally, even if the key already exists.
func (p *ServerParams) Add(key, value string) {
	p.pairs = append(p.pairs, ServerParam{Key: key, Value: value})
}

// Set overwrites the first existing pair with this key, or appends if absent.
func (p *ServerParams) Set(key, value string) {
	for i := range p.pairs {
		if p.pairs[i].Key == key {
			p.pairs[i].Value = value
			return
		}
	}
	p.Add(key, value)
}

// Get returns the value of the first pair with this key (case-sensitive,
// linear scan, matching the original).
func (p *ServerParams) Get(key string) (string, bool) {
	for _, kv := range p.pairs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Pairs returns the pairs in insertion order. The returned slice must not
// be mutated by callers.
func (p *ServerParams) Pairs() []ServerParam { return p.pairs }

// Clone returns an independent deep copy.
func (p *ServerParams) Clone() *ServerParams {
	out := &ServerParams{pairs: make([]ServerParam, len(p.pairs))}
	copy(out.pairs, p.pairs)
	return out
}
