// Package pgsql implements the query normalizer (C4): a lexer that rewrites
// a SQL query into a canonical form suitable for use as a plan-cache key,
// extracting literal values as numbered parameters and /* key=value */
// comment tags along the way. Grounded on
// original_source/src/riverdb/pg/sql/normalize.rs.
package pgsql

import "strings"

// QueryType classifies a normalized query by its leading keyword, used to
// decide pooling/routing behavior (e.g. whether a statement may be routed
// to a replica).
type QueryType int

const (
	Other QueryType = iota
	Select
	Insert
	Update
	Delete
	Begin
	Commit
	Rollback
	Savepoint
	Show
	Set
)

// QueryTypeFromNormalized classifies a normalized (uppercased keyword)
// query string by its first token.
func QueryTypeFromNormalized(normalized string) QueryType {
	i := strings.IndexByte(normalized, ' ')
	first := normalized
	if i >= 0 {
		first = normalized[:i]
	}
	switch first {
	case "SELECT":
		return Select
	case "INSERT":
		return Insert
	case "UPDATE":
		return Update
	case "DELETE":
		return Delete
	case "BEGIN", "START":
		return Begin
	case "COMMIT", "END":
		return Commit
	case "ROLLBACK", "ABORT":
		return Rollback
	case "SAVEPOINT":
		return Savepoint
	case "SHOW":
		return Show
	case "SET":
		return Set
	default:
		return Other
	}
}

// LiteralType classifies a literal value extracted from the query text into
// a numbered $N parameter.
type LiteralType int

const (
	LiteralString LiteralType = iota
	LiteralEscapeString
	LiteralUnicodeString
	LiteralBitString
	LiteralDollarString
	LiteralInteger
	LiteralNumeric
	LiteralNull
	LiteralBoolean
)

// Range32 is a half-open [Start, End) byte range into the original query
// text.
type Range32 struct {
	Start uint32
	End   uint32
}

// QueryParam describes one literal value extracted from the query and
// replaced with a $N placeholder in the normalized form.
type QueryParam struct {
	Value      Range32 // offset range of the original literal text, in the source query
	Type       LiteralType
	Negated    bool // true if a leading '-' was folded into this numeric literal
	TargetType Range32
}

// QueryTag is one /* key=value */ tag extracted from a comment.
type QueryTag struct {
	Key Range32
	Val Range32
}

// KeyLen returns the length of the tag's key range.
func (t QueryTag) KeyLen() uint32 { return t.Key.End - t.Key.Start }

// QueryInfo is the result of normalizing one query: the canonical form, the
// extracted parameter values (concatenated into one buffer with per-param
// ranges), the parameter descriptors, and a coarse query-type classification.
type QueryInfo struct {
	Normalized string
	ParamsBuf  string
	Params     []QueryParam
	Type       QueryType
}
