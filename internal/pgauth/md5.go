// Package pgauth drives the backend-facing authentication sub-protocol
// (cleartext, MD5, SCRAM-SHA-256): the sequence RiverDB runs as a client
// against a real PostgreSQL server, both when populating a connection
// pool and when validating a newly-connected application's credentials
// through the authentication cache. Grounded on
// internal/pool/scram.go (teacher) and original_source/pg/protocol/auth.rs.
package pgauth

import (
	"crypto/md5"
	"encoding/hex"
)

// HashMD5Password computes the PasswordMessage body PostgreSQL expects in
// response to an AuthenticationMD5Password challenge:
//
//	"md5" || hex(md5(hex(md5(password || user)) || salt))
func HashMD5Password(user, password string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
