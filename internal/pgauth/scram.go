package pgauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SASL mechanism names offered by AuthenticationSASL.
const (
	MechanismSCRAMSHA256     = "SCRAM-SHA-256"
	MechanismSCRAMSHA256Plus = "SCRAM-SHA-256-PLUS"
)

// ScramClient drives one SCRAM-SHA-256 (RFC 5802) exchange as the client
// side, matching the backend-facing step of the Authentication sub-protocol.
// It is a pure state machine: it produces and consumes the SASL message
// strings but never touches a socket, so the caller (the backend connection
// driving its own non-blocking read/write loop) owns all I/O. Reworked from
// scram.go's blocking, net.Conn-driven scramSHA256Auth for that reason; the
// cryptographic steps themselves are unchanged.
type ScramClient struct {
	user        string
	password    string
	clientNonce string
	gs2Header   string

	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewScramClient starts a SCRAM-SHA-256 exchange for user/password,
// generating a fresh client nonce.
func NewScramClient(user, password string) (*ScramClient, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("pgauth: generating client nonce: %w", err)
	}
	return &ScramClient{
		user:        user,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonceBytes),
		gs2Header:   "n,,", // no channel binding, no authzid
	}, nil
}

// SelectMechanism picks SCRAM-SHA-256 from a server's offered mechanism
// list. Channel binding (SCRAM-SHA-256-PLUS) is not implemented, matching
// the teacher: RiverDB always falls back to the non-PLUS mechanism.
func SelectMechanism(offered []string) (string, error) {
	for _, m := range offered {
		if m == MechanismSCRAMSHA256 {
			return MechanismSCRAMSHA256, nil
		}
	}
	return "", fmt.Errorf("pgauth: server does not offer %s, offered: %v", MechanismSCRAMSHA256, offered)
}

// ParseMechanisms splits the NUL-terminated mechanism-name list carried in
// an AuthenticationSASL payload (after its 4-byte auth-code prefix).
func ParseMechanisms(data []byte) []string {
	var mechs []string
	for _, part := range bytes.Split(data, []byte{0}) {
		if len(part) > 0 {
			mechs = append(mechs, string(part))
		}
	}
	return mechs
}

// ClientFirst returns the client-first-message, to be sent (prefixed with
// the mechanism name and a length) as the SASLInitialResponse.
func (c *ScramClient) ClientFirst() string {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(c.user), c.clientNonce)
	return c.gs2Header + c.clientFirstBare
}

// ConsumeServerFirst parses the AuthenticationSASLContinue payload and
// returns the client-final-message to send as the SASLResponse.
func (c *ScramClient) ConsumeServerFirst(serverFirstMsg string) (string, error) {
	nonce, salt, iterations, err := parseServerFirst(serverFirstMsg)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("pgauth: server nonce does not start with client nonce")
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(c.gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)

	c.authMessage = c.clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// VerifyServerFinal checks the AuthenticationSASLFinal payload's signature,
// proving the server also derived the same salted password.
func (c *ScramClient) VerifyServerFinal(serverFinalMsg string) error {
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(c.authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if serverFinalMsg != expected {
		return fmt.Errorf("pgauth: server SCRAM signature mismatch")
	}
	return nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("pgauth: decoding SCRAM salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("pgauth: parsing SCRAM iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("pgauth: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802's
// saslname production.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
