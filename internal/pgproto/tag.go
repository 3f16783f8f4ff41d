// Package pgproto implements the PostgreSQL v3 wire protocol framing,
// error-field codec, and ServerParams model (frame codec / error codec, C1/C2).
package pgproto

import "fmt"

// Tag identifies the kind of a single wire-protocol frame. Several byte
// values are shared between distinct client-facing and backend-facing
// meanings; which meaning applies depends on the direction of travel, not
// the byte itself.
type Tag byte

// Untagged is used for the only frames that carry no leading tag byte: the
// startup message, SSLRequest, and CancelRequest.
const Untagged Tag = 0

const (
	AuthenticationRequest Tag = 'R'
	BackendKeyData        Tag = 'K'
	Bind                  Tag = 'B'
	BindComplete          Tag = '2'
	CancelRequestTag      Tag = 0 // untagged, distinguished by code
	// CloseOrCommandComplete: 'C' is Close (client->backend) or
	// CommandComplete (backend->client).
	CloseOrCommandComplete Tag = 'C'
	CloseComplete          Tag = '3'
	CopyData               Tag = 'd'
	CopyDone               Tag = 'c'
	CopyFail               Tag = 'f'
	CopyInResponse         Tag = 'G'
	CopyOutResponse        Tag = 'H'
	CopyBothResponse       Tag = 'W'
	// DescribeOrDataRow: 'D' is Describe (client->backend) or DataRow
	// (backend->client).
	DescribeOrDataRow Tag = 'D'
	EmptyQueryResponse Tag = 'I'
	// ExecuteOrError: 'E' is Execute (client->backend) or ErrorResponse
	// (backend->client).
	ExecuteOrError Tag = 'E'
	// FlushOrCopyOutResponse: 'H' is Flush (client->backend) or
	// CopyOutResponse (backend->client). Kept distinct from CopyOutResponse
	// above because the overload is context dependent, not a true alias.
	Flush           Tag = 'H'
	FunctionCall    Tag = 'F'
	FunctionCallResponse Tag = 'V'
	GSSResponse     Tag = 'p'
	NoData          Tag = 'n'
	NoticeResponse  Tag = 'N'
	NotificationResponse Tag = 'A'
	ParameterDescription Tag = 't'
	ParameterStatus Tag = 'S'
	Parse           Tag = 'P'
	ParseComplete   Tag = '1'
	PasswordMessage Tag = 'p'
	PortalSuspended Tag = 's'
	Query           Tag = 'Q'
	ReadyForQuery   Tag = 'Z'
	RowDescription  Tag = 'T'
	// SyncOrParameterStatus: 'S' is Sync (client->backend) or ParameterStatus
	// (backend->client).
	Sync      Tag = 'S'
	Terminate Tag = 'X'
)

// SSL negotiation and startup constants (§6).
const (
	SSLAllowed    byte   = 'S'
	SSLNotAllowed byte   = 'N'
	SSLRequestCode uint32 = 80877103
	GSSEncRequestCode uint32 = 80877104
	CancelRequestCode uint32 = 80877102
	ProtocolVersion3 uint32 = 0x00030000
)

var validTags = map[Tag]bool{
	AuthenticationRequest: true, BackendKeyData: true, Bind: true, BindComplete: true,
	CloseOrCommandComplete: true, CloseComplete: true, CopyData: true, CopyDone: true,
	CopyFail: true, CopyInResponse: true, CopyOutResponse: true, CopyBothResponse: true,
	DescribeOrDataRow: true, EmptyQueryResponse: true, ExecuteOrError: true, Flush: true,
	FunctionCall: true, FunctionCallResponse: true, GSSResponse: true, NoData: true,
	NoticeResponse: true, NotificationResponse: true, ParameterDescription: true,
	ParameterStatus: true, Parse: true, ParseComplete: true, PortalSuspended: true,
	Query: true, ReadyForQuery: true, RowDescription: true, Sync: true, Terminate: true,
}

// NewTag validates b as a known wire-protocol tag byte.
func NewTag(b byte) (Tag, error) {
	t := Tag(b)
	if !validTags[t] {
		return 0, fmt.Errorf("pgproto: invalid tag byte %q", b)
	}
	return t, nil
}

func (t Tag) String() string {
	if t == Untagged {
		return "<untagged>"
	}
	return string(rune(t))
}
