package pgproto

import "fmt"

// Messages is a contiguous run of zero or more frames sharing one backing
// buffer. It is the unit the frame codec, the dispatch core, and the rows
// iterator pass around; splitting a Messages run never copies, it only
// re-slices the shared backing array (grounded on original_source
// pg/protocol/messages.rs's split_to/unsplit design).
type Messages struct {
	data   []byte
	tagged bool // whether frames in this run carry a leading tag byte
}

// NewMessages wraps an already-framed byte slice. tagged must be false only
// for startup-phase untagged frames (startup message, SSLRequest,
// CancelRequest); all later traffic on a connection is tagged.
func NewMessages(data []byte, tagged bool) Messages {
	return Messages{data: data, tagged: tagged}
}

// Bytes returns the run's raw backing bytes.
func (m Messages) Bytes() []byte { return m.data }

// Len returns the number of bytes in the run.
func (m Messages) Len() int { return len(m.data) }

// IsEmpty reports whether the run holds zero bytes.
func (m Messages) IsEmpty() bool { return len(m.data) == 0 }

// Count walks the run and returns how many complete frames it holds. It
// requires the run to contain only complete frames (no partial trailing
// message), which is always true of a parser's output and a builder's
// Finish() result.
func (m Messages) Count() (int, error) {
	n := 0
	it := m.Iter(0)
	for {
		_, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// HasMultiple reports whether the run contains more than one frame.
func (m Messages) HasMultiple() (bool, error) {
	it := m.Iter(0)
	_, ok, err := it.Next()
	if err != nil || !ok {
		return false, err
	}
	_, ok, err = it.Next()
	return ok, err
}

// First returns the first frame in the run, if any.
func (m Messages) First() (Message, bool, error) {
	return m.Iter(0).Next()
}

// Iter returns an iterator over the run's frames, starting at the given
// byte offset (normally 0).
func (m Messages) Iter(startOffset int) *MessageIter {
	return &MessageIter{messages: m, pos: startOffset}
}

// SplitTo splits the run after the frame boundary at byte offset, returning
// the prefix [0, offset) as one Messages and the suffix [offset, len) as
// another. offset must fall exactly on a frame boundary (it is always
// computed that way by callers walking the run with an iterator).
func (m Messages) SplitTo(offset int) (prefix, suffix Messages) {
	if offset < 0 || offset > len(m.data) {
		panic(fmt.Sprintf("pgproto: split offset %d out of range [0, %d]", offset, len(m.data)))
	}
	return Messages{data: m.data[:offset:offset], tagged: m.tagged},
		Messages{data: m.data[offset:], tagged: m.tagged}
}

// MessageIter walks a Messages run frame by frame.
type MessageIter struct {
	messages Messages
	pos      int
}

// Next returns the next frame in the run, or ok == false at the end.
func (it *MessageIter) Next() (Message, bool, error) {
	buf := it.messages.data[it.pos:]
	if len(buf) == 0 {
		return Message{}, false, nil
	}

	hdr, ok, err := ParseHeader(buf, it.messages.tagged)
	if err != nil {
		return Message{}, false, err
	}
	if !ok {
		return Message{}, false, fmt.Errorf("pgproto: incomplete frame header in a Messages run")
	}
	if int(hdr.Length) > len(buf) {
		return Message{}, false, fmt.Errorf("pgproto: frame claims length %d but only %d bytes remain", hdr.Length, len(buf))
	}

	bodyStart := 4
	if it.messages.tagged {
		bodyStart = 5
	}

	start := it.pos
	it.pos += int(hdr.Length)

	return Message{
		data:      it.messages.data,
		offset:    start,
		length:    int(hdr.Length),
		tag:       hdr.Tag,
		bodyStart: bodyStart,
	}, true, nil
}

// Pos returns the iterator's current byte offset within the run (the
// offset at which the next frame, if any, begins).
func (it *MessageIter) Pos() int { return it.pos }
