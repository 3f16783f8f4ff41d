package pgproto

import "encoding/binary"

// Builder incrementally constructs a Messages run, backpatching each
// frame's length field when the next frame starts or the run is finished.
// Grounded on original_source/pg/protocol/message_builder.rs.
type Builder struct {
	data       []byte
	start      int  // start offset of the message currently being written
	lastTagged bool // whether the in-progress message carries a tag byte
}

// NewBuilder starts a new run with a first frame of the given tag. Pass
// Untagged for the startup message / SSLRequest / CancelRequest.
func NewBuilder(tag Tag) *Builder {
	b := &Builder{data: make([]byte, 0, 256)}
	b.AddNew(tag)
	return b
}

// AddNew completes the frame currently being built (backpatching its length)
// and begins a new one.
func (b *Builder) AddNew(tag Tag) {
	if len(b.data) != 0 {
		b.completeMessage()
		b.start = len(b.data)
	}
	b.lastTagged = tag != Untagged
	if b.lastTagged {
		b.data = append(b.data, byte(tag))
	}
	b.data = append(b.data, 0, 0, 0, 0)
}

func (b *Builder) tagOffset() int {
	if b.lastTagged {
		return 1
	}
	return 0
}

func (b *Builder) completeMessage() {
	pos := b.start
	off := b.tagOffset()
	length := len(b.data) - pos - off
	if length < 4 {
		panic("pgproto: message too short to backpatch length")
	}
	binary.BigEndian.PutUint32(b.data[pos+off:pos+off+4], uint32(length))
}

// Finish completes the final frame and returns the assembled run.
func (b *Builder) Finish() Messages {
	b.completeMessage()
	return Messages{data: b.data, tagged: b.lastTagged}
}

func (b *Builder) Len() int { return len(b.data) }

func (b *Builder) WriteByte(v byte) { b.data = append(b.data, v) }

func (b *Builder) WriteBytes(p []byte) { b.data = append(b.data, p...) }

func (b *Builder) WriteCString(s string) {
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
}

func (b *Builder) WriteInt16(v int16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.data = append(b.data, tmp[:]...)
}

func (b *Builder) WriteInt32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.data = append(b.data, tmp[:]...)
}

// WriteParams writes an ordered sequence of key\0value\0 pairs, as used for
// startup messages and ParameterStatus frames.
func (b *Builder) WriteParams(p *ServerParams) {
	for _, kv := range p.Pairs() {
		b.WriteCString(kv.Key)
		b.WriteCString(kv.Value)
	}
}
