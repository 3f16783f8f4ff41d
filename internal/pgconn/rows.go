package pgconn

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/riverdb/riverdb/internal/pgproto"
)

// Rows is an async iterator over the results of one Query/Execute issued
// against a BackendConnection. Grounded on original_source/pg/rows.rs;
// reworked into an idiomatic Go iterator (Next/Scan/Finish driven by a
// condition variable) rather than the original's tokio::sync::Notify plus
// raw pointer comparison, since Go has no equivalent lifetime guarantee to
// make that pattern safe without unsafe.
type Rows struct {
	backend *BackendConnection

	mu      sync.Mutex
	cond    *sync.Cond
	pending []pgproto.Messages // delivered runs not yet consumed
	woken   bool

	fields   []pgproto.ServerParam // column names, in order, from RowDescription
	formats  []int16               // per-column wire format code (0=text, 1=binary), parallel to fields
	cur      pgproto.Messages
	curIter  *pgproto.MessageIter
	raw      [][]byte
	affected int32
	done     bool
	err      error
}

// Wire format codes carried in RowDescription/DataRow, per §4.12's
// text-vs-binary accessor contract.
const (
	formatText   int16 = 0
	formatBinary int16 = 1
)

func newRows(backend *BackendConnection) *Rows {
	r := &Rows{backend: backend, affected: -1}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// deliver is called by BackendConnection.forward/deliverToWaitingRows with
// the next run of messages destined for this iterator.
func (r *Rows) deliver(msgs pgproto.Messages) {
	r.mu.Lock()
	r.pending = append(r.pending, msgs)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// wake signals that it's this iterator's turn to consume from pending,
// mirroring forward()'s Notify::notify_one call.
func (r *Rows) wake() {
	r.mu.Lock()
	r.woken = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *Rows) waitForTurn() {
	r.mu.Lock()
	for !r.woken {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

func (r *Rows) nextRun() (pgproto.Messages, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) == 0 {
		r.cond.Wait()
	}
	msgs := r.pending[0]
	r.pending = r.pending[1:]
	return msgs, true
}

// Fields returns the column descriptors captured from the RowDescription
// message, valid once Next has returned true at least once.
func (r *Rows) Fields() []pgproto.ServerParam { return r.fields }

// Err returns the error, if any, that ended iteration.
func (r *Rows) Err() error { return r.err }

// GetBytes returns the raw column value at index i of the current row.
func (r *Rows) GetBytes(i int) ([]byte, error) {
	if i < 0 || i >= len(r.raw) {
		return nil, fmt.Errorf("pgconn: field index out of range")
	}
	return r.raw[i], nil
}

// GetString returns the column value at index i as a string.
func (r *Rows) GetString(i int) (string, error) {
	b, err := r.GetBytes(i)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// fieldFormat reports the wire format code captured for column i from
// RowDescription, defaulting to text when no RowDescription was seen (e.g.
// a Finish()-only caller that never parsed fields).
func (r *Rows) fieldFormat(i int) int16 {
	if i >= 0 && i < len(r.formats) {
		return r.formats[i]
	}
	return formatText
}

// GetInt16 returns the column value at index i as an int16: None (ok=false)
// when the field is NULL (zero-length), otherwise the big-endian bytes for
// a binary-format column or an ASCII-digit parse for a text-format one.
// Grounded on rows.rs's get_i16; an out-of-range index is an error, not a
// panic.
func (r *Rows) GetInt16(i int) (v int16, ok bool, err error) {
	n, ok, err := r.getInt(i, 16)
	return int16(n), ok, err
}

// GetInt32 is GetInt16 for a 4-byte column.
func (r *Rows) GetInt32(i int) (v int32, ok bool, err error) {
	n, ok, err := r.getInt(i, 32)
	return int32(n), ok, err
}

// GetInt64 is GetInt16 for an 8-byte column.
func (r *Rows) GetInt64(i int) (v int64, ok bool, err error) {
	return r.getInt(i, 64)
}

func (r *Rows) getInt(i int, bitSize int) (int64, bool, error) {
	b, err := r.GetBytes(i)
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	if r.fieldFormat(i) == formatBinary {
		size := bitSize / 8
		padded := padBigEndian(b, size)
		switch size {
		case 2:
			return int64(int16(binary.BigEndian.Uint16(padded))), true, nil
		case 4:
			return int64(int32(binary.BigEndian.Uint32(padded))), true, nil
		default:
			return int64(binary.BigEndian.Uint64(padded)), true, nil
		}
	}
	n, err := strconv.ParseInt(string(b), 10, bitSize)
	if err != nil {
		return 0, false, fmt.Errorf("pgconn: parsing field %d as int%d: %w", i, bitSize, err)
	}
	return n, true, nil
}

// GetFloat32 returns the column value at index i as a float32, following
// GetInt16's NULL/out-of-range/format rules. Grounded on rows.rs's get_f32.
func (r *Rows) GetFloat32(i int) (v float32, ok bool, err error) {
	b, err := r.GetBytes(i)
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	if r.fieldFormat(i) == formatBinary {
		padded := padBigEndian(b, 4)
		return math.Float32frombits(binary.BigEndian.Uint32(padded)), true, nil
	}
	f, err := strconv.ParseFloat(string(b), 32)
	if err != nil {
		return 0, false, fmt.Errorf("pgconn: parsing field %d as float32: %w", i, err)
	}
	return float32(f), true, nil
}

// GetFloat64 is GetFloat32 for an 8-byte column. Grounded on rows.rs's get_f64.
func (r *Rows) GetFloat64(i int) (v float64, ok bool, err error) {
	b, err := r.GetBytes(i)
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	if r.fieldFormat(i) == formatBinary {
		padded := padBigEndian(b, 8)
		return math.Float64frombits(binary.BigEndian.Uint64(padded)), true, nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, false, fmt.Errorf("pgconn: parsing field %d as float64: %w", i, err)
	}
	return f, true, nil
}

// padBigEndian right-aligns b within a size-byte buffer, zero-extending a
// short value the way rows.rs's get_byte_array does (a binary-format column
// narrower than the requested width is treated as its low-order bytes).
func padBigEndian(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	padded := make([]byte, size)
	copy(padded[size-len(b):], b)
	return padded
}

// Next advances to the next row, returning false when the result set is
// exhausted (check Err to distinguish EOF from an error).
func (r *Rows) Next() (bool, error) {
	if r.done {
		return false, r.err
	}
	r.waitForTurn()

	for {
		if r.curIter != nil {
			msg, ok, err := r.curIter.Next()
			if err != nil {
				r.done, r.err = true, err
				return false, err
			}
			if ok {
				switch msg.Tag() {
				case pgproto.RowDescription:
					r.fields, r.formats = parseRowDescription(msg)
					continue
				case pgproto.DescribeOrDataRow:
					r.raw = parseDataRow(msg)
					return true, nil
				case pgproto.CloseOrCommandComplete:
					r.affected = parseAffectedRows(msg)
					r.done = true
					return false, nil
				case pgproto.ExecuteOrError:
					pgErr, perr := pgproto.ParsePostgresError(msg)
					if perr != nil {
						r.done, r.err = true, perr
						return false, perr
					}
					r.done, r.err = true, pgErr
					return false, pgErr
				case pgproto.ReadyForQuery:
					continue
				default:
					continue
				}
			}
		}
		msgs, ok := r.nextRun()
		if !ok {
			r.done = true
			return false, nil
		}
		r.cur = msgs
		it := r.cur.Iter(0)
		r.curIter = it
	}
}

// Finish drains the remaining result (discarding rows) and returns the
// number of affected rows, for callers that only care about side effects
// (Execute). Grounded on rows.rs's finish().
func (r *Rows) Finish() (int32, error) {
	if r.affected >= 0 {
		return r.affected, nil
	}
	r.waitForTurn()
	for {
		ok, err := r.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	if r.affected < 0 {
		r.affected = 0
	}
	return r.affected, r.err
}

func parseRowDescription(msg pgproto.Message) ([]pgproto.ServerParam, []int16) {
	r := msg.Reader()
	count, err := r.ReadInt16()
	if err != nil {
		return nil, nil
	}
	fields := make([]pgproto.ServerParam, 0, count)
	formats := make([]int16, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := r.ReadCString()
		if err != nil {
			break
		}
		if _, err := r.ReadBytes(12); err != nil { // table oid, attnum, type oid, typlen
			break
		}
		if _, err := r.ReadInt32(); err != nil { // typmod
			break
		}
		format, err := r.ReadInt16()
		if err != nil {
			break
		}
		fields = append(fields, pgproto.ServerParam{Key: name})
		formats = append(formats, format)
	}
	return fields, formats
}

func parseDataRow(msg pgproto.Message) [][]byte {
	r := msg.Reader()
	count, err := r.ReadInt16()
	if err != nil {
		return nil
	}
	raw := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		n, err := r.ReadInt32()
		if err != nil {
			break
		}
		if n < 0 {
			raw = append(raw, nil)
			continue
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			break
		}
		raw = append(raw, b)
	}
	return raw
}

// parseAffectedRows extracts the row count from a CommandComplete tag
// ("INSERT 0 5", "UPDATE 3", "SELECT 10", ...), returning 0 when the
// command carries no count (e.g. "CREATE TABLE").
func parseAffectedRows(msg pgproto.Message) int32 {
	r := msg.Reader()
	tag, err := r.ReadCString()
	if err != nil {
		return 0
	}
	var n int32
	var last string
	fields := splitFields(tag)
	if len(fields) > 0 {
		last = fields[len(fields)-1]
	}
	for _, c := range last {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int32(c-'0')
	}
	return n
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, c := range s {
		if c == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
