package schema

import (
	"encoding/binary"
	"sync"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
)

// HeaderSize is the fixed frame prefix: int64 unix nanoseconds followed by
// the uint32 schema version, both little endian.
const HeaderSize = 12

// Frame is one timestamped snapshot of a channel. Data holds the complete
// record, header included. A Frame handed to a sink is only valid for the
// duration of the call; use Clone to keep it.
type Frame struct {
	Timestamp time.Time
	Channel   string
	Schema    *Schema
	Data      []byte

	pool *BufferPool
	buf  *[]byte
}

// Version returns the schema version the frame was captured under.
func (f Frame) Version() uint32 {
	return binary.LittleEndian.Uint32(f.Data[8:HeaderSize])
}

// Payload returns the field bytes following the header.
func (f Frame) Payload() []byte {
	return f.Data[HeaderSize:]
}

// Clone returns a copy that owns its data.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{
		Timestamp: f.Timestamp,
		Channel:   f.Channel,
		Schema:    f.Schema,
		Data:      data,
	}
}

// Release hands a pooled buffer back for reuse. The frame must not be used
// afterwards. Releasing a cloned or already released frame is a no-op.
func (f *Frame) Release() {
	if f.pool != nil && f.buf != nil {
		f.pool.pool.Put(f.buf)
	}
	f.pool, f.buf, f.Data = nil, nil, nil
}

// PutHeader writes the frame header into dst.
func PutHeader(dst []byte, ts time.Time, version uint32) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(dst[8:HeaderSize], version)
}

// ParseHeader splits a frame record into its header values and payload.
func ParseHeader(data []byte) (time.Time, uint32, []byte, error) {
	if len(data) < HeaderSize {
		return time.Time{}, 0, nil, errors.New().WithData(errors.ErrFrameSize, struct {
			Length int
			Header int
		}{
			Length: len(data),
			Header: HeaderSize,
		})
	}

	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(data[0:8])))
	version := binary.LittleEndian.Uint32(data[8:HeaderSize])

	return ts, version, data[HeaderSize:], nil
}

// BufferPool recycles frame buffers so steady-state snapshots do not
// allocate. The zero value is ready to use.
type BufferPool struct {
	pool sync.Pool
}

// Acquire returns a buffer of length n, reusing a pooled one when its
// capacity allows.
func (p *BufferPool) Acquire(n int) *[]byte {
	if buf, ok := p.pool.Get().(*[]byte); ok {
		if cap(*buf) >= n {
			*buf = (*buf)[:n]
			return buf
		}
		*buf = make([]byte, n)
		return buf
	}
	buf := make([]byte, n)
	return &buf
}

// Frame wraps an acquired buffer holding a complete record.
func (p *BufferPool) Frame(ts time.Time, s *Schema, buf *[]byte) Frame {
	return Frame{
		Timestamp: ts,
		Channel:   s.Channel,
		Schema:    s,
		Data:      *buf,
		pool:      p,
		buf:       buf,
	}
}
