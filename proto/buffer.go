package proto

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	// ErrBufferUnderrun is returned when a read needs more bytes than the
	// buffer holds.
	ErrBufferUnderrun = errors.New("buffer underrun")

	// ErrIndexOutOfRange is returned when a read would cross the end of a
	// bounded slice, even if the underlying storage holds more data.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrValueOutOfRange is returned when a decoded length, count or
	// numeric field is outside of its allowed range.
	ErrValueOutOfRange = errors.New("value out of range")
)

// ReadBuffer is a sequential cursor over a byte slice. All reads are big
// endian. The first failing read sets a sticky error; every following read
// returns a zero value, so callers may decode a whole structure and check
// Err once at the end.
type ReadBuffer struct {
	b       []byte
	pos     int
	end     int
	bounded bool
	err     error
}

// NewReadBuffer returns a buffer reading the whole of b. The buffer never
// copies b; values returned as byte slices share its storage.
func NewReadBuffer(b []byte) *ReadBuffer {
	return &ReadBuffer{b: b, end: len(b)}
}

// Err returns the first error that occurred while reading.
func (r *ReadBuffer) Err() error {
	return r.err
}

// BytesLeft returns the number of bytes that can still be read from this
// buffer's view.
func (r *ReadBuffer) BytesLeft() int {
	return r.end - r.pos
}

// Position returns the absolute cursor position within the underlying
// storage.
func (r *ReadBuffer) Position() int {
	return r.pos
}

func (r *ReadBuffer) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *ReadBuffer) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.fail(errors.Wrapf(ErrValueOutOfRange, "negative length %d at %d", n, r.pos))
		return nil
	}
	if n > r.end-r.pos {
		if r.bounded {
			r.fail(errors.Wrapf(ErrIndexOutOfRange, "read of %d bytes at %d crosses slice end %d", n, r.pos, r.end))
		} else {
			r.fail(errors.Wrapf(ErrBufferUnderrun, "read of %d bytes at %d, %d left", n, r.pos, r.end-r.pos))
		}
		return nil
	}
	b := r.b[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b
}

func (r *ReadBuffer) ReadInt8() int8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (r *ReadBuffer) ReadInt16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (r *ReadBuffer) ReadInt32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *ReadBuffer) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *ReadBuffer) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// ReadInt16InRange reads int16 value and fails with ErrValueOutOfRange if it
// is not within [min, max]. Name is used only to describe the failure.
func (r *ReadBuffer) ReadInt16InRange(min, max int16, name string) int16 {
	pos := r.pos
	v := r.ReadInt16()
	if r.err == nil && (v < min || v > max) {
		r.fail(errors.Wrapf(ErrValueOutOfRange, "%s %d at %d not in [%d, %d]", name, v, pos, min, max))
		return 0
	}
	return v
}

// ReadInt32InRange reads int32 value and fails with ErrValueOutOfRange if it
// is not within [min, max].
func (r *ReadBuffer) ReadInt32InRange(min, max int32, name string) int32 {
	pos := r.pos
	v := r.ReadInt32()
	if r.err == nil && (v < min || v > max) {
		r.fail(errors.Wrapf(ErrValueOutOfRange, "%s %d at %d not in [%d, %d]", name, v, pos, min, max))
		return 0
	}
	return v
}

// ReadNullableString reads short string, returning nil if the encoded length
// is -1.
func (r *ReadBuffer) ReadNullableString() *string {
	size := r.ReadInt16()
	if r.err != nil || size == -1 {
		return nil
	}
	b := r.take(int(size))
	if b == nil {
		return nil
	}
	if !utf8.Valid(b) {
		r.fail(errors.Wrapf(ErrValueOutOfRange, "string at %d is not valid UTF-8", r.pos-len(b)))
		return nil
	}
	s := string(b)
	return &s
}

// ReadString reads short string. Null string is returned as empty string.
func (r *ReadBuffer) ReadString() string {
	s := r.ReadNullableString()
	if s == nil {
		return ""
	}
	return *s
}

// ReadBytes reads int32 length prefixed byte sequence. Length -1 is decoded
// as nil, length 0 as an empty, non nil slice. Returned slice shares storage
// with the buffer.
func (r *ReadBuffer) ReadBytes() []byte {
	size := r.ReadInt32()
	if r.err != nil || size == -1 {
		return nil
	}
	return r.take(int(size))
}

// Skip advances the cursor by n bytes.
func (r *ReadBuffer) Skip(n int) {
	r.take(n)
}

// Remaining returns all bytes left in this view without moving the cursor.
func (r *ReadBuffer) Remaining() []byte {
	return r.b[r.pos:r.end:r.end]
}

// Slice returns a bounded child buffer covering the next size bytes and moves
// this buffer's cursor past them. Reads from the child can never go beyond
// its end; attempting to do so fails the child with ErrIndexOutOfRange.
func (r *ReadBuffer) Slice(size int) *ReadBuffer {
	start := r.pos
	if r.take(size) == nil && r.err != nil {
		return &ReadBuffer{b: r.b, pos: r.pos, end: r.pos, bounded: true, err: r.err}
	}
	return &ReadBuffer{b: r.b, pos: start, end: start + size, bounded: true}
}

// RandomAccess returns offset addressed view of the next size bytes and moves
// the cursor past them.
func (r *ReadBuffer) RandomAccess(size int) RandomAccessBuffer {
	return RandomAccessBuffer{b: r.take(size)}
}

// ReadArray reads int32 item count and then calls item that many times. Count
// of -1 or 0 results in nil slice.
func ReadArray[T any](r *ReadBuffer, item func(*ReadBuffer) T) []T {
	pos := r.pos
	n := r.ReadInt32()
	if r.err != nil || n == -1 || n == 0 {
		return nil
	}
	// every item takes at least one byte
	if n < 0 || int(n) > r.BytesLeft() {
		r.fail(errors.Wrapf(ErrValueOutOfRange, "array of %d items at %d, %d bytes left", n, pos, r.BytesLeft()))
		return nil
	}
	items := make([]T, 0, n)
	for i := int32(0); i < n; i++ {
		v := item(r)
		if r.err != nil {
			return nil
		}
		items = append(items, v)
	}
	return items
}

// RandomAccessBuffer is a fixed size window over a byte slice, addressed by
// position relative to the window start. Every access is bounds checked.
type RandomAccessBuffer struct {
	b []byte
}

func NewRandomAccessBuffer(b []byte) RandomAccessBuffer {
	return RandomAccessBuffer{b: b}
}

// Len returns the window size.
func (r RandomAccessBuffer) Len() int {
	return len(r.b)
}

// Bytes returns the whole window. The slice shares storage with the buffer.
func (r RandomAccessBuffer) Bytes() []byte {
	return r.b
}

func (r RandomAccessBuffer) check(pos, n int) error {
	if pos < 0 || n < 0 || pos > len(r.b)-n {
		return errors.Wrapf(ErrIndexOutOfRange, "access of %d bytes at %d in window of %d", n, pos, len(r.b))
	}
	return nil
}

func (r RandomAccessBuffer) ByteAt(pos int) (byte, error) {
	if err := r.check(pos, 1); err != nil {
		return 0, err
	}
	return r.b[pos], nil
}

func (r RandomAccessBuffer) Int32At(pos int) (int32, error) {
	if err := r.check(pos, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.b[pos:])), nil
}

func (r RandomAccessBuffer) Uint32At(pos int) (uint32, error) {
	if err := r.check(pos, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.b[pos:]), nil
}

// Span returns n bytes starting at pos, without copying.
func (r RandomAccessBuffer) Span(pos, n int) ([]byte, error) {
	if err := r.check(pos, n); err != nil {
		return nil, err
	}
	return r.b[pos : pos+n : pos+n], nil
}
