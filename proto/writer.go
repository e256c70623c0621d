package proto

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// ErrStringTooLong is returned when a string does not fit int16 length
// prefix of the short string encoding.
var ErrStringTooLong = errors.New("string too long")

// Writer encodes values in big endian wire format into a buffer allocated up
// front. As with ReadBuffer, the first failure is sticky.
type Writer struct {
	b   []byte
	err error
}

// NewWriter returns writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{b: make([]byte, 0, size)}
}

func (w *Writer) Err() error {
	return w.err
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.b)
}

func (w *Writer) Bytes() []byte {
	return w.b
}

func (w *Writer) WriteInt8(v int8) {
	w.b = append(w.b, byte(v))
}

func (w *Writer) WriteInt16(v int16) {
	w.b = binary.BigEndian.AppendUint16(w.b, uint16(v))
}

func (w *Writer) WriteInt32(v int32) {
	w.b = binary.BigEndian.AppendUint32(w.b, uint32(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.b = binary.BigEndian.AppendUint64(w.b, uint64(v))
}

// WriteRaw writes b as it is, without any length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.b = append(w.b, b...)
}

// WriteString writes short string: int16 length followed by UTF-8 bytes.
// Strings longer than math.MaxInt16 bytes fail the writer with
// ErrStringTooLong and nothing is written.
func (w *Writer) WriteString(s string) {
	if len(s) > math.MaxInt16 {
		if w.err == nil {
			w.err = errors.Wrapf(ErrStringTooLong, "%d bytes", len(s))
		}
		return
	}
	w.WriteInt16(int16(len(s)))
	w.b = append(w.b, s...)
}

// WriteNullableString writes short string or -1 length for nil.
func (w *Writer) WriteNullableString(s *string) {
	if s == nil {
		w.WriteInt16(-1)
		return
	}
	w.WriteString(*s)
}

// WriteBytes writes int32 length followed by b. Nil slice is written as
// length -1.
func (w *Writer) WriteBytes(b []byte) {
	if b == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.b = append(w.b, b...)
}

func (w *Writer) WriteArrayLen(n int) {
	w.WriteInt32(int32(n))
}

// WriteArray writes int32 item count followed by every item.
func WriteArray[T any](w *Writer, items []T, item func(*Writer, T)) {
	w.WriteArrayLen(len(items))
	for _, it := range items {
		item(w, it)
	}
}

// StringSize returns encoded size of short string s.
func StringSize(s string) int {
	return 2 + len(s)
}

// NullableStringSize returns encoded size of nullable short string s.
func NullableStringSize(s *string) int {
	if s == nil {
		return 2
	}
	return StringSize(*s)
}

// BytesSize returns encoded size of int32 length prefixed b.
func BytesSize(b []byte) int {
	return 4 + len(b)
}

// ArraySize returns encoded size of array of items, count included.
func ArraySize[T any](items []T, size func(T) int) int {
	total := 4
	for _, it := range items {
		total += size(it)
	}
	return total
}

// encodeFrame allocates buffer for a size prefixed frame of given size, calls
// write to fill it and returns the result.
func encodeFrame(name string, size int, write func(*Writer)) ([]byte, error) {
	w := NewWriter(4 + size)
	w.WriteInt32(int32(size))
	write(w)
	if err := w.Err(); err != nil {
		return nil, errors.Wrapf(err, "encode %s", name)
	}
	checkWrittenSize(name, w.Len()-4, size)
	return w.Bytes(), nil
}

func writeFrame(w io.Writer, b []byte, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}
