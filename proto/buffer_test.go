package proto

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBufferPrimitives(t *testing.T) {
	rb := NewReadBuffer([]byte{
		0xff,
		0x01, 0x02,
		0xff, 0xff, 0xff, 0xfe,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
	})
	assert.Equal(t, int8(-1), rb.ReadInt8())
	assert.Equal(t, int16(0x0102), rb.ReadInt16())
	assert.Equal(t, int32(-2), rb.ReadInt32())
	assert.Equal(t, int64(256), rb.ReadInt64())
	assert.Equal(t, 0, rb.BytesLeft())
	require.NoError(t, rb.Err())
}

func TestReadBufferUnderrunIsSticky(t *testing.T) {
	rb := NewReadBuffer([]byte{0x00, 0x01, 0x02})
	assert.Equal(t, int32(0), rb.ReadInt32())
	require.Error(t, rb.Err())
	assert.True(t, errors.Is(rb.Err(), ErrBufferUnderrun))

	// nothing is consumed after failure
	assert.Equal(t, int8(0), rb.ReadInt8())
	assert.Equal(t, 3, rb.BytesLeft())
}

func TestReadBufferStrings(t *testing.T) {
	rb := NewReadBuffer([]byte{
		0xff, 0xff,
		0x00, 0x00,
		0x00, 0x03, 'f', 'o', 'o',
	})
	assert.Nil(t, rb.ReadNullableString())
	s := rb.ReadNullableString()
	require.NotNil(t, s)
	assert.Equal(t, "", *s)
	assert.Equal(t, "foo", rb.ReadString())
	require.NoError(t, rb.Err())

	rb = NewReadBuffer([]byte{0x00, 0x02, 0xc3, 0x28})
	rb.ReadString()
	assert.True(t, errors.Is(rb.Err(), ErrValueOutOfRange))
}

func TestReadBufferBytes(t *testing.T) {
	rb := NewReadBuffer([]byte{
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x02, 0xab, 0xcd,
	})
	assert.Nil(t, rb.ReadBytes())
	empty := rb.ReadBytes()
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
	assert.Equal(t, []byte{0xab, 0xcd}, rb.ReadBytes())
	require.NoError(t, rb.Err())
}

func TestReadBufferSliceIsBounded(t *testing.T) {
	rb := NewReadBuffer([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02})
	child := rb.Slice(2)
	assert.Equal(t, 6, rb.BytesLeft())
	assert.Equal(t, 2, child.BytesLeft())

	// underlying storage has more data, but the read crosses slice end
	child.ReadInt32()
	assert.True(t, errors.Is(child.Err(), ErrIndexOutOfRange))
	require.NoError(t, rb.Err())

	assert.Equal(t, int16(1), rb.ReadInt16())
}

func TestReadBufferSliceUnderrun(t *testing.T) {
	rb := NewReadBuffer([]byte{0x00, 0x01})
	child := rb.Slice(4)
	assert.True(t, errors.Is(rb.Err(), ErrBufferUnderrun))
	assert.Error(t, child.Err())
	assert.Equal(t, 0, child.BytesLeft())
}

func TestReadBufferInRange(t *testing.T) {
	rb := NewReadBuffer([]byte{0x00, 0x05, 0x00, 0x07})
	assert.Equal(t, int16(5), rb.ReadInt16InRange(0, 5, "first"))
	assert.Equal(t, int16(0), rb.ReadInt16InRange(0, 5, "second"))
	require.Error(t, rb.Err())
	assert.True(t, errors.Is(rb.Err(), ErrValueOutOfRange))
	assert.Contains(t, rb.Err().Error(), "second")
}

func TestReadArray(t *testing.T) {
	rb := NewReadBuffer([]byte{
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x08,
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x00, 0x00, 0x00,
	})
	assert.Equal(t, []int32{7, 8}, ReadArray(rb, (*ReadBuffer).ReadInt32))
	assert.Nil(t, ReadArray(rb, (*ReadBuffer).ReadInt32))
	assert.Nil(t, ReadArray(rb, (*ReadBuffer).ReadInt32))
	require.NoError(t, rb.Err())

	// declared count cannot fit in the remaining bytes
	rb = NewReadBuffer([]byte{0x7f, 0xff, 0xff, 0xff, 0x00})
	assert.Nil(t, ReadArray(rb, (*ReadBuffer).ReadInt8))
	assert.True(t, errors.Is(rb.Err(), ErrValueOutOfRange))
}

func TestRandomAccessBuffer(t *testing.T) {
	ra := NewRandomAccessBuffer([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, 5, ra.Len())

	v, err := ra.Int32At(1)
	require.NoError(t, err)
	assert.Equal(t, int32(0x02030405), v)

	_, err = ra.Int32At(2)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	_, err = ra.ByteAt(-1)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	span, err := ra.Span(3, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x05}, span)
}

func TestWriterStrings(t *testing.T) {
	w := NewWriter(32)
	w.WriteNullableString(nil)
	w.WriteString("")
	w.WriteString("ab")
	w.WriteBytes(nil)
	w.WriteBytes([]byte{})
	require.NoError(t, w.Err())
	assert.Equal(t, []byte{
		0xff, 0xff,
		0x00, 0x00,
		0x00, 0x02, 'a', 'b',
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x00, 0x00, 0x00,
	}, w.Bytes())
}

func TestWriterStringTooLong(t *testing.T) {
	w := NewWriter(0)
	w.WriteString(strings.Repeat("x", 1<<15))
	assert.True(t, errors.Is(w.Err(), ErrStringTooLong))
	assert.Equal(t, 0, w.Len())

	req := &MetadataReq{ClientID: strings.Repeat("x", 1<<15)}
	_, err := req.Bytes()
	assert.True(t, errors.Is(err, ErrStringTooLong))
}

func TestWriterArray(t *testing.T) {
	items := []string{"a", "bc"}
	w := NewWriter(ArraySize(items, StringSize))
	WriteArray(w, items, (*Writer).WriteString)
	assert.Equal(t, ArraySize(items, StringSize), w.Len())
	assert.Equal(t, []byte{0, 0, 0, 2, 0, 1, 'a', 0, 2, 'b', 'c'}, w.Bytes())

	rb := NewReadBuffer(w.Bytes())
	assert.Equal(t, items, ReadArray(rb, (*ReadBuffer).ReadString))
}
