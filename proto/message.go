package proto

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

/*

Message layout, as described in
https://cwiki.apache.org/confluence/display/KAFKA/A+Guide+To+The+Kafka+Protocol#AGuideToTheKafkaProtocol-Messagesets

	crc        uint32
	magic      int8
	attributes int8
	key        int32 size + bytes
	value      int32 size + bytes

*/

const (
	crcOffset        = 0
	magicOffset      = 4
	attributesOffset = 5
	keySizeOffset    = 6
	keyOffset        = 10

	// MessageOverhead is the size of a message with null key and value.
	MessageOverhead = 14

	// messageSetItemHeader is offset and message size.
	messageSetItemHeader = 12

	// SmallestMessageSetItem is the size of a message set item carrying
	// message with null key and value.
	SmallestMessageSetItem = messageSetItemHeader + MessageOverhead

	compressionMask = 0x03

	// Offset written for every message of a produce request. Broker assigns
	// the real one.
	produceOffset = -1
)

// ErrMalformedMessage is returned when message bytes cannot be interpreted
// even structurally.
var ErrMalformedMessage = errors.New("malformed message")

// MessageKind distinguishes a received message from the marker left when the
// broker cut the last message of a fetch response.
type MessageKind int8

const (
	// MessageRecord is a complete message.
	MessageRecord MessageKind = iota

	// MessageTooSmall marks a message that was truncated because it did not
	// fit in the requested fetch size. Its bytes are whatever part of the
	// message set item was received.
	MessageTooSmall
)

func (k MessageKind) String() string {
	switch k {
	case MessageRecord:
		return "record"
	case MessageTooSmall:
		return "too small"
	default:
		return "unknown"
	}
}

// Message is a single Kafka message kept in its encoded form. Fields are read
// out of the encoded bytes on access and are never copied.
//
// Received messages are not validated on decode. Use IsValid to check that
// the stored checksum matches the content.
type Message struct {
	kind MessageKind
	buf  RandomAccessBuffer
}

// NewMessage encodes message with given key and value and computes its
// checksum. Nil key or value is encoded as null, which is different from an
// empty one.
func NewMessage(key, value []byte) *Message {
	w := NewWriter(MessageOverhead + len(key) + len(value))
	w.WriteUint32(0)
	w.WriteInt8(0) // magic byte is always 0
	w.WriteInt8(0) // no compression support
	w.WriteBytes(key)
	w.WriteBytes(value)
	b := w.Bytes()
	binary.BigEndian.PutUint32(b[crcOffset:], crc32.ChecksumIEEE(b[magicOffset:]))
	return &Message{kind: MessageRecord, buf: NewRandomAccessBuffer(b)}
}

// MessageFromBytes returns message backed by given encoded bytes.
func MessageFromBytes(b []byte) *Message {
	return &Message{kind: MessageRecord, buf: NewRandomAccessBuffer(b)}
}

// NewTooSmallMessage returns the truncation marker holding the partial
// message set item bytes that were received.
func NewTooSmallMessage(partial []byte) *Message {
	return &Message{kind: MessageTooSmall, buf: NewRandomAccessBuffer(partial)}
}

func (m *Message) Kind() MessageKind {
	return m.kind
}

// IsTooSmall returns true for the truncation marker.
func (m *Message) IsTooSmall() bool {
	return m.kind == MessageTooSmall
}

// Size returns the size of the encoded message.
func (m *Message) Size() int {
	return m.buf.Len()
}

// Bytes returns the encoded message.
func (m *Message) Bytes() []byte {
	return m.buf.Bytes()
}

// Checksum returns crc stored in the message.
func (m *Message) Checksum() uint32 {
	if m.kind != MessageRecord {
		return 0
	}
	crc, err := m.buf.Uint32At(crcOffset)
	if err != nil {
		return 0
	}
	return crc
}

// ComputeChecksum returns crc of the message content, that is everything
// following the crc field.
func (m *Message) ComputeChecksum() uint32 {
	if m.kind != MessageRecord || m.buf.Len() < magicOffset {
		return 0
	}
	return crc32.ChecksumIEEE(m.buf.Bytes()[magicOffset:])
}

// IsValid returns true if message is complete, its layout is consistent and
// the stored checksum matches the content.
func (m *Message) IsValid() bool {
	if m.kind != MessageRecord || m.buf.Len() < MessageOverhead {
		return false
	}
	if _, _, err := m.layout(); err != nil {
		return false
	}
	return m.Checksum() == m.ComputeChecksum()
}

func (m *Message) Magic() int8 {
	b, _ := m.buf.ByteAt(magicOffset)
	return int8(b)
}

func (m *Message) Attributes() int8 {
	b, _ := m.buf.ByteAt(attributesOffset)
	return int8(b)
}

// Compression returns compression codec bits of attributes.
func (m *Message) Compression() int8 {
	return m.Attributes() & compressionMask
}

// layout returns key and value sizes, where -1 stands for null.
func (m *Message) layout() (keySize, valueSize int32, err error) {
	keySize, err = m.buf.Int32At(keySizeOffset)
	if err != nil {
		return 0, 0, err
	}
	if keySize < -1 {
		return 0, 0, errors.Wrapf(ErrMalformedMessage, "key size %d", keySize)
	}
	valueSizeOffset := keyOffset + int(max(keySize, 0))
	valueSize, err = m.buf.Int32At(valueSizeOffset)
	if err != nil {
		return 0, 0, err
	}
	if valueSize < -1 {
		return 0, 0, errors.Wrapf(ErrMalformedMessage, "value size %d", valueSize)
	}
	if valueSizeOffset+4+int(max(valueSize, 0)) > m.buf.Len() {
		return 0, 0, errors.Wrapf(ErrMalformedMessage, "value of %d bytes does not fit in %d byte message", valueSize, m.buf.Len())
	}
	return keySize, valueSize, nil
}

// Key returns message key or nil if the key is null or message is
// malformed.
func (m *Message) Key() []byte {
	if m.kind != MessageRecord {
		return nil
	}
	keySize, _, err := m.layout()
	if err != nil || keySize == -1 {
		return nil
	}
	b, _ := m.buf.Span(keyOffset, int(keySize))
	return b
}

// Value returns message value or nil if the value is null or message is
// malformed.
func (m *Message) Value() []byte {
	if m.kind != MessageRecord {
		return nil
	}
	keySize, valueSize, err := m.layout()
	if err != nil || valueSize == -1 {
		return nil
	}
	b, _ := m.buf.Span(keyOffset+int(max(keySize, 0))+4, int(valueSize))
	return b
}

// MessageSetItem is a message together with its offset within partition.
type MessageSetItem struct {
	Offset  int64
	Message *Message
}

func (it MessageSetItem) size() int {
	if it.Message.IsTooSmall() {
		return it.Message.Size()
	}
	return messageSetItemHeader + it.Message.Size()
}

func (it MessageSetItem) write(w *Writer) {
	if it.Message.IsTooSmall() {
		// partial item is written back exactly as it was received
		w.WriteRaw(it.Message.Bytes())
		return
	}
	w.WriteInt64(it.Offset)
	w.WriteInt32(int32(it.Message.Size()))
	w.WriteRaw(it.Message.Bytes())
}

// MessageSetSize returns encoded size of given message set, without the
// int32 set size prefix.
func MessageSetSize(items []MessageSetItem) int {
	total := 0
	for _, it := range items {
		total += it.size()
	}
	return total
}

func writeMessageSet(w *Writer, items []MessageSetItem) {
	w.WriteInt32(int32(MessageSetSize(items)))
	for _, it := range items {
		it.write(w)
	}
}

func producedMessagesSize(messages []*Message) int {
	total := 0
	for _, m := range messages {
		total += messageSetItemHeader + m.Size()
	}
	return total
}

// writeProducedMessages writes message set with produce offset placeholder in
// place of every offset.
func writeProducedMessages(w *Writer, messages []*Message) {
	w.WriteInt32(int32(producedMessagesSize(messages)))
	for _, m := range messages {
		w.WriteInt64(produceOffset)
		w.WriteInt32(int32(m.Size()))
		w.WriteRaw(m.Bytes())
	}
}

// readMessageSet reads size prefixed message set. Decoding never reads past
// the declared set size.
//
// Because kafka is sending message set directly from the drive, it might cut
// off part of the last message. Such message is returned as TooSmall item and
// the rest of the set is skipped.
func readMessageSet(r *ReadBuffer) []MessageSetItem {
	size := r.ReadInt32InRange(0, 1<<31-1, "message set size")
	set := r.Slice(int(size))
	var items []MessageSetItem
	for set.BytesLeft() > 0 && set.Err() == nil {
		items = append(items, readMessageSetItem(set))
	}
	if err := set.Err(); err != nil {
		r.fail(err)
		return nil
	}
	return items
}

func readMessageSetItem(set *ReadBuffer) MessageSetItem {
	if set.BytesLeft() < messageSetItemHeader {
		return tooSmallItem(set)
	}
	partial := set.Remaining()
	offset := set.ReadInt64()
	size := set.ReadInt32()
	if size < 0 {
		set.fail(errors.Wrapf(ErrValueOutOfRange, "message size %d at offset %d", size, offset))
		return MessageSetItem{}
	}
	if int(size) > set.BytesLeft() {
		set.Skip(set.BytesLeft())
		return MessageSetItem{Offset: -1, Message: NewTooSmallMessage(partial)}
	}
	return MessageSetItem{
		Offset:  offset,
		Message: &Message{kind: MessageRecord, buf: set.RandomAccess(int(size))},
	}
}

func tooSmallItem(set *ReadBuffer) MessageSetItem {
	partial := set.Remaining()
	set.Skip(set.BytesLeft())
	return MessageSetItem{Offset: -1, Message: NewTooSmallMessage(partial)}
}
