package proto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

/*

Kafka wire protocol, version 0 of every request, implemented as described in
https://cwiki.apache.org/confluence/display/KAFKA/A+Guide+To+The+Kafka+Protocol

Request frame:

	int32 size | int16 api key | int16 api version | int32 correlation id | string client id | body

Response frame:

	int32 size | int32 correlation id | body

*/

const (
	ProduceReqKind  = 0
	FetchReqKind    = 1
	MetadataReqKind = 3

	// Server will not send any response.
	RequiredAcksNone = 0

	// Server will block until the message is committed by all in sync replicas
	// before sending a response.
	RequiredAcksAll = -1

	// Server will wait the data is written to the local log before sending a
	// response.
	RequiredAcksLocal = 1

	// ReplicaID used by every client that is not a broker.
	ConsumerReplicaID = -1

	apiVersion = 0

	// MaxFrameSize limits the size of frames read from the network.
	MaxFrameSize = 100 * 1024 * 1024
)

// ErrFrameSize is returned when frame declares negative or too large size.
var ErrFrameSize = errors.New("invalid frame size")

// Request is implemented by every request type.
type Request interface {
	// Kind returns api key of the request.
	Kind() int16

	// SizeInBytes returns size of the encoded request, without the int32
	// size prefix.
	SizeInBytes() int

	// Bytes returns size prefixed wire representation of the request.
	Bytes() ([]byte, error)

	WriteTo(w io.Writer) (int64, error)
}

var (
	_ Request = &FetchReq{}
	_ Request = &ProduceReq{}
	_ Request = &MetadataReq{}
)

// RequestHeader is the part shared by every request.
type RequestHeader struct {
	Kind          int16
	Version       int16
	CorrelationID int32
	ClientID      string
}

func requestHeaderSize(clientID string) int {
	return 2 + 2 + 4 + StringSize(clientID)
}

func writeRequestHeader(w *Writer, kind int16, correlationID int32, clientID string) {
	w.WriteInt16(kind)
	w.WriteInt16(apiVersion)
	w.WriteInt32(correlationID)
	w.WriteString(clientID)
}

// ReadRequestHeader decodes header of a request frame, as returned by
// ReadReq. The cursor of returned buffer is placed at the request body.
func ReadRequestHeader(b []byte) (RequestHeader, *ReadBuffer, error) {
	rb := NewReadBuffer(b)
	h := RequestHeader{
		Kind:          rb.ReadInt16(),
		Version:       rb.ReadInt16(),
		CorrelationID: rb.ReadInt32(),
		ClientID:      rb.ReadString(),
	}
	if err := rb.Err(); err != nil {
		return RequestHeader{}, nil, errors.Wrap(err, "read request header")
	}
	return h, rb, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var sizeb [4]byte
	if _, err := io.ReadFull(r, sizeb[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeb[:]))
	if size < 4 || size > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameSize, "%d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadReq reads single request frame from given stream and returns its api
// key and the frame content, without the size prefix.
func ReadReq(r io.Reader) (requestKind int16, b []byte, err error) {
	b, err = readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	return int16(binary.BigEndian.Uint16(b)), b, nil
}

// ReadResp reads single response frame from given stream and returns its
// correlation ID and the frame content, without the size prefix. Returned
// bytes can be parsed by all response readers.
func ReadResp(r io.Reader) (correlationID int32, b []byte, err error) {
	b, err = readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	return int32(binary.BigEndian.Uint32(b)), b, nil
}
