package proto

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

type FetchReq struct {
	CorrelationID int32
	ClientID      string
	ReplicaID     int32
	MaxWaitTime   time.Duration
	MinBytes      int32

	Topics []FetchReqTopic
}

type FetchReqTopic struct {
	Name       string
	Partitions []FetchReqPartition
}

type FetchReqPartition struct {
	ID          int32
	FetchOffset int64
	MaxBytes    int32
}

// NewFetchReq returns empty fetch request of an ordinary consumer.
func NewFetchReq(minBytes int32, maxWait time.Duration) *FetchReq {
	return &FetchReq{
		ReplicaID:   ConsumerReplicaID,
		MaxWaitTime: maxWait,
		MinBytes:    minBytes,
	}
}

// NewSingleFetchReq returns fetch request for single partition.
func NewSingleFetchReq(topic string, partition int32, offset int64, fetchSize, minBytes int32, maxWait time.Duration) *FetchReq {
	req := NewFetchReq(minBytes, maxWait)
	req.AddPartition(topic, partition, offset, fetchSize)
	return req
}

// AddPartition adds partition to the request. Partitions of the same topic are
// grouped under single topic entry, in the order they were added.
func (r *FetchReq) AddPartition(topic string, partition int32, offset int64, maxBytes int32) {
	p := FetchReqPartition{ID: partition, FetchOffset: offset, MaxBytes: maxBytes}
	for i := range r.Topics {
		if r.Topics[i].Name == topic {
			r.Topics[i].Partitions = append(r.Topics[i].Partitions, p)
			return
		}
	}
	r.Topics = append(r.Topics, FetchReqTopic{Name: topic, Partitions: []FetchReqPartition{p}})
}

func (r *FetchReq) Kind() int16 {
	return FetchReqKind
}

func (r *FetchReq) SizeInBytes() int {
	return requestHeaderSize(r.ClientID) + 4 + 4 + 4 +
		ArraySize(r.Topics, func(t FetchReqTopic) int {
			return StringSize(t.Name) + ArraySize(t.Partitions, func(FetchReqPartition) int { return 4 + 8 + 4 })
		})
}

func (r *FetchReq) Bytes() ([]byte, error) {
	return encodeFrame("fetch request", r.SizeInBytes(), func(w *Writer) {
		writeRequestHeader(w, FetchReqKind, r.CorrelationID, r.ClientID)
		w.WriteInt32(r.ReplicaID)
		w.WriteInt32(int32(r.MaxWaitTime / time.Millisecond))
		w.WriteInt32(r.MinBytes)
		WriteArray(w, r.Topics, func(w *Writer, t FetchReqTopic) {
			w.WriteString(t.Name)
			WriteArray(w, t.Partitions, func(w *Writer, p FetchReqPartition) {
				w.WriteInt32(p.ID)
				w.WriteInt64(p.FetchOffset)
				w.WriteInt32(p.MaxBytes)
			})
		})
	})
}

func (r *FetchReq) WriteTo(w io.Writer) (int64, error) {
	b, err := r.Bytes()
	return writeFrame(w, b, err)
}

// ReadFetchReq decodes fetch request frame, as returned by ReadReq.
func ReadFetchReq(b []byte) (*FetchReq, error) {
	h, rb, err := ReadRequestHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Kind != FetchReqKind {
		return nil, errors.Errorf("expected fetch request, got kind %d", h.Kind)
	}
	req := FetchReq{
		CorrelationID: h.CorrelationID,
		ClientID:      h.ClientID,
		ReplicaID:     rb.ReadInt32(),
		MaxWaitTime:   time.Duration(rb.ReadInt32()) * time.Millisecond,
		MinBytes:      rb.ReadInt32(),
	}
	req.Topics = ReadArray(rb, func(rb *ReadBuffer) FetchReqTopic {
		return FetchReqTopic{
			Name: rb.ReadString(),
			Partitions: ReadArray(rb, func(rb *ReadBuffer) FetchReqPartition {
				return FetchReqPartition{
					ID:          rb.ReadInt32(),
					FetchOffset: rb.ReadInt64(),
					MaxBytes:    rb.ReadInt32(),
				}
			}),
		}
	})
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read fetch request")
	}
	return &req, nil
}

type FetchResp struct {
	CorrelationID int32
	Topics        []FetchRespTopic
}

type FetchRespTopic struct {
	Name       string
	Partitions []FetchRespPartition
}

type FetchRespPartition struct {
	ID            int32
	Err           error
	HighWaterMark int64
	Messages      []MessageSetItem
}

func (r *FetchResp) SizeInBytes() int {
	return 4 + ArraySize(r.Topics, func(t FetchRespTopic) int {
		return StringSize(t.Name) + ArraySize(t.Partitions, func(p FetchRespPartition) int {
			return 4 + 2 + 8 + 4 + MessageSetSize(p.Messages)
		})
	})
}

func (r *FetchResp) Bytes() ([]byte, error) {
	return encodeFrame("fetch response", r.SizeInBytes(), func(w *Writer) {
		w.WriteInt32(r.CorrelationID)
		WriteArray(w, r.Topics, func(w *Writer, t FetchRespTopic) {
			w.WriteString(t.Name)
			WriteArray(w, t.Partitions, func(w *Writer, p FetchRespPartition) {
				w.WriteInt32(p.ID)
				w.WriteInt16(CodeForError(p.Err))
				w.WriteInt64(p.HighWaterMark)
				writeMessageSet(w, p.Messages)
			})
		})
	})
}

// ReadFetchResp decodes fetch response frame, as returned by ReadResp.
func ReadFetchResp(b []byte) (*FetchResp, error) {
	rb := NewReadBuffer(b)
	resp := FetchResp{CorrelationID: rb.ReadInt32()}
	resp.Topics = ReadArray(rb, func(rb *ReadBuffer) FetchRespTopic {
		return FetchRespTopic{
			Name: rb.ReadString(),
			Partitions: ReadArray(rb, func(rb *ReadBuffer) FetchRespPartition {
				return FetchRespPartition{
					ID:            rb.ReadInt32(),
					Err:           ErrorForCode(rb.ReadInt16()),
					HighWaterMark: rb.ReadInt64(),
					Messages:      readMessageSet(rb),
				}
			}),
		}
	})
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read fetch response")
	}
	return &resp, nil
}
