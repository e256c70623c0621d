package proto

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

type ProduceReq struct {
	CorrelationID int32
	ClientID      string
	RequiredAcks  int16
	Timeout       time.Duration

	Topics []ProduceReqTopic
}

type ProduceReqTopic struct {
	Name       string
	Partitions []ProduceReqPartition
}

type ProduceReqPartition struct {
	ID       int32
	Messages []*Message
}

// AddMessages adds messages of a partition to the request. Partitions of the
// same topic are grouped under single topic entry, in the order they were
// added.
func (r *ProduceReq) AddMessages(topic string, partition int32, messages ...*Message) {
	p := ProduceReqPartition{ID: partition, Messages: messages}
	for i := range r.Topics {
		if r.Topics[i].Name == topic {
			r.Topics[i].Partitions = append(r.Topics[i].Partitions, p)
			return
		}
	}
	r.Topics = append(r.Topics, ProduceReqTopic{Name: topic, Partitions: []ProduceReqPartition{p}})
}

func (r *ProduceReq) Kind() int16 {
	return ProduceReqKind
}

func (r *ProduceReq) SizeInBytes() int {
	return requestHeaderSize(r.ClientID) + 2 + 4 +
		ArraySize(r.Topics, func(t ProduceReqTopic) int {
			return StringSize(t.Name) + ArraySize(t.Partitions, func(p ProduceReqPartition) int {
				return 4 + 4 + producedMessagesSize(p.Messages)
			})
		})
}

func (r *ProduceReq) Bytes() ([]byte, error) {
	return encodeFrame("produce request", r.SizeInBytes(), func(w *Writer) {
		writeRequestHeader(w, ProduceReqKind, r.CorrelationID, r.ClientID)
		w.WriteInt16(r.RequiredAcks)
		w.WriteInt32(int32(r.Timeout / time.Millisecond))
		WriteArray(w, r.Topics, func(w *Writer, t ProduceReqTopic) {
			w.WriteString(t.Name)
			WriteArray(w, t.Partitions, func(w *Writer, p ProduceReqPartition) {
				w.WriteInt32(p.ID)
				writeProducedMessages(w, p.Messages)
			})
		})
	})
}

func (r *ProduceReq) WriteTo(w io.Writer) (int64, error) {
	b, err := r.Bytes()
	return writeFrame(w, b, err)
}

// ReadProduceReq decodes produce request frame, as returned by ReadReq.
func ReadProduceReq(b []byte) (*ProduceReq, error) {
	h, rb, err := ReadRequestHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Kind != ProduceReqKind {
		return nil, errors.Errorf("expected produce request, got kind %d", h.Kind)
	}
	req := ProduceReq{
		CorrelationID: h.CorrelationID,
		ClientID:      h.ClientID,
		RequiredAcks:  rb.ReadInt16(),
		Timeout:       time.Duration(rb.ReadInt32()) * time.Millisecond,
	}
	req.Topics = ReadArray(rb, func(rb *ReadBuffer) ProduceReqTopic {
		return ProduceReqTopic{
			Name: rb.ReadString(),
			Partitions: ReadArray(rb, func(rb *ReadBuffer) ProduceReqPartition {
				p := ProduceReqPartition{ID: rb.ReadInt32()}
				for _, it := range readMessageSet(rb) {
					if it.Message.IsTooSmall() {
						rb.fail(errors.Wrapf(ErrMalformedMessage, "truncated message in produce request for partition %d", p.ID))
						return p
					}
					p.Messages = append(p.Messages, it.Message)
				}
				return p
			}),
		}
	})
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read produce request")
	}
	return &req, nil
}

type ProduceResp struct {
	CorrelationID int32
	Topics        []ProduceRespTopic
}

type ProduceRespTopic struct {
	Name       string
	Partitions []ProduceRespPartition
}

type ProduceRespPartition struct {
	ID     int32
	Err    error
	Offset int64
}

// ProduceStatus is the result of producing messages to single partition.
// Offset is the offset assigned to the first message.
type ProduceStatus struct {
	TopicAndPartition
	Err    error
	Offset int64
}

// StatusesByTopic indexes response by topic name. Statuses of every topic are
// kept in response order.
func (r *ProduceResp) StatusesByTopic() map[string][]ProduceStatus {
	statuses := make(map[string][]ProduceStatus, len(r.Topics))
	for _, st := range r.Statuses() {
		statuses[st.Topic] = append(statuses[st.Topic], st)
	}
	return statuses
}

// Statuses returns status of every partition, in response order.
func (r *ProduceResp) Statuses() []ProduceStatus {
	var statuses []ProduceStatus
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			statuses = append(statuses, ProduceStatus{
				TopicAndPartition: TopicAndPartition{Topic: t.Name, Partition: p.ID},
				Err:               p.Err,
				Offset:            p.Offset,
			})
		}
	}
	return statuses
}

func (r *ProduceResp) SizeInBytes() int {
	return 4 + ArraySize(r.Topics, func(t ProduceRespTopic) int {
		return StringSize(t.Name) + ArraySize(t.Partitions, func(ProduceRespPartition) int { return 4 + 2 + 8 })
	})
}

func (r *ProduceResp) Bytes() ([]byte, error) {
	return encodeFrame("produce response", r.SizeInBytes(), func(w *Writer) {
		w.WriteInt32(r.CorrelationID)
		WriteArray(w, r.Topics, func(w *Writer, t ProduceRespTopic) {
			w.WriteString(t.Name)
			WriteArray(w, t.Partitions, func(w *Writer, p ProduceRespPartition) {
				w.WriteInt32(p.ID)
				w.WriteInt16(CodeForError(p.Err))
				w.WriteInt64(p.Offset)
			})
		})
	})
}

// ReadProduceResp decodes produce response frame, as returned by ReadResp.
func ReadProduceResp(b []byte) (*ProduceResp, error) {
	rb := NewReadBuffer(b)
	resp := ProduceResp{CorrelationID: rb.ReadInt32()}
	resp.Topics = ReadArray(rb, func(rb *ReadBuffer) ProduceRespTopic {
		return ProduceRespTopic{
			Name: rb.ReadString(),
			Partitions: ReadArray(rb, func(rb *ReadBuffer) ProduceRespPartition {
				return ProduceRespPartition{
					ID:     rb.ReadInt32(),
					Err:    ErrorForCode(rb.ReadInt16()),
					Offset: rb.ReadInt64(),
				}
			}),
		}
	})
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read produce response")
	}
	return &resp, nil
}
