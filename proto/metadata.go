package proto

import (
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownBrokerID is returned when partition metadata refers to a replica
// that is not listed in the brokers section of the same response.
var ErrUnknownBrokerID = errors.New("unknown broker id")

// NoLeader is the leader id reported for partitions without a leader.
const NoLeader = -1

// MetadataReq asks for metadata of given topics. Empty topic list means all
// topics known to the cluster.
type MetadataReq struct {
	CorrelationID int32
	ClientID      string
	Topics        []string
}

func (r *MetadataReq) Kind() int16 {
	return MetadataReqKind
}

func (r *MetadataReq) SizeInBytes() int {
	return requestHeaderSize(r.ClientID) + ArraySize(r.Topics, StringSize)
}

func (r *MetadataReq) Bytes() ([]byte, error) {
	return encodeFrame("metadata request", r.SizeInBytes(), func(w *Writer) {
		writeRequestHeader(w, MetadataReqKind, r.CorrelationID, r.ClientID)
		WriteArray(w, r.Topics, (*Writer).WriteString)
	})
}

func (r *MetadataReq) WriteTo(w io.Writer) (int64, error) {
	b, err := r.Bytes()
	return writeFrame(w, b, err)
}

// ReadMetadataReq decodes metadata request frame, as returned by ReadReq.
func ReadMetadataReq(b []byte) (*MetadataReq, error) {
	h, rb, err := ReadRequestHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Kind != MetadataReqKind {
		return nil, errors.Errorf("expected metadata request, got kind %d", h.Kind)
	}
	req := MetadataReq{
		CorrelationID: h.CorrelationID,
		ClientID:      h.ClientID,
		Topics:        ReadArray(rb, (*ReadBuffer).ReadString),
	}
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read metadata request")
	}
	return &req, nil
}

type MetadataResp struct {
	CorrelationID int32
	Brokers       []*Broker
	Topics        []*TopicMetadata
}

// TopicMetadata describes a topic. Partitions are indexed by partition id.
type TopicMetadata struct {
	Name       string
	Err        error
	Partitions map[int32]*PartitionMetadata
}

// PartitionMetadata describes single partition. Leader is nil when the
// partition has no leader. Brokers are shared with the Brokers list of the
// response the metadata comes from.
type PartitionMetadata struct {
	ID       int32
	Err      error
	Leader   *Broker
	Replicas []*Broker
	Isrs     []*Broker
}

// PartitionIDs returns sorted list of partition ids.
func (t *TopicMetadata) PartitionIDs() []int32 {
	ids := make([]int32, 0, len(t.Partitions))
	for id := range t.Partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *TopicMetadata) sortedPartitions() []*PartitionMetadata {
	parts := make([]*PartitionMetadata, 0, len(t.Partitions))
	for _, id := range t.PartitionIDs() {
		parts = append(parts, t.Partitions[id])
	}
	return parts
}

// BrokersByID returns brokers indexed by node id.
func (r *MetadataResp) BrokersByID() map[int32]*Broker {
	brokers := make(map[int32]*Broker, len(r.Brokers))
	for _, b := range r.Brokers {
		brokers[b.NodeID] = b
	}
	return brokers
}

func brokerSize(b *Broker) int {
	return 4 + StringSize(b.Host) + 4
}

func partitionMetadataSize(p *PartitionMetadata) int {
	return 2 + 4 + 4 + 4 + 4*len(p.Replicas) + 4 + 4*len(p.Isrs)
}

func topicMetadataSize(t *TopicMetadata) int {
	return 2 + StringSize(t.Name) + ArraySize(t.sortedPartitions(), partitionMetadataSize)
}

func (r *MetadataResp) SizeInBytes() int {
	return 4 + ArraySize(r.Brokers, brokerSize) + ArraySize(r.Topics, topicMetadataSize)
}

func writeBrokerIDs(w *Writer, brokers []*Broker) {
	WriteArray(w, brokers, func(w *Writer, b *Broker) {
		w.WriteInt32(b.NodeID)
	})
}

// Bytes encodes the response. Partitions of every topic are written in
// ascending id order.
func (r *MetadataResp) Bytes() ([]byte, error) {
	return encodeFrame("metadata response", r.SizeInBytes(), func(w *Writer) {
		w.WriteInt32(r.CorrelationID)
		WriteArray(w, r.Brokers, func(w *Writer, b *Broker) {
			w.WriteInt32(b.NodeID)
			w.WriteString(b.Host)
			w.WriteInt32(int32(b.Port))
		})
		WriteArray(w, r.Topics, func(w *Writer, t *TopicMetadata) {
			w.WriteInt16(CodeForError(t.Err))
			w.WriteString(t.Name)
			WriteArray(w, t.sortedPartitions(), func(w *Writer, p *PartitionMetadata) {
				w.WriteInt16(CodeForError(p.Err))
				w.WriteInt32(p.ID)
				if p.Leader == nil {
					w.WriteInt32(NoLeader)
				} else {
					w.WriteInt32(p.Leader.NodeID)
				}
				writeBrokerIDs(w, p.Replicas)
				writeBrokerIDs(w, p.Isrs)
			})
		})
	})
}

// ReadMetadataResp decodes metadata response frame, as returned by ReadResp.
// Partition leaders and replicas are resolved against the brokers listed in
// the response. Unknown leader id means the partition has no leader, unknown
// replica id fails with ErrUnknownBrokerID.
func ReadMetadataResp(b []byte) (*MetadataResp, error) {
	rb := NewReadBuffer(b)
	resp := MetadataResp{CorrelationID: rb.ReadInt32()}
	resp.Brokers = ReadArray(rb, readBroker)
	brokers := resp.BrokersByID()
	resp.Topics = ReadArray(rb, func(rb *ReadBuffer) *TopicMetadata {
		return readTopicMetadata(rb, brokers)
	})
	if err := rb.Err(); err != nil {
		return nil, errors.Wrap(err, "read metadata response")
	}
	return &resp, nil
}

func readBroker(rb *ReadBuffer) *Broker {
	return &Broker{
		NodeID: rb.ReadInt32(),
		Host:   rb.ReadString(),
		Port:   uint16(rb.ReadInt32InRange(0, math.MaxUint16, "broker port")),
	}
}

func readTopicMetadata(rb *ReadBuffer, brokers map[int32]*Broker) *TopicMetadata {
	t := &TopicMetadata{
		Err:        ErrorForCode(rb.ReadInt16InRange(-1, math.MaxInt16, "topic error code")),
		Name:       rb.ReadString(),
		Partitions: make(map[int32]*PartitionMetadata),
	}
	parts := ReadArray(rb, func(rb *ReadBuffer) *PartitionMetadata {
		return readPartitionMetadata(rb, brokers)
	})
	for _, p := range parts {
		if _, ok := t.Partitions[p.ID]; ok {
			rb.fail(errors.Wrapf(ErrValueOutOfRange, "duplicated partition %d of topic %q", p.ID, t.Name))
			return t
		}
		t.Partitions[p.ID] = p
	}
	return t
}

func readPartitionMetadata(rb *ReadBuffer, brokers map[int32]*Broker) *PartitionMetadata {
	p := &PartitionMetadata{
		Err: ErrorForCode(rb.ReadInt16InRange(-1, math.MaxInt16, "partition error code")),
		ID:  rb.ReadInt32InRange(-1, math.MaxInt16, "partition id"),
	}
	p.Leader = brokers[rb.ReadInt32()]
	p.Replicas = readBrokerRefs(rb, brokers)
	p.Isrs = readBrokerRefs(rb, brokers)
	return p
}

func readBrokerRefs(rb *ReadBuffer, brokers map[int32]*Broker) []*Broker {
	ids := ReadArray(rb, (*ReadBuffer).ReadInt32)
	if len(ids) == 0 {
		return nil
	}
	refs := make([]*Broker, len(ids))
	for i, id := range ids {
		b, ok := brokers[id]
		if !ok {
			rb.fail(errors.Wrapf(ErrUnknownBrokerID, "%d", id))
			return nil
		}
		refs[i] = b
	}
	return refs
}
