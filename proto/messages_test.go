package proto

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func testRequestSerialization(t *testing.T, r Request) {
	var buf bytes.Buffer
	if n, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("could not write request to buffer: %s", err)
	} else if n != int64(buf.Len()) {
		t.Fatalf("writer returned invalid number of bytes written %d != %d", n, buf.Len())
	}
	b, err := r.Bytes()
	if err != nil {
		t.Fatalf("could not convert request to bytes: %s", err)
	}
	if !bytes.Equal(b, buf.Bytes()) {
		t.Fatal("Bytes() and WriteTo() serialized request is of different form")
	}
	if len(b) != r.SizeInBytes()+4 {
		t.Fatalf("computed size %d does not match written %d", r.SizeInBytes(), len(b)-4)
	}
}

func TestMetadataRequest(t *testing.T) {
	req1 := &MetadataReq{
		CorrelationID: 123,
		ClientID:      "testcli",
		Topics:        nil,
	}
	testRequestSerialization(t, req1)
	b, _ := req1.Bytes()
	expected := []byte{0x0, 0x0, 0x0, 0x15, 0x0, 0x3, 0x0, 0x0, 0x0, 0x0, 0x0, 0x7b, 0x0, 0x7, 0x74, 0x65, 0x73, 0x74, 0x63, 0x6c, 0x69, 0x0, 0x0, 0x0, 0x0}

	if !bytes.Equal(b, expected) {
		t.Fatalf("expected different bytes representation: %v", b)
	}

	req2 := &MetadataReq{
		CorrelationID: 123,
		ClientID:      "testcli",
		Topics:        []string{"foo", "bar"},
	}
	testRequestSerialization(t, req2)
	b, _ = req2.Bytes()
	expected = []byte{0x0, 0x0, 0x0, 0x1f, 0x0, 0x3, 0x0, 0x0, 0x0, 0x0, 0x0, 0x7b, 0x0, 0x7, 0x74, 0x65, 0x73, 0x74, 0x63, 0x6c, 0x69, 0x0, 0x0, 0x0, 0x2, 0x0, 0x3, 0x66, 0x6f, 0x6f, 0x0, 0x3, 0x62, 0x61, 0x72}

	if !bytes.Equal(b, expected) {
		t.Fatalf("expected different bytes representation: %v", b)
	}

	r, err := ReadMetadataReq(expected[4:])
	if err != nil {
		t.Fatalf("could not read request: %s", err)
	}
	if !reflect.DeepEqual(r, req2) {
		t.Fatalf("malformed request: %#v", r)
	}
}

func TestSingleFetchRequest(t *testing.T) {
	req := NewSingleFetchReq("test", 42, 4711, 100, 123, 456*time.Millisecond)
	req.ClientID = "client"
	req.CorrelationID = 4711
	testRequestSerialization(t, req)

	b, _ := req.Bytes()
	expected := []byte{
		0x00, 0x00, 0x00, 0x3a, // size
		0x00, 0x01, // api key
		0x00, 0x00, // api version
		0x00, 0x00, 0x12, 0x67, // correlation id
		0x00, 0x06, 'c', 'l', 'i', 'e', 'n', 't',
		0xff, 0xff, 0xff, 0xff, // replica id
		0x00, 0x00, 0x01, 0xc8, // max wait
		0x00, 0x00, 0x00, 0x7b, // min bytes
		0x00, 0x00, 0x00, 0x01, // topics
		0x00, 0x04, 't', 'e', 's', 't',
		0x00, 0x00, 0x00, 0x01, // partitions
		0x00, 0x00, 0x00, 0x2a, // partition
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x12, 0x67, // offset
		0x00, 0x00, 0x00, 0x64, // max bytes
	}
	if !bytes.Equal(b, expected) {
		t.Fatalf("expected different bytes representation: %#v", b)
	}

	r, err := ReadFetchReq(b[4:])
	if err != nil {
		t.Fatalf("could not read request: %s", err)
	}
	if !reflect.DeepEqual(r, req) {
		t.Fatalf("malformed request: %#v", r)
	}
}

func TestFetchRequestGroupsPartitionsByTopic(t *testing.T) {
	req := NewFetchReq(1, time.Second)
	req.AddPartition("a", 3, 30, 1024)
	req.AddPartition("b", 1, 10, 1024)
	req.AddPartition("a", 1, 10, 1024)
	req.AddPartition("a", 2, 20, 1024)
	testRequestSerialization(t, req)

	if len(req.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(req.Topics))
	}
	if req.Topics[0].Name != "a" || req.Topics[1].Name != "b" {
		t.Fatalf("unexpected topic order: %#v", req.Topics)
	}
	var ids []int32
	for _, p := range req.Topics[0].Partitions {
		ids = append(ids, p.ID)
	}
	if !reflect.DeepEqual(ids, []int32{3, 1, 2}) {
		t.Fatalf("partitions not kept in insertion order: %v", ids)
	}

	b, _ := req.Bytes()
	r, err := ReadFetchReq(b[4:])
	if err != nil {
		t.Fatalf("could not read request: %s", err)
	}
	if !reflect.DeepEqual(r, req) {
		t.Fatalf("malformed request: %#v", r)
	}
}

func TestProduceRequest(t *testing.T) {
	req := &ProduceReq{
		CorrelationID: 4711,
		ClientID:      "client",
		RequiredAcks:  RequiredAcksLocal,
		Timeout:       3 * time.Second,
	}
	req.AddMessages("test", 0, NewMessage([]byte("key"), []byte("value")))
	testRequestSerialization(t, req)

	expectedSize := 2 + 2 + 4 + (2 + 6) + // header
		2 + 4 + // required acks + timeout
		4 + // topics
		(2 + 4) + 4 + // topic + partitions
		4 + 4 + // partition + message set size
		8 + 4 + // offset + message size
		4 + 1 + 1 + (4 + 3) + (4 + 5) // message
	if req.SizeInBytes() != expectedSize {
		t.Fatalf("expected size %d, got %d", expectedSize, req.SizeInBytes())
	}

	b, _ := req.Bytes()
	// offset of the only message
	offset := b[4+expectedSize-(4+1+1+(4+3)+(4+5))-12:]
	if !bytes.Equal(offset[:8], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("produce offset should be -1, got %v", offset[:8])
	}

	r, err := ReadProduceReq(b[4:])
	if err != nil {
		t.Fatalf("could not read request: %s", err)
	}
	if !reflect.DeepEqual(r, req) {
		t.Fatalf("malformed request: %#v", r)
	}
}

func TestProduceRequestGroupsPartitionsByTopic(t *testing.T) {
	req := &ProduceReq{
		CorrelationID: 4711,
		ClientID:      "client",
		RequiredAcks:  42,
		Timeout:       12345 * time.Millisecond,
	}
	req.AddMessages("test1", 0,
		NewMessage([]byte("key1a"), []byte("value1a")),
		NewMessage([]byte("key1b"), []byte("value1b")))
	req.AddMessages("test2", 1, NewMessage([]byte("key2a"), []byte("value2a")), NewMessage(nil, []byte("value2b")))
	req.AddMessages("test1", 1, NewMessage([]byte("key1c"), []byte("value1c")))
	testRequestSerialization(t, req)

	if len(req.Topics) != 2 || len(req.Topics[0].Partitions) != 2 || len(req.Topics[1].Partitions) != 1 {
		t.Fatalf("unexpected grouping: %#v", req.Topics)
	}

	b, _ := req.Bytes()
	r, err := ReadProduceReq(b[4:])
	if err != nil {
		t.Fatalf("could not read request: %s", err)
	}
	if !reflect.DeepEqual(r, req) {
		t.Fatalf("malformed request: %#v", r)
	}
	if key := r.Topics[1].Partitions[0].Messages[1].Key(); key != nil {
		t.Fatalf("expected null key, got %v", key)
	}
}

func TestProduceResponse(t *testing.T) {
	resp := &ProduceResp{
		CorrelationID: 241,
		Topics: []ProduceRespTopic{
			{
				Name: "foo",
				Partitions: []ProduceRespPartition{
					{ID: 0, Err: nil, Offset: 2},
					{ID: 1, Err: ErrNotLeaderForPartition, Offset: -1},
				},
			},
			{
				Name: "bar",
				Partitions: []ProduceRespPartition{
					{ID: 4, Err: ErrLeaderNotAvailable, Offset: -1},
				},
			},
		},
	}
	b, err := resp.Bytes()
	if err != nil {
		t.Fatalf("cannot serialize response: %s", err)
	}
	if len(b) != resp.SizeInBytes()+4 {
		t.Fatalf("computed size %d does not match written %d", resp.SizeInBytes(), len(b)-4)
	}
	r, err := ReadProduceResp(b[4:])
	if err != nil {
		t.Fatalf("could not read response: %s", err)
	}
	if !reflect.DeepEqual(r, resp) {
		t.Fatalf("malformed response: %#v", r)
	}

	statuses := r.StatusesByTopic()
	if len(statuses["foo"]) != 2 || len(statuses["bar"]) != 1 {
		t.Fatalf("unexpected statuses: %#v", statuses)
	}
	if statuses["foo"][1].Err != ErrNotLeaderForPartition || statuses["foo"][1].Partition != 1 {
		t.Fatalf("unexpected status: %#v", statuses["foo"][1])
	}
}

func TestFetchResponse(t *testing.T) {
	b := []byte{
		0x12, 0x34, 0x56, 0x78, // correlation id
		0x00, 0x00, 0x00, 0x01, // topics
		0x00, 0x01, 'T',
		0x00, 0x00, 0x00, 0x01, // partitions
		0x01, 0x02, 0x03, 0x04, // partition
		0x00, 0x00, // error
		0x01, 0x02, 0x03, 0x04, 0x01, 0x02, 0x03, 0x04, // high water mark
		0x00, 0x00, 0x00, 8 + 4 + 16 + 8 + 4 + 17, // message set size
		0x11, 0x12, 0x13, 0x14, 0x21, 0x22, 0x23, 0x24, // offset
		0x00, 0x00, 0x00, 16, // message size
		0x01, 0x02, 0x03, 0x04, // crc, invalid
		0x00, 0x00, // magic, attributes
		0x00, 0x00, 0x00, 0x01, 'K',
		0x00, 0x00, 0x00, 0x01, 'V',
		0x12, 0x13, 0x14, 0x15, 0x26, 0x27, 0x28, 0x29, // offset
		0x00, 0x00, 0x00, 17, // message size
		0x0f, 0x66, 0xbb, 0xb7, // crc
		0x00, 0x00, // magic, attributes
		0xff, 0xff, 0xff, 0xff, // null key
		0x00, 0x00, 0x00, 0x03, 'H', 'i', '!',
	}
	resp, err := ReadFetchResp(b)
	if err != nil {
		t.Fatalf("could not read response: %s", err)
	}
	if resp.CorrelationID != 0x12345678 {
		t.Fatalf("unexpected correlation id: %x", resp.CorrelationID)
	}
	if len(resp.Topics) != 1 || len(resp.Topics[0].Partitions) != 1 {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.Topics[0].Name != "T" {
		t.Fatalf("unexpected topic: %q", resp.Topics[0].Name)
	}
	part := resp.Topics[0].Partitions[0]
	if part.ID != 0x01020304 || part.Err != nil || part.HighWaterMark != 0x0102030401020304 {
		t.Fatalf("unexpected partition: %#v", part)
	}
	if len(part.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(part.Messages))
	}

	first := part.Messages[0]
	if first.Offset != 0x1112131421222324 {
		t.Fatalf("unexpected offset: %x", first.Offset)
	}
	if first.Message.IsValid() {
		t.Fatal("first message has invalid crc and should not be valid")
	}
	if string(first.Message.Key()) != "K" || string(first.Message.Value()) != "V" {
		t.Fatalf("unexpected first message: %q %q", first.Message.Key(), first.Message.Value())
	}

	second := part.Messages[1]
	if second.Offset != 0x1213141526272829 {
		t.Fatalf("unexpected offset: %x", second.Offset)
	}
	if !second.Message.IsValid() {
		t.Fatal("second message should be valid")
	}
	if second.Message.Key() != nil || string(second.Message.Value()) != "Hi!" {
		t.Fatalf("unexpected second message: %q %q", second.Message.Key(), second.Message.Value())
	}

	// encoding decoded response must reproduce the original bytes
	out, err := resp.Bytes()
	if err != nil {
		t.Fatalf("cannot serialize response: %s", err)
	}
	if !bytes.Equal(out[4:], b) {
		t.Fatalf("serialized response differs:\n%v\n%v", out[4:], b)
	}
}

func TestFetchResponseRoundTrip(t *testing.T) {
	resp := &FetchResp{
		CorrelationID: 3,
		Topics: []FetchRespTopic{
			{
				Name: "foo",
				Partitions: []FetchRespPartition{
					{
						ID:            1,
						HighWaterMark: 10,
						Messages: []MessageSetItem{
							{Offset: 8, Message: NewMessage(nil, []byte("first"))},
							{Offset: 9, Message: NewMessage([]byte("k"), []byte("second"))},
						},
					},
					{
						ID:            2,
						Err:           ErrOffsetOutOfRange,
						HighWaterMark: -1,
					},
				},
			},
		},
	}
	b, err := resp.Bytes()
	if err != nil {
		t.Fatalf("cannot serialize response: %s", err)
	}
	if len(b) != resp.SizeInBytes()+4 {
		t.Fatalf("computed size %d does not match written %d", resp.SizeInBytes(), len(b)-4)
	}
	r, err := ReadFetchResp(b[4:])
	if err != nil {
		t.Fatalf("could not read response: %s", err)
	}
	if !reflect.DeepEqual(r, resp) {
		t.Fatalf("malformed response: %#v", r)
	}
}

func TestMetadataResponse(t *testing.T) {
	b := []byte{
		0x01, 0x02, 0x03, 0x04, // correlation id
		0x00, 0x00, 0x00, 0x03, // brokers
		0x00, 0x00, 0x00, 1, 0x00, 0x04, 'H', 'o', 's', 't', 0x00, 0x00, 0x00, 21,
		0x00, 0x00, 0x00, 2, 0x00, 0x04, 'H', 'o', 's', 't', 0x00, 0x00, 0x00, 22,
		0x00, 0x00, 0x00, 3, 0x00, 0x04, 'H', 'o', 's', 't', 0x00, 0x00, 0x00, 23,
		0x00, 0x00, 0x00, 0x01, // topics
		0x00, 0x00, // error
		0x00, 0x04, 't', 'e', 's', 't',
		0x00, 0x00, 0x00, 0x02, // partitions
		0x00, 0x00, // error
		0x00, 0x00, 0x45, 0x67, // partition id
		0x00, 0x00, 0x00, 1, // leader
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 2, 0x00, 0x00, 0x00, 3, // replicas
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 2, // isr
		0x00, 0x00, // error
		0x00, 0x00, 0x45, 0x68, // partition id
		0x00, 0x00, 0x00, 2, // leader
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 1, 0x00, 0x00, 0x00, 2, // replicas
		0x00, 0x00, 0x00, 0x00, // isr
	}
	resp, err := ReadMetadataResp(b)
	if err != nil {
		t.Fatalf("could not read response: %s", err)
	}
	if resp.CorrelationID != 0x01020304 {
		t.Fatalf("unexpected correlation id: %x", resp.CorrelationID)
	}
	brokers := resp.BrokersByID()
	if len(brokers) != 3 || brokers[1].Port != 21 || brokers[2].Port != 22 || brokers[3].Port != 23 {
		t.Fatalf("unexpected brokers: %#v", brokers)
	}
	if len(resp.Topics) != 1 {
		t.Fatalf("expected single topic, got %d", len(resp.Topics))
	}
	topic := resp.Topics[0]
	if topic.Name != "test" || topic.Err != nil || len(topic.Partitions) != 2 {
		t.Fatalf("unexpected topic: %#v", topic)
	}
	p := topic.Partitions[0x4567]
	if p.Leader != brokers[1] {
		t.Fatalf("unexpected leader: %v", p.Leader)
	}
	if !reflect.DeepEqual(p.Replicas, []*Broker{brokers[2], brokers[3]}) {
		t.Fatalf("unexpected replicas: %v", p.Replicas)
	}
	if !reflect.DeepEqual(p.Isrs, []*Broker{brokers[2]}) {
		t.Fatalf("unexpected isrs: %v", p.Isrs)
	}
	if topic.Partitions[0x4568].Isrs != nil {
		t.Fatalf("expected no isrs, got %v", topic.Partitions[0x4568].Isrs)
	}

	out, err := resp.Bytes()
	if err != nil {
		t.Fatalf("cannot serialize response: %s", err)
	}
	if !bytes.Equal(out[4:], b) {
		t.Fatalf("serialized response differs:\n%v\n%v", out[4:], b)
	}
}
