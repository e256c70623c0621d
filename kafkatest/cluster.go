package kafkatest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/optiopay/kafka-client/proto"
)

// NoLeader can be passed to SetLeader to make a partition leaderless.
const NoLeader = -1

type partitionLog struct {
	leader   int32
	messages []*proto.Message
}

// Cluster is a group of in-process fake brokers sharing topic logs. Every
// partition is led by one of the brokers; other brokers answer requests for
// that partition with ErrNotLeaderForPartition, the way Kafka does.
type Cluster struct {
	// AutoCreateTopics makes brokers create topics named in metadata
	// requests. Created topic is reported with ErrLeaderNotAvailable the
	// first time, as Kafka does.
	AutoCreateTopics bool

	// DefaultPartitions is the number of partitions of automatically created
	// topics. By default 1.
	DefaultPartitions int32

	servers []*Server

	mu      sync.Mutex
	topics  map[string]map[int32]*partitionLog
	updated chan struct{}
}

// NewCluster starts given number of brokers. Node ids start from 1.
func NewCluster(brokers int) (*Cluster, error) {
	c := &Cluster{
		DefaultPartitions: 1,
		topics:            make(map[string]map[int32]*partitionLog),
		updated:           make(chan struct{}),
	}
	for i := 0; i < brokers; i++ {
		srv := newServer(c, int32(i+1))
		if err := srv.start(); err != nil {
			c.Close()
			return nil, err
		}
		c.servers = append(c.servers, srv)
	}
	return c, nil
}

// Addrs returns addresses of all brokers, in node id order.
func (c *Cluster) Addrs() []string {
	addrs := make([]string, len(c.servers))
	for i, srv := range c.servers {
		addrs[i] = srv.Addr()
	}
	return addrs
}

// Server returns broker with given node id or nil.
func (c *Cluster) Server(nodeID int32) *Server {
	for _, srv := range c.servers {
		if srv.nodeID == nodeID {
			return srv
		}
	}
	return nil
}

// Servers returns all brokers, in node id order.
func (c *Cluster) Servers() []*Server {
	return append([]*Server(nil), c.servers...)
}

// Close stops all brokers.
func (c *Cluster) Close() {
	for _, srv := range c.servers {
		srv.Close()
	}
}

// CreateTopic adds topic with given number of partitions. Partition leaders
// are spread over brokers in round robin order.
func (c *Cluster) CreateTopic(name string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createTopic(name, partitions)
}

func (c *Cluster) createTopic(name string, partitions int32) {
	parts := make(map[int32]*partitionLog, partitions)
	for p := int32(0); p < partitions; p++ {
		leader := int32(NoLeader)
		if len(c.servers) > 0 {
			leader = c.servers[int(p)%len(c.servers)].nodeID
		}
		parts[p] = &partitionLog{leader: leader}
	}
	c.topics[name] = parts
}

// HasTopic returns true if the topic exists.
func (c *Cluster) HasTopic(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[name]
	return ok
}

// SetLeader moves leadership of a partition to given broker. Use NoLeader to
// leave the partition without a leader.
func (c *Cluster) SetLeader(topic string, partition int32, nodeID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partition(topic, partition)
	if err != nil {
		return err
	}
	p.leader = nodeID
	return nil
}

// Leader returns node id of partition leader.
func (c *Cluster) Leader(topic string, partition int32) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partition(topic, partition)
	if err != nil {
		return NoLeader, err
	}
	return p.leader, nil
}

func (c *Cluster) partition(topic string, partition int32) (*partitionLog, error) {
	parts, ok := c.topics[topic]
	if !ok {
		return nil, proto.ErrUnknownTopicOrPartition
	}
	p, ok := parts[partition]
	if !ok {
		return nil, proto.ErrUnknownTopicOrPartition
	}
	return p, nil
}

// AddMessages appends messages to partition log and returns offset of the
// first one.
func (c *Cluster) AddMessages(topic string, partition int32, messages ...*proto.Message) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partition(topic, partition)
	if err != nil {
		return -1, err
	}
	offset := int64(len(p.messages))
	p.messages = append(p.messages, messages...)

	close(c.updated)
	c.updated = make(chan struct{})
	return offset, nil
}

// Messages returns all messages of a partition. Offset of every message is
// its index.
func (c *Cluster) Messages(topic string, partition int32) ([]*proto.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partition(topic, partition)
	if err != nil {
		return nil, err
	}
	return append([]*proto.Message(nil), p.messages...), nil
}

// changed returns channel closed on next message append.
func (c *Cluster) changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}

// metadata builds response for given topics, or all topics when none is
// named.
func (c *Cluster) metadata(correlationID int32, topics []string) *proto.MetadataResp {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := &proto.MetadataResp{CorrelationID: correlationID}
	brokers := make(map[int32]*proto.Broker, len(c.servers))
	for _, srv := range c.servers {
		b := srv.broker()
		brokers[b.NodeID] = b
		resp.Brokers = append(resp.Brokers, b)
	}

	if len(topics) == 0 {
		for name := range c.topics {
			topics = append(topics, name)
		}
		sort.Strings(topics)
	}
	for _, name := range topics {
		parts, ok := c.topics[name]
		if !ok {
			if !c.AutoCreateTopics {
				resp.Topics = append(resp.Topics, &proto.TopicMetadata{
					Name: name,
					Err:  proto.ErrUnknownTopicOrPartition,
				})
				continue
			}
			c.createTopic(name, c.DefaultPartitions)
			resp.Topics = append(resp.Topics, &proto.TopicMetadata{
				Name: name,
				Err:  proto.ErrLeaderNotAvailable,
			})
			continue
		}

		t := &proto.TopicMetadata{
			Name:       name,
			Partitions: make(map[int32]*proto.PartitionMetadata, len(parts)),
		}
		for id, p := range parts {
			pm := &proto.PartitionMetadata{ID: id}
			if leader, ok := brokers[p.leader]; ok {
				pm.Leader = leader
				pm.Replicas = []*proto.Broker{leader}
				pm.Isrs = []*proto.Broker{leader}
			} else {
				pm.Err = proto.ErrLeaderNotAvailable
			}
			t.Partitions[id] = pm
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp
}

// produce appends messages of partitions led by given node.
func (c *Cluster) produce(nodeID int32, req *proto.ProduceReq) *proto.ProduceResp {
	resp := &proto.ProduceResp{CorrelationID: req.CorrelationID}
	for _, t := range req.Topics {
		rt := proto.ProduceRespTopic{Name: t.Name}
		for _, part := range t.Partitions {
			rp := proto.ProduceRespPartition{ID: part.ID, Offset: -1}
			if err := c.checkLeader(nodeID, t.Name, part.ID); err != nil {
				rp.Err = err
			} else {
				rp.Offset, rp.Err = c.AddMessages(t.Name, part.ID, part.Messages...)
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

func (c *Cluster) checkLeader(nodeID int32, topic string, partition int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partition(topic, partition)
	if err != nil {
		return err
	}
	if p.leader != nodeID {
		return proto.ErrNotLeaderForPartition
	}
	return nil
}

// fetch reads messages of partitions led by given node. Every partition gets
// at most MaxBytes of messages; a message that does not fit is cut, the way
// Kafka cuts message sets. Returned value is the number of message bytes.
func (c *Cluster) fetch(nodeID int32, req *proto.FetchReq) (*proto.FetchResp, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	resp := &proto.FetchResp{CorrelationID: req.CorrelationID}
	for _, t := range req.Topics {
		rt := proto.FetchRespTopic{Name: t.Name}
		for _, part := range t.Partitions {
			rp := proto.FetchRespPartition{ID: part.ID, HighWaterMark: -1}
			p, err := c.partition(t.Name, part.ID)
			switch {
			case err != nil:
				rp.Err = err
			case p.leader != nodeID:
				rp.Err = proto.ErrNotLeaderForPartition
			case part.FetchOffset < 0 || part.FetchOffset > int64(len(p.messages)):
				rp.Err = proto.ErrOffsetOutOfRange
				rp.HighWaterMark = int64(len(p.messages))
			default:
				rp.HighWaterMark = int64(len(p.messages))
				rp.Messages = messageSet(p.messages, part.FetchOffset, int(part.MaxBytes))
				total += proto.MessageSetSize(rp.Messages)
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp, total
}

// messageSet returns messages starting at offset that fit in maxBytes. The
// first message that does not fit is returned cut to the remaining size.
func messageSet(messages []*proto.Message, offset int64, maxBytes int) []proto.MessageSetItem {
	var items []proto.MessageSetItem
	left := maxBytes
	for i := offset; i < int64(len(messages)); i++ {
		msg := messages[i]
		size := 12 + msg.Size()
		if size > left {
			if left > 0 {
				items = append(items, proto.MessageSetItem{
					Offset:  -1,
					Message: proto.NewTooSmallMessage(encodeItem(i, msg)[:left]),
				})
			}
			break
		}
		items = append(items, proto.MessageSetItem{Offset: i, Message: msg})
		left -= size
	}
	return items
}

func encodeItem(offset int64, msg *proto.Message) []byte {
	w := proto.NewWriter(12 + msg.Size())
	w.WriteInt64(offset)
	w.WriteInt32(int32(msg.Size()))
	w.WriteRaw(msg.Bytes())
	return w.Bytes()
}

func (c *Cluster) String() string {
	return fmt.Sprintf("kafkatest.Cluster%v", c.Addrs())
}
