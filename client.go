package kafka

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/optiopay/kafka-client/proto"
)

type (
	TopicAndPartition = proto.TopicAndPartition
	HostPort          = proto.HostPort
	Broker            = proto.Broker
)

// Client is the connection to a kafka cluster. It keeps a pool of broker
// connections and the topic metadata cache, both shared by all producers and
// consumers created from it. Client is safe for concurrent use.
type Client struct {
	conf      ClientConf
	logger    Logger
	metrics   *metrics
	dialer    proxy.ContextDialer
	bootstrap []HostPort
	requestID atomic.Int32
	metadata  *metadataHolder

	mu     sync.Mutex
	conns  map[HostPort]*connection
	closed bool
}

// NewClient returns client for the cluster reachable through configured
// bootstrap addresses. No connection is made until the first request.
func NewClient(conf ClientConf) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client configuration")
	}
	if conf.Logger == nil {
		conf.Logger = nullLogger()
	}
	dialer, err := newDialer(conf.DialTimeout, conf.ProxyURL)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(conf.ClientID, conf.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conf:    conf,
		logger:  conf.Logger,
		metrics: m,
		dialer:  dialer,
		conns:   make(map[HostPort]*connection),
	}
	for _, addr := range conf.Bootstrap {
		hp, err := proto.ParseHostPort(addr)
		if err != nil {
			return nil, err
		}
		c.bootstrap = append(c.bootstrap, hp)
		c.conns[hp.Key()] = c.newConnection(hp)
	}
	c.metadata = newMetadataHolder(c.SendMetadataRequest, conf.MetadataRetries, c.logger, m)
	return c, nil
}

func (c *Client) newConnection(addr HostPort) *connection {
	return newConnection(addr, c.dialer, &c.conf, c.logger, c.metrics)
}

// ClientID returns the id sent with every request.
func (c *Client) ClientID() string {
	return c.conf.ClientID
}

func (c *Client) nextRequestID() int32 {
	return c.requestID.Add(1)
}

// conn returns pooled connection to given address, creating it if there is
// none or the pooled one is dead.
func (c *Client) conn(addr HostPort) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	key := addr.Key()
	if conn, ok := c.conns[key]; ok && !conn.dead() {
		return conn, nil
	}
	conn := c.newConnection(addr)
	c.conns[key] = conn
	return conn, nil
}

// dropConn closes connection after a failure and removes it from the pool.
func (c *Client) dropConn(conn *connection) {
	c.mu.Lock()
	if pooled, ok := c.conns[conn.addr.Key()]; ok && pooled == conn {
		delete(c.conns, conn.addr.Key())
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Close closes all broker connections. Requests waiting for a response fail
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[HostPort]*connection)
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// anyBrokerCandidates returns connections to try for a request any broker
// can answer: already connected ones first, then the rest of the pool and
// bootstrap addresses.
func (c *Client) anyBrokerCandidates() ([]*connection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conns := make([]*connection, 0, len(c.conns)+len(c.bootstrap))
	seen := make(map[HostPort]bool)
	for key, conn := range c.conns {
		if conn.dead() {
			continue
		}
		conns = append(conns, conn)
		seen[key] = true
	}
	c.mu.Unlock()

	for _, hp := range c.bootstrap {
		if seen[hp.Key()] {
			continue
		}
		conn, err := c.conn(hp)
		if err != nil {
			return nil, err
		}
		seen[hp.Key()] = true
		conns = append(conns, conn)
	}

	connected := make(map[*connection]bool, len(conns))
	for _, conn := range conns {
		connected[conn] = conn.IsConnected()
	}
	sort.SliceStable(conns, func(i, j int) bool {
		if connected[conns[i]] != connected[conns[j]] {
			return connected[conns[i]]
		}
		return conns[i].addr.Less(conns[j].addr)
	})
	return conns, nil
}

// sendToAnyBroker calls send with connections to known brokers, one after
// another, until one of them succeeds.
func (c *Client) sendToAnyBroker(ctx context.Context, send func(context.Context, *connection) error) error {
	conns, err := c.anyBrokerCandidates()
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, conn := range conns {
		err := send(ctx, conn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("broker request failed", "addr", conn.addr.String(), "error", err)
		errs = multierror.Append(errs, errors.Wrapf(err, "broker %s", conn.addr))
		c.dropConn(conn)
	}
	return &KafkaUnavailableError{Errors: errs}
}

// SendMetadataRequest asks any broker for metadata of given topics, or of
// all topics if none are given. The metadata cache is not consulted nor
// updated.
func (c *Client) SendMetadataRequest(ctx context.Context, topics []string) (*proto.MetadataResp, error) {
	var resp *proto.MetadataResp
	err := c.sendToAnyBroker(ctx, func(ctx context.Context, conn *connection) error {
		r, err := conn.Metadata(ctx, &proto.MetadataReq{
			ClientID: c.conf.ClientID,
			Topics:   topics,
		})
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetMetadataForTopic returns metadata of existing topic. With useCached
// false the metadata is always requested from the cluster.
func (c *Client) GetMetadataForTopic(ctx context.Context, topic string, useCached bool) (*proto.TopicMetadata, error) {
	return c.metadata.getMetadataForTopic(ctx, topic, useCached)
}

// GetLeader returns the broker leading given partition, or nil if the
// partition has currently no leader. With allowTopicCreation the topic is
// named in metadata requests, which makes brokers with automatic topic
// creation create it.
func (c *Client) GetLeader(ctx context.Context, tp TopicAndPartition, allowTopicCreation bool) (*Broker, error) {
	return c.metadata.getLeader(ctx, tp, allowTopicCreation)
}

// GetPartitionsForTopics returns partition ids of every given topic. Unknown
// topics are mapped to nil.
func (c *Client) GetPartitionsForTopics(ctx context.Context, topics []string) (map[string][]int32, error) {
	return c.metadata.getPartitionsForTopics(ctx, topics)
}

// GetRawMetadataForTopics returns metadata of given topics, including error
// entries for topics that could not be resolved.
func (c *Client) GetRawMetadataForTopics(ctx context.Context, topics []string, useCached bool) ([]*proto.TopicMetadata, error) {
	return c.metadata.getRawMetadataForTopics(ctx, topics, useCached)
}

// GetRawMetadataForAllTopics requests metadata of all topics from the
// cluster.
func (c *Client) GetRawMetadataForAllTopics(ctx context.Context) ([]*proto.TopicMetadata, error) {
	return c.metadata.getRawMetadataForAllTopics(ctx)
}

func (c *Client) ResetAllMetadata() {
	c.metadata.resetAll()
}

func (c *Client) ResetMetadataForTopic(topic string) {
	c.metadata.resetTopic(topic)
}

// Routable is implemented by per partition payloads that can be sent to the
// partition leader.
type Routable interface {
	Destination() TopicAndPartition
}

// DispatchResult is the outcome of sending payloads to partition leaders.
// Responses holds one response per broker that answered. Failed holds
// payloads that could not be delivered, either because their broker failed or
// because their partition had no leader; Err describes why.
type DispatchResult[P Routable, R any] struct {
	Responses []R
	Failed    []P
	Err       *multierror.Error
}

type brokerGroup[P Routable] struct {
	broker   *Broker
	payloads []P
}

// sendToLeader groups payloads by partition leader and sends every group to
// its broker, all groups concurrently. A failing broker does not affect the
// others: its payloads are returned as failed and its connection is dropped.
// Unknown topic or partition and topics without elected leaders abort the
// whole call before anything is sent. When the context is done before every
// broker answered, the result of brokers that did answer is returned together
// with the context error.
func sendToLeader[P Routable, R any](
	ctx context.Context,
	c *Client,
	payloads []P,
	allowTopicCreation bool,
	send func(context.Context, *connection, []P) (R, error),
) (*DispatchResult[P, R], error) {
	requestID := c.nextRequestID()
	result := &DispatchResult[P, R]{}

	var groups []*brokerGroup[P]
	byAddr := make(map[HostPort]*brokerGroup[P])
	for _, p := range payloads {
		tp := p.Destination()
		leader, err := c.metadata.getLeader(ctx, tp, allowTopicCreation)
		if err != nil {
			return nil, err
		}
		if leader == nil {
			result.Failed = append(result.Failed, p)
			result.Err = multierror.Append(result.Err, &PartitionUnavailableError{TopicAndPartition: tp})
			continue
		}
		key := leader.HostPort().Key()
		g, ok := byAddr[key]
		if !ok {
			g = &brokerGroup[P]{broker: leader}
			byAddr[key] = g
			groups = append(groups, g)
		}
		g.payloads = append(g.payloads, p)
	}

	type groupResult struct {
		resp R
		err  error
	}
	results := make([]groupResult, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *brokerGroup[P]) {
			defer wg.Done()
			conn, err := c.conn(g.broker.HostPort())
			if err != nil {
				results[i].err = err
				return
			}
			results[i].resp, results[i].err = send(ctx, conn, g.payloads)
			if results[i].err != nil && ctx.Err() == nil {
				c.dropConn(conn)
			}
		}(i, g)
	}
	wg.Wait()

	for i, g := range groups {
		if err := results[i].err; err != nil {
			c.logger.Warn("request to partition leader failed",
				"requestID", requestID,
				"broker", g.broker.String(),
				"partitions", len(g.payloads),
				"error", err)
			result.Failed = append(result.Failed, g.payloads...)
			result.Err = multierror.Append(result.Err, errors.Wrapf(err, "broker %s", g.broker))
			continue
		}
		result.Responses = append(result.Responses, results[i].resp)
	}
	if err := ctx.Err(); err != nil && len(result.Failed) > 0 {
		return result, err
	}
	return result, nil
}
