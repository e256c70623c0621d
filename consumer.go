package kafka

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/optiopay/kafka-client/proto"
)

// Record is a message fetched from a partition, together with its offset.
type Record struct {
	TopicAndPartition
	Offset  int64
	Message *proto.Message
}

// Consumer is the interface that wraps the Consume method.
//
// Consume reads a record from a consumer, returning error if any problem is
// encountered.
type Consumer interface {
	Consume(ctx context.Context) (Record, error)
}

// partitionFetch is the fetch of a single partition within one pass.
type partitionFetch struct {
	TopicAndPartition
	Offset    int64
	FetchSize int32
}

func (f partitionFetch) Destination() TopicAndPartition {
	return f.TopicAndPartition
}

// SimpleConsumer reads messages from all, or selected, partitions of a topic.
// It tracks the next offset of every partition, so consecutive polls continue
// where the previous one ended.
type SimpleConsumer struct {
	client *Client
	conf   ConsumerConf
	logger Logger

	mu         sync.Mutex
	partitions []int32
	offsets    map[int32]int64
	fetchSizes map[int32]int32
	buf        []Record
}

var _ Consumer = (*SimpleConsumer)(nil)

// Consumer returns new consumer of configured topic. Partitions of the topic
// are looked up in the cluster metadata, so the topic must exist.
func (c *Client) Consumer(ctx context.Context, conf ConsumerConf) (*SimpleConsumer, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid consumer configuration")
	}
	parts, err := c.GetPartitionsForTopics(ctx, []string{conf.Topic})
	if err != nil {
		return nil, err
	}
	available := parts[conf.Topic]
	if available == nil {
		return nil, &UnknownTopicError{Topic: conf.Topic}
	}

	partitions := available
	if len(conf.Partitions) > 0 {
		only := make(map[int32]bool, len(conf.Partitions))
		for _, p := range conf.Partitions {
			only[p] = true
		}
		partitions = nil
		for _, p := range available {
			if only[p] {
				partitions = append(partitions, p)
			}
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	consumer := &SimpleConsumer{
		client:     c,
		conf:       conf,
		logger:     c.logger,
		partitions: partitions,
		offsets:    make(map[int32]int64, len(partitions)),
		fetchSizes: make(map[int32]int32, len(partitions)),
	}
	for _, p := range partitions {
		consumer.offsets[p] = 0
		consumer.fetchSizes[p] = conf.FetchSize
	}
	for p, offset := range conf.StartOffsets {
		if _, ok := consumer.offsets[p]; ok {
			consumer.offsets[p] = offset
		}
	}
	return consumer, nil
}

// Offsets returns the next offset to be read from every consumed partition.
func (c *SimpleConsumer) Offsets() map[int32]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	offsets := make(map[int32]int64, len(c.offsets))
	for p, o := range c.offsets {
		offsets[p] = o
	}
	return offsets
}

// Partitions returns ids of consumed partitions.
func (c *SimpleConsumer) Partitions() []int32 {
	return append([]int32(nil), c.partitions...)
}

// Metadata returns metadata of the consumed topic.
func (c *SimpleConsumer) Metadata(ctx context.Context) (*proto.TopicMetadata, error) {
	return c.client.GetMetadataForTopic(ctx, c.conf.Topic, true)
}

// Poll fetches every consumed partition once and returns records that were
// not returned before. Every partition returns at most fetch size bytes of
// records. A partition whose next message does not fit at all is fetched
// again within the same call with a doubled fetch size, up to the configured
// maximum.
//
// Records fetched by Consume but not yet returned by it are returned first,
// without fetching.
//
// Offsets advance only when the whole poll succeeds, so after an error the
// next poll reads the same records again.
func (c *SimpleConsumer) Poll(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) > 0 {
		records := c.buf
		c.buf = nil
		return records, nil
	}
	return c.poll(ctx)
}

func (c *SimpleConsumer) poll(ctx context.Context) ([]Record, error) {
	next := make(map[int32]int64, len(c.offsets))
	for p, o := range c.offsets {
		next[p] = o
	}
	sizes := make(map[int32]int32, len(c.fetchSizes))
	for p, s := range c.fetchSizes {
		sizes[p] = s
	}

	var records []Record
	pending := c.partitions
	for len(pending) > 0 {
		payloads := make([]partitionFetch, 0, len(pending))
		for _, p := range pending {
			payloads = append(payloads, partitionFetch{
				TopicAndPartition: TopicAndPartition{Topic: c.conf.Topic, Partition: p},
				Offset:            next[p],
				FetchSize:         sizes[p],
			})
		}
		pending = nil

		result, err := sendToLeader(ctx, c.client, payloads, false, c.send)
		if err != nil {
			return nil, err
		}
		if len(result.Failed) > 0 {
			failed := make([]TopicAndPartition, len(result.Failed))
			for i, f := range result.Failed {
				failed[i] = f.TopicAndPartition
			}
			return nil, &FetchFailedError{Partitions: failed, Errors: result.Err}
		}

		var partErrs *multierror.Error
		var partFailed []TopicAndPartition
		for _, resp := range result.Responses {
			for _, t := range resp.Topics {
				for _, part := range t.Partitions {
					if part.Err != nil {
						tp := TopicAndPartition{Topic: t.Name, Partition: part.ID}
						partFailed = append(partFailed, tp)
						partErrs = multierror.Append(partErrs, errors.Wrapf(part.Err, "partition %s", tp))
					}
				}
			}
		}
		if len(partFailed) > 0 {
			return nil, &FetchFailedError{Partitions: partFailed, Errors: partErrs}
		}

		for _, resp := range result.Responses {
			for _, t := range resp.Topics {
				for _, part := range t.Partitions {
					tp := TopicAndPartition{Topic: t.Name, Partition: part.ID}
					if _, ok := next[part.ID]; !ok {
						c.logger.Warn("unexpected partition in fetch response", "partition", tp.String())
						continue
					}
					got, err := c.collect(tp, part.Messages, next, sizes, &records)
					if err != nil {
						return nil, err
					}
					if got {
						pending = append(pending, part.ID)
					}
				}
			}
		}
		if len(pending) > 0 {
			c.logger.Debug("fetching partitions again", "topic", c.conf.Topic, "partitions", pending)
		}
	}

	c.offsets = next
	c.fetchSizes = sizes
	return records, nil
}

// collect appends new records of a partition and reports whether the
// partition must be fetched again with the grown fetch size.
func (c *SimpleConsumer) collect(tp TopicAndPartition, items []proto.MessageSetItem, next map[int32]int64, sizes map[int32]int32, records *[]Record) (bool, error) {
	complete := 0
	for _, it := range items {
		msg := it.Message
		if msg.IsTooSmall() {
			// Cut message after complete ones is read by the next poll.
			// Only when nothing fits, the fetch size must grow.
			if complete > 0 {
				return false, nil
			}
			size := sizes[tp.Partition]
			if size >= c.conf.MaxFetchSize {
				c.logger.Error("message does not fit in max fetch size",
					"partition", tp.String(),
					"offset", next[tp.Partition],
					"maxFetchSize", c.conf.MaxFetchSize)
				return false, &ConsumerFetchSizeTooSmallError{
					TopicAndPartition: tp,
					Offset:            next[tp.Partition],
					FetchSize:         size,
				}
			}
			grown := size * 2
			if grown > c.conf.MaxFetchSize || grown < size {
				grown = c.conf.MaxFetchSize
			}
			sizes[tp.Partition] = grown
			c.client.metrics.fetchSizeIncreases.Inc()
			c.logger.Info("fetch size too small, increased",
				"partition", tp.String(),
				"offset", next[tp.Partition],
				"fetchSize", grown)
			return true, nil
		}
		if !msg.IsValid() {
			return false, &CrcInvalidError{
				TopicAndPartition: tp,
				Offset:            it.Offset,
				Checksum:          msg.Checksum(),
				Computed:          msg.ComputeChecksum(),
			}
		}
		complete++
		if it.Offset < next[tp.Partition] {
			continue
		}
		next[tp.Partition] = it.Offset + 1
		*records = append(*records, Record{
			TopicAndPartition: tp,
			Offset:            it.Offset,
			Message:           msg,
		})
	}
	return false, nil
}

func (c *SimpleConsumer) send(ctx context.Context, conn *connection, batch []partitionFetch) (*proto.FetchResp, error) {
	req := proto.NewFetchReq(c.conf.MinBytes, c.conf.MaxWait)
	req.ClientID = c.client.conf.ClientID
	for _, f := range batch {
		req.AddPartition(f.Topic, f.Partition, f.Offset, f.FetchSize)
	}
	return conn.Fetch(ctx, req)
}

// Consume returns the next record, fetching more when all records of the last
// poll were consumed. It blocks until a record is available, the context is
// done or the configured number of empty fetches was made, in which case
// ErrNoData is returned.
func (c *SimpleConsumer) Consume(ctx context.Context) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for empty := 0; ; {
		if len(c.buf) > 0 {
			rec := c.buf[0]
			c.buf = c.buf[1:]
			return rec, nil
		}
		records, err := c.poll(ctx)
		if err != nil {
			return Record{}, err
		}
		if len(records) > 0 {
			c.buf = records
			continue
		}

		empty++
		if c.conf.RetryLimit >= 0 && empty > c.conf.RetryLimit {
			return Record{}, ErrNoData
		}
		if err := sleepCtx(ctx, c.conf.RetryWait); err != nil {
			return Record{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
