package kafka

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/optiopay/kafka-client/proto"
)

// PartitionMessages is a batch of messages produced to a single partition.
type PartitionMessages struct {
	TopicAndPartition
	Messages []*proto.Message
}

func (pm PartitionMessages) Destination() TopicAndPartition {
	return pm.TopicAndPartition
}

// SimpleProducer writes messages to partition leaders, retrying failed
// partitions up to configured number of attempts.
type SimpleProducer struct {
	client *Client
	conf   ProducerConf
	logger Logger
}

// Producer returns new producer bound to the client.
func (c *Client) Producer(conf ProducerConf) (*SimpleProducer, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid producer configuration")
	}
	return &SimpleProducer{
		client: c,
		conf:   conf,
		logger: c.logger,
	}, nil
}

// produceState is carried from one attempt to the next.
type produceState struct {
	pending   []PartitionMessages
	confirmed []proto.ProduceStatus
	attempt   int
}

// Send writes single message to given partition and returns its status.
func (p *SimpleProducer) Send(ctx context.Context, topic string, partition int32, key, value []byte) (proto.ProduceStatus, error) {
	statuses, err := p.SendBatch(ctx, []PartitionMessages{{
		TopicAndPartition: TopicAndPartition{Topic: topic, Partition: partition},
		Messages:          []*proto.Message{proto.NewMessage(key, value)},
	}})
	if err != nil {
		return proto.ProduceStatus{}, err
	}
	return statuses[0], nil
}

// SendBatch writes all batches and returns status of every written
// partition. Batches whose broker failed or answered with an error are sent
// again, up to configured number of attempts; metadata of topics whose
// leader moved is refreshed before that. Retryable errors make the producer
// wait attempt times the retry backoff before the next attempt.
//
// If some batches could not be written, *ProduceFailedError is returned. It
// holds statuses of batches that were written.
func (p *SimpleProducer) SendBatch(ctx context.Context, batches []PartitionMessages) ([]proto.ProduceStatus, error) {
	st := &produceState{pending: batches}
	for {
		st.attempt++
		result, err := sendToLeader(ctx, p.client, st.pending, p.conf.AllowTopicCreation, p.send)
		if err != nil && result != nil {
			// canceled, but some brokers may have written messages
			p.classify(st, result)
			return st.confirmed, err
		}
		if err != nil {
			if !IsRetryable(err) {
				return st.confirmed, err
			}
			if st.attempt >= p.conf.Attempts {
				return st.confirmed, &ProduceFailedError{
					TransportFailed: st.pending,
					Confirmed:       st.confirmed,
					Errors:          multierror.Append(nil, err),
				}
			}
			if err := p.retry(ctx, st, err); err != nil {
				return st.confirmed, err
			}
			continue
		}

		brokerErrs, resetTopics := p.classify(st, result)
		if len(result.Failed) == 0 && len(brokerErrs) == 0 {
			return st.confirmed, nil
		}

		errs := result.Err
		for _, f := range brokerErrs {
			errs = multierror.Append(errs, errors.Wrapf(f.Err, "partition %s", f.TopicAndPartition))
		}
		if st.attempt >= p.conf.Attempts {
			return st.confirmed, &ProduceFailedError{
				TransportFailed: result.Failed,
				BrokerErrors:    brokerErrs,
				Confirmed:       st.confirmed,
				Errors:          errs,
			}
		}

		// leader of a failed broker or leaderless partition most likely
		// moved as well
		for _, pm := range result.Failed {
			resetTopics[pm.Topic] = true
		}
		for topic := range resetTopics {
			p.client.ResetMetadataForTopic(topic)
		}
		st.pending = append([]PartitionMessages(nil), result.Failed...)
		for _, f := range brokerErrs {
			st.pending = append(st.pending, f.PartitionMessages)
		}
		if anyRetryable(errs) {
			if err := p.retry(ctx, st, errs); err != nil {
				return st.confirmed, err
			}
			continue
		}
		p.client.metrics.produceRetries.Inc()
		p.logger.Info("retrying produce", "attempt", st.attempt, "partitions", len(st.pending), "error", errs)
	}
}

// classify records confirmed partitions and returns batches the broker
// refused together with topics whose metadata is stale.
func (p *SimpleProducer) classify(st *produceState, result *DispatchResult[PartitionMessages, *proto.ProduceResp]) ([]ProduceFailure, map[string]bool) {
	// the same partition may be sent more than once in a batch, statuses
	// are matched in order
	sent := make(map[TopicAndPartition][]PartitionMessages, len(st.pending))
	for _, pm := range st.pending {
		sent[pm.Key()] = append(sent[pm.Key()], pm)
	}
	for _, pm := range result.Failed {
		if q := sent[pm.Key()]; len(q) > 0 {
			sent[pm.Key()] = q[1:]
		}
	}

	var failures []ProduceFailure
	resetTopics := make(map[string]bool)
	for _, resp := range result.Responses {
		for _, status := range resp.Statuses() {
			q := sent[status.Key()]
			if len(q) == 0 {
				p.logger.Warn("unexpected partition in produce response", "partition", status.TopicAndPartition.String())
				continue
			}
			pm := q[0]
			sent[status.Key()] = q[1:]
			if status.Err == nil {
				st.confirmed = append(st.confirmed, status)
				continue
			}
			failures = append(failures, ProduceFailure{PartitionMessages: pm, Err: status.Err})
			if errors.Is(status.Err, proto.ErrNotLeaderForPartition) {
				resetTopics[status.Topic] = true
			}
		}
	}
	// partitions the broker did not mention
	for _, pm := range st.pending {
		if q := sent[pm.Key()]; len(q) > 0 {
			failures = append(failures, ProduceFailure{PartitionMessages: q[0], Err: errIncompleteResponse})
			sent[pm.Key()] = q[1:]
		}
	}
	return failures, resetTopics
}

func (p *SimpleProducer) retry(ctx context.Context, st *produceState, cause error) error {
	wait := time.Duration(st.attempt) * p.conf.RetryBackoff
	p.client.metrics.produceRetries.Inc()
	p.logger.Info("retrying produce", "attempt", st.attempt, "wait", wait, "error", cause)
	return sleepCtx(ctx, wait)
}

func (p *SimpleProducer) send(ctx context.Context, conn *connection, batch []PartitionMessages) (*proto.ProduceResp, error) {
	req := &proto.ProduceReq{
		ClientID:     p.client.conf.ClientID,
		RequiredAcks: p.conf.RequiredAcks,
		Timeout:      p.conf.AckTimeout,
	}
	for _, pm := range batch {
		req.AddMessages(pm.Topic, pm.Partition, pm.Messages...)
	}
	resp, err := conn.Produce(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return acceptedWithoutAck(req), nil
	}
	return resp, nil
}

// acceptedWithoutAck returns response a broker would send for a request that
// needs no acknowledgement. Offsets are unknown.
func acceptedWithoutAck(req *proto.ProduceReq) *proto.ProduceResp {
	resp := &proto.ProduceResp{CorrelationID: req.CorrelationID}
	for _, t := range req.Topics {
		rt := proto.ProduceRespTopic{Name: t.Name}
		for _, part := range t.Partitions {
			rt.Partitions = append(rt.Partitions, proto.ProduceRespPartition{ID: part.ID, Offset: -1})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}
