package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiopay/kafka-client/kafkatest"
	"github.com/optiopay/kafka-client/proto"
)

func testProducerConf() ProducerConf {
	conf := NewProducerConf()
	conf.RetryBackoff = 10 * time.Millisecond
	return conf
}

func newTestProducer(t *testing.T, client *Client, conf ProducerConf) *SimpleProducer {
	t.Helper()
	producer, err := client.Producer(conf)
	require.NoError(t, err)
	return producer
}

func batch(topic string, partition int32, values ...string) PartitionMessages {
	pm := PartitionMessages{TopicAndPartition: TopicAndPartition{Topic: topic, Partition: partition}}
	for _, v := range values {
		pm.Messages = append(pm.Messages, proto.NewMessage(nil, []byte(v)))
	}
	return pm
}

func values(t *testing.T, cluster *kafkatest.Cluster, topic string, partition int32) []string {
	t.Helper()
	msgs, err := cluster.Messages(topic, partition)
	require.NoError(t, err)
	var vals []string
	for _, m := range msgs {
		vals = append(vals, string(m.Value()))
	}
	return vals
}

func TestProducerInvalidConf(t *testing.T) {
	client := newTestClient(t, "localhost:9092")
	conf := NewProducerConf()
	conf.Attempts = 0
	_, err := client.Producer(conf)
	assert.Error(t, err)
}

func TestProducerSend(t *testing.T) {
	cluster := testCluster(t, 2)
	cluster.CreateTopic("foo", 2)
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())
	ctx := context.Background()

	status, err := producer.Send(ctx, "foo", 1, []byte("key"), []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, TopicAndPartition{Topic: "foo", Partition: 1}, status.TopicAndPartition)
	assert.Equal(t, int64(0), status.Offset)

	status, err = producer.Send(ctx, "foo", 1, nil, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Offset)

	assert.Equal(t, []string{"first", "second"}, values(t, cluster, "foo", 1))
	assert.Equal(t, 0, cluster.Server(1).Processed(kafkatest.ProduceRequest))
	assert.Equal(t, 2, cluster.Server(2).Processed(kafkatest.ProduceRequest))
}

func TestProducerSendBatch(t *testing.T) {
	cluster := testCluster(t, 2)
	cluster.CreateTopic("foo", 4)
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())

	statuses, err := producer.SendBatch(context.Background(), []PartitionMessages{
		batch("foo", 0, "a", "b"),
		batch("foo", 1, "c"),
		batch("foo", 2, "d"),
		batch("foo", 0, "e"),
	})
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	for _, st := range statuses {
		assert.NoError(t, st.Err)
	}

	assert.Equal(t, []string{"a", "b", "e"}, values(t, cluster, "foo", 0))
	assert.Equal(t, []string{"c"}, values(t, cluster, "foo", 1))
	assert.Equal(t, []string{"d"}, values(t, cluster, "foo", 2))
	// one request per broker
	assert.Equal(t, 1, cluster.Server(1).Processed(kafkatest.ProduceRequest))
	assert.Equal(t, 1, cluster.Server(2).Processed(kafkatest.ProduceRequest))
}

func TestProducerLeaderMoved(t *testing.T) {
	cluster := testCluster(t, 2)
	cluster.CreateTopic("foo", 1)
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())
	ctx := context.Background()

	_, err := producer.Send(ctx, "foo", 0, nil, []byte("first"))
	require.NoError(t, err)

	require.NoError(t, cluster.SetLeader("foo", 0, 2))
	status, err := producer.Send(ctx, "foo", 0, nil, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Offset)

	assert.Equal(t, 2, cluster.Server(1).Processed(kafkatest.ProduceRequest))
	assert.Equal(t, 1, cluster.Server(2).Processed(kafkatest.ProduceRequest))
	assert.Equal(t, 1.0, testutil.ToFloat64(client.metrics.produceRetries))
}

func TestProducerAttemptsExhausted(t *testing.T) {
	cluster := testCluster(t, 1)
	cluster.CreateTopic("foo", 2)
	srv := cluster.Server(1)
	srv.Handle(kafkatest.ProduceRequest, func(request kafkatest.Serializable) kafkatest.Serializable {
		resp := srv.DefaultHandler()(request).(*proto.ProduceResp)
		for ti := range resp.Topics {
			for pi := range resp.Topics[ti].Partitions {
				if resp.Topics[ti].Partitions[pi].ID == 1 {
					resp.Topics[ti].Partitions[pi].Err = proto.ErrMessageSizeTooLarge
					resp.Topics[ti].Partitions[pi].Offset = -1
				}
			}
		}
		return resp
	})
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())

	statuses, err := producer.SendBatch(context.Background(), []PartitionMessages{
		batch("foo", 0, "ok"),
		batch("foo", 1, "too large"),
	})
	var failed *ProduceFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, proto.ErrMessageSizeTooLarge)

	require.Len(t, failed.Confirmed, 1)
	assert.Equal(t, int32(0), failed.Confirmed[0].Partition)
	assert.Equal(t, failed.Confirmed, statuses)
	assert.Empty(t, failed.TransportFailed)
	require.Len(t, failed.BrokerErrors, 1)
	assert.Equal(t, int32(1), failed.BrokerErrors[0].Partition)
	assert.ErrorIs(t, failed.BrokerErrors[0].Err, proto.ErrMessageSizeTooLarge)

	assert.Equal(t, 3, srv.Processed(kafkatest.ProduceRequest))
	assert.Equal(t, []string{"ok"}, values(t, cluster, "foo", 0))
}

func TestProducerBrokerDown(t *testing.T) {
	cluster := testCluster(t, 2)
	cluster.CreateTopic("foo", 2)
	client := newTestClient(t, cluster.Addrs()...)
	conf := testProducerConf()
	conf.Attempts = 2
	producer := newTestProducer(t, client, conf)

	cluster.Server(2).Close()
	_, err := producer.SendBatch(context.Background(), []PartitionMessages{
		batch("foo", 0, "ok"),
		batch("foo", 1, "lost"),
	})
	var failed *ProduceFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Confirmed, 1)
	assert.Equal(t, int32(0), failed.Confirmed[0].Partition)
	require.Len(t, failed.TransportFailed, 1)
	assert.Equal(t, int32(1), failed.TransportFailed[0].Partition)
	assert.Empty(t, failed.BrokerErrors)
}

func TestProducerBrokerDownLeaderMoved(t *testing.T) {
	cluster := testCluster(t, 2)
	cluster.CreateTopic("foo", 2)
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())
	ctx := context.Background()

	_, err := producer.Send(ctx, "foo", 1, nil, []byte("first"))
	require.NoError(t, err)

	cluster.Server(2).Close()
	require.NoError(t, cluster.SetLeader("foo", 1, 1))
	status, err := producer.Send(ctx, "foo", 1, nil, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Offset)
	assert.Equal(t, []string{"first", "second"}, values(t, cluster, "foo", 1))
}

func TestProducerPartitionWithoutLeader(t *testing.T) {
	cluster := testCluster(t, 1)
	cluster.CreateTopic("foo", 1)
	require.NoError(t, cluster.SetLeader("foo", 0, kafkatest.NoLeader))
	client := newTestClient(t, cluster.Addrs()...)
	conf := testProducerConf()
	conf.RetryBackoff = 50 * time.Millisecond
	producer := newTestProducer(t, client, conf)

	// leader gets elected while the producer waits
	time.AfterFunc(20*time.Millisecond, func() {
		_ = cluster.SetLeader("foo", 0, 1)
	})
	status, err := producer.Send(context.Background(), "foo", 0, nil, []byte("value"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Offset)
}

func TestProducerUnknownTopic(t *testing.T) {
	cluster := testCluster(t, 1)
	client := newTestClient(t, cluster.Addrs()...)
	producer := newTestProducer(t, client, testProducerConf())

	_, err := producer.Send(context.Background(), "foo", 0, nil, []byte("value"))
	var unknown *UnknownTopicError
	require.ErrorAs(t, err, &unknown)
	var failed *ProduceFailedError
	assert.False(t, errors.As(err, &failed), "unknown topic is not retried")
	assert.False(t, cluster.HasTopic("foo"))
}

func TestProducerTopicCreation(t *testing.T) {
	cluster := testCluster(t, 1)
	cluster.AutoCreateTopics = true
	client := newTestClient(t, cluster.Addrs()...)
	conf := testProducerConf()
	conf.AllowTopicCreation = true
	producer := newTestProducer(t, client, conf)

	status, err := producer.Send(context.Background(), "created", 0, nil, []byte("value"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Offset)
	assert.Equal(t, []string{"value"}, values(t, cluster, "created", 0))
}

func TestProducerWithoutAck(t *testing.T) {
	cluster := testCluster(t, 1)
	cluster.CreateTopic("foo", 1)
	client := newTestClient(t, cluster.Addrs()...)
	conf := testProducerConf()
	conf.RequiredAcks = RequiredAcksNone
	producer := newTestProducer(t, client, conf)

	status, err := producer.Send(context.Background(), "foo", 0, nil, []byte("value"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), status.Offset)
	waitFor(t, "message to be written", func() bool {
		return len(values(t, cluster, "foo", 0)) == 1
	})
}

func TestProducerCanceledWhileWaiting(t *testing.T) {
	cluster := testCluster(t, 1)
	cluster.CreateTopic("foo", 1)
	require.NoError(t, cluster.SetLeader("foo", 0, kafkatest.NoLeader))
	client := newTestClient(t, cluster.Addrs()...)
	conf := testProducerConf()
	conf.RetryBackoff = time.Hour
	producer := newTestProducer(t, client, conf)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := producer.Send(ctx, "foo", 0, nil, []byte("value"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
