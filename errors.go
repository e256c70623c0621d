package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/optiopay/kafka-client/proto"
)

var (
	// ErrClosed is returned as result of any request made using closed
	// connection or client.
	ErrClosed = errors.New("closed")

	// ErrKafkaUnavailable is matched by the error returned when none of the
	// known brokers could serve a request.
	ErrKafkaUnavailable = errors.New("kafka unavailable")

	// ErrNoData is returned by consumers on Consume call when the retry limit
	// of empty fetches was reached.
	ErrNoData = errors.New("no data")

	// ErrMxClosed is returned as a result of closed multiplexer consumption.
	ErrMxClosed = errors.New("multiplexer closed")

	errIncompleteResponse = errors.New("incomplete response")
)

// IsRetryable returns true if err, or any error it wraps, is marked as
// likely to resolve itself after a short wait.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// anyRetryable checks every error aggregated by a multierror, not only the
// first one that carries the marker.
func anyRetryable(err error) bool {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if IsRetryable(e) {
				return true
			}
		}
		return false
	}
	return IsRetryable(err)
}

// isCanceled returns true when the given error is a context canceled or
// context deadline exceeded error.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// UnknownTopicError is returned when the cluster does not know the topic.
type UnknownTopicError struct {
	Topic string
}

func (e *UnknownTopicError) Error() string {
	return fmt.Sprintf("unknown topic %q", e.Topic)
}

func (e *UnknownTopicError) Is(target error) bool {
	return target == proto.ErrUnknownTopicOrPartition
}

// UnknownPartitionError is returned when the topic exists but has no
// partition with requested id.
type UnknownPartitionError struct {
	TopicAndPartition
}

func (e *UnknownPartitionError) Error() string {
	return fmt.Sprintf("unknown partition %s", e.TopicAndPartition)
}

func (e *UnknownPartitionError) Is(target error) bool {
	return target == proto.ErrUnknownTopicOrPartition
}

// TopicCreatedNoLeaderYetError is returned for a topic that was just created
// by the broker and has no partition leader elected yet.
type TopicCreatedNoLeaderYetError struct {
	Topic string
}

func (e *TopicCreatedNoLeaderYetError) Error() string {
	return fmt.Sprintf("topic %q created, no leader elected yet", e.Topic)
}

func (e *TopicCreatedNoLeaderYetError) Retryable() bool { return true }

// PartitionUnavailableError is recorded for a partition that currently has no
// leader.
type PartitionUnavailableError struct {
	TopicAndPartition
}

func (e *PartitionUnavailableError) Error() string {
	return fmt.Sprintf("partition %s has no leader", e.TopicAndPartition)
}

func (e *PartitionUnavailableError) Retryable() bool { return true }

// KafkaUnavailableError aggregates failures of every broker tried. It matches
// ErrKafkaUnavailable with errors.Is.
type KafkaUnavailableError struct {
	Errors *multierror.Error
}

func (e *KafkaUnavailableError) Error() string {
	if e.Errors == nil || len(e.Errors.Errors) == 0 {
		return ErrKafkaUnavailable.Error() + ": no brokers to try"
	}
	msgs := make([]string, len(e.Errors.Errors))
	for i, err := range e.Errors.Errors {
		msgs[i] = err.Error()
	}
	return ErrKafkaUnavailable.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *KafkaUnavailableError) Is(target error) bool {
	return target == ErrKafkaUnavailable
}

func (e *KafkaUnavailableError) Unwrap() error {
	if e.Errors == nil {
		return nil
	}
	return e.Errors.ErrorOrNil()
}

// ProduceFailure is a batch of messages the broker refused, together with the
// reported error.
type ProduceFailure struct {
	PartitionMessages
	Err error
}

// ProduceFailedError is returned when messages could not be produced within
// configured number of attempts. Confirmed holds statuses of partitions that
// were written, so partial success can be recovered.
type ProduceFailedError struct {
	// TransportFailed are batches whose broker could not be reached.
	TransportFailed []PartitionMessages
	// BrokerErrors are batches the broker answered with an error code.
	BrokerErrors []ProduceFailure
	Confirmed    []proto.ProduceStatus
	Errors       *multierror.Error
}

func (e *ProduceFailedError) Error() string {
	return fmt.Sprintf("produce failed: %d partitions not reachable, %d rejected, %d confirmed: %s",
		len(e.TransportFailed), len(e.BrokerErrors), len(e.Confirmed), e.Errors.ErrorOrNil())
}

func (e *ProduceFailedError) Unwrap() error {
	return e.Errors.ErrorOrNil()
}

// FetchFailedError is returned when one or more partitions could not be
// fetched.
type FetchFailedError struct {
	Partitions []TopicAndPartition
	Errors     *multierror.Error
}

func (e *FetchFailedError) Error() string {
	parts := make([]string, len(e.Partitions))
	for i, tp := range e.Partitions {
		parts[i] = tp.String()
	}
	return fmt.Sprintf("fetch failed for %s: %s", strings.Join(parts, ", "), e.Errors.ErrorOrNil())
}

func (e *FetchFailedError) Unwrap() error {
	return e.Errors.ErrorOrNil()
}

// CrcInvalidError is returned when a fetched message checksum does not match
// its content.
type CrcInvalidError struct {
	TopicAndPartition
	Offset   int64
	Checksum uint32
	Computed uint32
}

func (e *CrcInvalidError) Error() string {
	return fmt.Sprintf("invalid crc of message %d in %s: stored %08x, computed %08x",
		e.Offset, e.TopicAndPartition, e.Checksum, e.Computed)
}

// ConsumerFetchSizeTooSmallError is returned when a message does not fit in
// the maximal fetch size.
type ConsumerFetchSizeTooSmallError struct {
	TopicAndPartition
	Offset    int64
	FetchSize int32
}

func (e *ConsumerFetchSizeTooSmallError) Error() string {
	return fmt.Sprintf("message at offset %d of %s does not fit in %d bytes",
		e.Offset, e.TopicAndPartition, e.FetchSize)
}
