package proto

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknown                 = &KafkaError{-1, "unknown error"}
	ErrOffsetOutOfRange        = &KafkaError{1, "offset out of range"}
	ErrInvalidMessage          = &KafkaError{2, "invalid message"}
	ErrUnknownTopicOrPartition = &KafkaError{3, "unknown topic or partition"}
	ErrInvalidFetchSize        = &KafkaError{4, "invalid fetch size"}
	ErrLeaderNotAvailable      = &KafkaError{5, "leader not available"}
	ErrNotLeaderForPartition   = &KafkaError{6, "not leader for partition"}
	ErrRequestTimeout          = &KafkaError{7, "request timed out"}
	ErrBrokerNotAvailable      = &KafkaError{8, "broker not available"}
	ErrReplicaNotAvailable     = &KafkaError{9, "replica not available"}
	ErrMessageSizeTooLarge     = &KafkaError{10, "message size too large"}
	ErrStaleControllerEpoch    = &KafkaError{11, "stale controller epoch"}
	ErrOffsetMetadataTooLarge  = &KafkaError{12, "offset metadata too large"}
	ErrStaleLeaderEpoch        = &KafkaError{13, "stale leader epoch"}

	errnoToErr = map[int16]*KafkaError{
		-1: ErrUnknown,
		1:  ErrOffsetOutOfRange,
		2:  ErrInvalidMessage,
		3:  ErrUnknownTopicOrPartition,
		4:  ErrInvalidFetchSize,
		5:  ErrLeaderNotAvailable,
		6:  ErrNotLeaderForPartition,
		7:  ErrRequestTimeout,
		8:  ErrBrokerNotAvailable,
		9:  ErrReplicaNotAvailable,
		10: ErrMessageSizeTooLarge,
		11: ErrStaleControllerEpoch,
		12: ErrOffsetMetadataTooLarge,
		13: ErrStaleLeaderEpoch,
	}
)

// KafkaError is an error code reported by the broker.
type KafkaError struct {
	errno   int16
	message string
}

func (err *KafkaError) Error() string {
	return fmt.Sprintf("%s (%d)", err.message, err.errno)
}

func (err *KafkaError) Errno() int {
	return int(err.errno)
}

// ErrorForCode returns error represented by broker error code. NoError is
// returned as nil and every code without a known meaning as ErrUnknown.
func ErrorForCode(errno int16) error {
	if errno == 0 {
		return nil
	}
	err, ok := errnoToErr[errno]
	if !ok {
		return ErrUnknown
	}
	return err
}

// CodeForError returns broker error code for given error. Errors that do not
// come from the broker are encoded as unknown error.
func CodeForError(err error) int16 {
	if err == nil {
		return 0
	}
	var kerr *KafkaError
	if errors.As(err, &kerr) {
		return kerr.errno
	}
	return -1
}

// Retryable returns true for errors caused by leadership changes or broker
// restarts, that usually go away after refreshing metadata.
func (err *KafkaError) Retryable() bool {
	switch err.errno {
	case 5, 6, 7, 8, 9:
		return true
	}
	return false
}
