package proto

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TopicAndPartition identifies single partition of a topic. Topic names are
// compared case insensitively.
type TopicAndPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicAndPartition) String() string {
	return fmt.Sprintf("%s:%d", tp.Topic, tp.Partition)
}

func (tp TopicAndPartition) Equal(other TopicAndPartition) bool {
	return tp.Partition == other.Partition && strings.EqualFold(tp.Topic, other.Topic)
}

// Less orders by topic first and partition second.
func (tp TopicAndPartition) Less(other TopicAndPartition) bool {
	a, b := strings.ToLower(tp.Topic), strings.ToLower(other.Topic)
	if a != b {
		return a < b
	}
	return tp.Partition < other.Partition
}

// Key returns normalized value that can be used as map key.
func (tp TopicAndPartition) Key() TopicAndPartition {
	return TopicAndPartition{Topic: strings.ToLower(tp.Topic), Partition: tp.Partition}
}

// HostPort is the network address of a broker. Host names are compared case
// insensitively.
type HostPort struct {
	Host string
	Port uint16
}

// ParseHostPort parses "host:port" address.
func ParseHostPort(addr string) (HostPort, error) {
	host, sport, err := net.SplitHostPort(addr)
	if err != nil {
		return HostPort{}, errors.Wrapf(err, "invalid address %q", addr)
	}
	if host == "" {
		return HostPort{}, errors.Errorf("invalid address %q: empty host", addr)
	}
	port, err := strconv.ParseUint(sport, 10, 16)
	if err != nil {
		return HostPort{}, errors.Wrapf(err, "invalid port in %q", addr)
	}
	return HostPort{Host: host, Port: uint16(port)}, nil
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

func (hp HostPort) Equal(other HostPort) bool {
	return hp.Port == other.Port && strings.EqualFold(hp.Host, other.Host)
}

func (hp HostPort) Less(other HostPort) bool {
	a, b := strings.ToLower(hp.Host), strings.ToLower(other.Host)
	if a != b {
		return a < b
	}
	return hp.Port < other.Port
}

// Key returns normalized value that can be used as map key.
func (hp HostPort) Key() HostPort {
	return HostPort{Host: strings.ToLower(hp.Host), Port: hp.Port}
}

// Broker is a single Kafka node as described by metadata response.
type Broker struct {
	NodeID int32
	Host   string
	Port   uint16
}

func (b *Broker) HostPort() HostPort {
	return HostPort{Host: b.Host, Port: b.Port}
}

func (b *Broker) String() string {
	return fmt.Sprintf("%d@%s", b.NodeID, b.HostPort())
}

// Equal returns true if both brokers have the same node ID and address.
func (b *Broker) Equal(other *Broker) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.NodeID == other.NodeID && b.HostPort().Equal(other.HostPort())
}
