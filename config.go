package kafka

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/optiopay/kafka-client/proto"
)

const (
	// RequiredAcksNone makes the broker send no response at all.
	RequiredAcksNone = proto.RequiredAcksNone

	// RequiredAcksLocal makes the broker respond once the leader wrote
	// messages to its local log.
	RequiredAcksLocal = proto.RequiredAcksLocal

	// RequiredAcksAll makes the broker respond once all in sync replicas
	// committed messages.
	RequiredAcksAll = proto.RequiredAcksAll
)

// ClientConf configures connections and metadata handling of a Client.
type ClientConf struct {
	// ClientID is sent with every request. By default kafka-client-<uuid>.
	ClientID string `yaml:"client_id"`

	// Bootstrap is the list of "host:port" addresses used to discover the
	// cluster. They remain candidates for metadata requests for the whole
	// client lifetime.
	Bootstrap []string `yaml:"bootstrap"`

	// DialTimeout limits establishing of a single connection. By default 10
	// seconds.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout limits waiting for data on a connection that has requests
	// in flight. By default 120 seconds.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// RequestTimeout limits single request, from writing it until its
	// response is read. By default 30 seconds.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// ProxyURL, when set, makes all connections go through given proxy, for
	// example socks5://localhost:1080.
	ProxyURL string `yaml:"proxy_url"`

	// MetadataRetries is how many times missing or failed topic metadata is
	// requested again before giving up. By default 1.
	MetadataRetries int `yaml:"metadata_retries"`

	// Logger used by the client. By default all messages are dropped.
	Logger Logger `yaml:"-"`

	// Registerer, if set, gets the client metrics registered.
	Registerer prometheus.Registerer `yaml:"-"`
}

// NewClientConf returns default client configuration.
func NewClientConf(bootstrap ...string) ClientConf {
	return ClientConf{
		ClientID:        "kafka-client-" + uuid.New().String(),
		Bootstrap:       bootstrap,
		DialTimeout:     10 * time.Second,
		ReadTimeout:     120 * time.Second,
		RequestTimeout:  30 * time.Second,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		MetadataRetries: 1,
	}
}

func (c ClientConf) Validate() error {
	if len(c.Bootstrap) == 0 {
		return errors.New("no bootstrap address")
	}
	for _, addr := range c.Bootstrap {
		if _, err := proto.ParseHostPort(addr); err != nil {
			return err
		}
	}
	if c.DialTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("dial and request timeouts must be positive")
	}
	if c.MetadataRetries < 0 {
		return errors.Errorf("invalid metadata retries: %d", c.MetadataRetries)
	}
	return nil
}

type ProducerConf struct {
	// RequiredAcks controls when the broker answers. Use RequiredAcksAll to
	// wait for all in sync replicas, RequiredAcksLocal to wait only for the
	// leader or RequiredAcksNone to not wait for any response. By default
	// RequiredAcksLocal.
	RequiredAcks int16 `yaml:"required_acks"`

	// AckTimeout is the time the broker may wait for replicas. By default
	// 1 second.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// Attempts limits how many times a batch is sent before giving up. By
	// default 3.
	Attempts int `yaml:"attempts"`

	// RetryBackoff is multiplied by the attempt number to get the wait before
	// retrying after a retryable error. By default 200ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// AllowTopicCreation lets metadata requests name produced topics, which
	// makes brokers with automatic topic creation create them.
	AllowTopicCreation bool `yaml:"allow_topic_creation"`
}

// NewProducerConf returns default producer configuration.
func NewProducerConf() ProducerConf {
	return ProducerConf{
		RequiredAcks: RequiredAcksLocal,
		AckTimeout:   time.Second,
		Attempts:     3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

func (c ProducerConf) Validate() error {
	if c.Attempts < 1 {
		return errors.Errorf("invalid number of attempts: %d", c.Attempts)
	}
	if c.RequiredAcks < -1 {
		return errors.Errorf("invalid required acks: %d", c.RequiredAcks)
	}
	if c.AckTimeout < 0 || c.RetryBackoff < 0 {
		return errors.New("negative producer timeout")
	}
	return nil
}

type ConsumerConf struct {
	// Topic name that should be consumed.
	Topic string `yaml:"topic"`

	// Partitions restricts consumption to given partitions. By default all
	// partitions of the topic are consumed.
	Partitions []int32 `yaml:"partitions"`

	// StartOffsets sets the first offset consumed from a partition. Missing
	// partitions start at 0.
	StartOffsets map[int32]int64 `yaml:"start_offsets"`

	// FetchSize is the initial per partition fetch size in bytes. It is
	// doubled, up to MaxFetchSize, whenever a message does not fit. By
	// default 4096.
	FetchSize int32 `yaml:"fetch_size"`

	// MaxFetchSize by default is 32768.
	MaxFetchSize int32 `yaml:"max_fetch_size"`

	// MaxWait is how long the broker may block waiting for MinBytes of data.
	// By default 1 second.
	MaxWait time.Duration `yaml:"max_wait"`

	MinBytes int32 `yaml:"min_bytes"`

	// RetryLimit limits number of consecutive empty fetches Consume makes
	// before returning ErrNoData. By default -1, which turns the limit off.
	RetryLimit int `yaml:"retry_limit"`

	// RetryWait is the wait between fetches that returned no messages. By
	// default 50ms.
	RetryWait time.Duration `yaml:"retry_wait"`
}

// NewConsumerConf returns default consumer configuration.
func NewConsumerConf(topic string, partitions ...int32) ConsumerConf {
	return ConsumerConf{
		Topic:        topic,
		Partitions:   partitions,
		FetchSize:    4096,
		MaxFetchSize: 8 * 4096,
		MaxWait:      time.Second,
		MinBytes:     0,
		RetryLimit:   -1,
		RetryWait:    50 * time.Millisecond,
	}
}

func (c ConsumerConf) Validate() error {
	if c.Topic == "" {
		return errors.New("no topic")
	}
	if c.FetchSize < proto.SmallestMessageSetItem {
		return errors.Errorf("fetch size %d is smaller than the smallest message (%d bytes)",
			c.FetchSize, proto.SmallestMessageSetItem)
	}
	if c.MaxFetchSize < c.FetchSize {
		return errors.Errorf("max fetch size %d is smaller than fetch size %d", c.MaxFetchSize, c.FetchSize)
	}
	if c.MaxWait < 0 || c.MinBytes < 0 || c.RetryWait < 0 {
		return errors.New("negative fetch wait or size")
	}
	return nil
}

// Config groups configuration of all components, as read from a file.
type Config struct {
	Client   ClientConf   `yaml:"client"`
	Producer ProducerConf `yaml:"producer"`
	Consumer ConsumerConf `yaml:"consumer"`
}

// NewConfig returns configuration with every section set to its defaults.
func NewConfig() *Config {
	return &Config{
		Client:   NewClientConf(),
		Producer: NewProducerConf(),
		Consumer: NewConsumerConf(""),
	}
}

// LoadConfig reads YAML configuration file. Values missing from the file keep
// their defaults. Durations are written as "500ms", "10s" and so on.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML configuration document.
func ParseConfig(b []byte) (*Config, error) {
	conf := NewConfig()
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return conf, nil
}
