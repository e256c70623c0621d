package kafka

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/optiopay/kafka-client/proto"
)

// fetchFlags control how the metadata holder may refresh its cache.
type fetchFlags uint8

const (
	// allowFetchFromServer lets the holder request missing or failed topics.
	allowFetchFromServer fetchFlags = 1

	// forceFetch refreshes requested topics before looking at the cache.
	forceFetch fetchFlags = 2 | allowFetchFromServer

	// onlyExistingTopics never names topics in a metadata request. Kafka
	// creates topics named in a metadata request when automatic topic
	// creation is enabled, so to only look at existing topics, metadata of
	// all topics is requested instead.
	onlyExistingTopics fetchFlags = 4

	onlyExistingTopicsAllowServer = onlyExistingTopics | allowFetchFromServer
)

func (f fetchFlags) has(flag fetchFlags) bool {
	return f&flag == flag
}

type metadataFetcher func(ctx context.Context, topics []string) (*proto.MetadataResp, error)

// metadataHolder caches topic metadata. Cached entries are replaced
// wholesale and never modified in place, so readers always see consistent
// metadata of a topic.
type metadataHolder struct {
	fetch   metadataFetcher
	retries int
	logger  Logger
	metrics *metrics

	mu     sync.RWMutex
	topics map[string]*proto.TopicMetadata
}

func newMetadataHolder(fetch metadataFetcher, retries int, logger Logger, m *metrics) *metadataHolder {
	return &metadataHolder{
		fetch:   fetch,
		retries: retries,
		logger:  logger,
		metrics: m,
		topics:  make(map[string]*proto.TopicMetadata),
	}
}

func (h *metadataHolder) cached(topic string) (*proto.TopicMetadata, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[topic]
	return t, ok
}

func (h *metadataHolder) cachedAll() []*proto.TopicMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]*proto.TopicMetadata, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics
}

// refresh requests metadata of given topics, or all topics for nil, and
// stores it. Unknown topics are never cached.
func (h *metadataHolder) refresh(ctx context.Context, topics []string) ([]*proto.TopicMetadata, error) {
	h.metrics.metadataRefreshes.Inc()
	h.logger.Debug("refreshing metadata", "topics", topics)
	resp, err := h.fetch(ctx, topics)
	if err != nil {
		return nil, errors.Wrap(err, "fetch metadata")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range resp.Topics {
		if errors.Is(t.Err, proto.ErrUnknownTopicOrPartition) {
			delete(h.topics, t.Name)
			continue
		}
		h.topics[t.Name] = t
	}
	return resp.Topics, nil
}

// getMetaForTopics resolves metadata of requested topics, refreshing the
// cache according to flags. Topics that cannot be resolved are returned as
// entries carrying an error, the call fails only if the cluster cannot be
// asked. Nil topics means all topics.
func (h *metadataHolder) getMetaForTopics(ctx context.Context, topics []string, flags fetchFlags, retries int) ([]*proto.TopicMetadata, error) {
	allowFetch := flags.has(allowFetchFromServer)
	onlyExisting := flags.has(onlyExistingTopics)

	if topics == nil {
		if allowFetch {
			return h.refresh(ctx, nil)
		}
		return h.cachedAll(), nil
	}

	refreshNow := flags.has(forceFetch)
	if !refreshNow && onlyExisting {
		for _, name := range topics {
			if _, ok := h.cached(name); !ok {
				refreshNow = true
				break
			}
		}
	}
	if refreshNow && allowFetch {
		target := topics
		if onlyExisting {
			target = nil
		}
		if _, err := h.refresh(ctx, target); err != nil {
			return nil, err
		}
		retries = 0
	}

	for {
		var existing, failed []*proto.TopicMetadata
		var missing []string
		for _, name := range topics {
			t, ok := h.cached(name)
			switch {
			case !ok:
				missing = append(missing, name)
			case t.Err != nil && retries > 0:
				failed = append(failed, t)
			default:
				existing = append(existing, t)
			}
		}
		if len(failed) == 0 && len(missing) == 0 {
			return existing, nil
		}

		if allowFetch && retries > 0 {
			var target []string
			if !onlyExisting {
				target = append(target, missing...)
				for _, t := range failed {
					target = append(target, t.Name)
				}
			}
			if _, err := h.refresh(ctx, target); err != nil {
				return nil, err
			}
			retries--
			continue
		}

		result := append(existing, failed...)
		for _, name := range missing {
			result = append(result, &proto.TopicMetadata{
				Name: name,
				Err:  proto.ErrUnknownTopicOrPartition,
			})
		}
		return result, nil
	}
}

func checkTopicError(t *proto.TopicMetadata) error {
	switch {
	case errors.Is(t.Err, proto.ErrUnknownTopicOrPartition):
		return &UnknownTopicError{Topic: t.Name}
	case errors.Is(t.Err, proto.ErrLeaderNotAvailable):
		return &TopicCreatedNoLeaderYetError{Topic: t.Name}
	}
	return nil
}

func (h *metadataHolder) getMetadataForTopic(ctx context.Context, topic string, useCached bool) (*proto.TopicMetadata, error) {
	flags := onlyExistingTopicsAllowServer
	if !useCached {
		flags |= forceFetch
	}
	topics, err := h.getMetaForTopics(ctx, []string{topic}, flags, h.retries)
	if err != nil {
		return nil, err
	}
	t := topics[0]
	if err := checkTopicError(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (h *metadataHolder) getLeader(ctx context.Context, tp TopicAndPartition, allowTopicCreation bool) (*Broker, error) {
	flags := onlyExistingTopicsAllowServer
	if allowTopicCreation {
		flags = allowFetchFromServer
	}
	topics, err := h.getMetaForTopics(ctx, []string{tp.Topic}, flags, h.retries)
	if err != nil {
		return nil, err
	}
	t := topics[0]
	if err := checkTopicError(t); err != nil {
		return nil, err
	}
	p, ok := t.Partitions[tp.Partition]
	if !ok {
		return nil, &UnknownPartitionError{TopicAndPartition: tp}
	}
	if errors.Is(p.Err, proto.ErrLeaderNotAvailable) {
		return nil, nil
	}
	return p.Leader, nil
}

func (h *metadataHolder) getPartitionsForTopics(ctx context.Context, topics []string) (map[string][]int32, error) {
	metas, err := h.getMetaForTopics(ctx, topics, onlyExistingTopicsAllowServer, h.retries)
	if err != nil {
		return nil, err
	}
	parts := make(map[string][]int32, len(metas))
	for _, t := range metas {
		if errors.Is(t.Err, proto.ErrUnknownTopicOrPartition) {
			parts[t.Name] = nil
			continue
		}
		parts[t.Name] = t.PartitionIDs()
	}
	return parts, nil
}

func (h *metadataHolder) getRawMetadataForTopics(ctx context.Context, topics []string, useCached bool) ([]*proto.TopicMetadata, error) {
	flags := onlyExistingTopicsAllowServer
	if !useCached {
		flags |= forceFetch
	}
	return h.getMetaForTopics(ctx, topics, flags, h.retries)
}

func (h *metadataHolder) getRawMetadataForAllTopics(ctx context.Context) ([]*proto.TopicMetadata, error) {
	return h.getMetaForTopics(ctx, nil, allowFetchFromServer, h.retries)
}

func (h *metadataHolder) resetAll() {
	h.mu.Lock()
	h.topics = make(map[string]*proto.TopicMetadata)
	h.mu.Unlock()
}

func (h *metadataHolder) resetTopic(topic string) {
	h.mu.Lock()
	delete(h.topics, topic)
	h.mu.Unlock()
}
