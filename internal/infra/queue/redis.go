package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

const redisStorePrefix = "feedback_requests:"

// RedisRequestBus публикует запросы через Redis Pub/Sub и хранит их в sorted set
// для выборки за окно хранения.
type RedisRequestBus struct {
	client    *redis.Client
	retention time.Duration
}

var _ domain.RequestBus = (*RedisRequestBus)(nil)
var _ domain.RequestStore = (*RedisRequestBus)(nil)

// NewRedisRequestBus создаёт шину поверх клиента Redis.
func NewRedisRequestBus(client *redis.Client, retention time.Duration) *RedisRequestBus {
	if retention <= 0 {
		retention = domain.RequestRetention
	}
	return &RedisRequestBus{client: client, retention: retention}
}

func storeKey(topic string) string {
	return redisStorePrefix + topic
}

// Publish сохраняет сообщение в окне хранения и рассылает подписчикам одной транзакцией.
func (b *RedisRequestBus) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	key := storeKey(topic)
	cutoff := strconv.FormatInt(start.Add(-b.retention).UnixMilli(), 10)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(start.UnixMilli()), Member: payload})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, b.retention)
		pipe.Publish(ctx, topic, payload)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "publish_request", "requests", start, err)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Query возвращает сообщения топика, сохранённые в интервале [since, until].
func (b *RedisRequestBus) Query(ctx context.Context, topic string, since, until time.Time) ([][]byte, error) {
	start := time.Now()
	res, err := b.client.ZRangeByScore(ctx, storeKey(topic), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	metrics.ObserveNetworkRequest("redis", "query_requests", "requests", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis query: %w", err)
	}
	out := make([][]byte, 0, len(res))
	for _, member := range res {
		out = append(out, []byte(member))
	}
	return out, nil
}

// Subscribe подписывается на канал топика и дожидается подтверждения подписки.
func (b *RedisRequestBus) Subscribe(ctx context.Context, topic string) (domain.RequestSubscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, defaultSubscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) forward() {
	defer close(s.ch)
	src := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.pubsub.Close()
	})
	return s.err
}
