package queue

import (
	"context"
	"sync"

	"org-feedback/internal/domain"
)

const defaultSubscriptionBuffer = 64

// MemoryRequestBus — транспорт запросов внутри процесса. Переполненные подписчики
// пропускают сообщения, как и сетевой транспорт без гарантий доставки.
type MemoryRequestBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
}

var _ domain.RequestBus = (*MemoryRequestBus)(nil)

// NewMemoryRequestBus создаёт шину.
func NewMemoryRequestBus() *MemoryRequestBus {
	return &MemoryRequestBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: defaultSubscriptionBuffer,
	}
}

// Publish рассылает сообщение текущим подписчикам топика.
func (b *MemoryRequestBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe создаёт подписку на топик.
func (b *MemoryRequestBus) Subscribe(_ context.Context, topic string) (domain.RequestSubscription, error) {
	sub := &memorySubscription{bus: b, topic: topic, ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	bus   *MemoryRequestBus
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
