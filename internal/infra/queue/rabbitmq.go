package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

// RabbitRequestBus рассылает запросы через direct exchange RabbitMQ. Ключ маршрутизации —
// топик получателя, у каждого подписчика своя эксклюзивная очередь. Истории RabbitMQ
// не хранит, поэтому выборка недоступна.
type RabbitRequestBus struct {
	conn     *amqp.Connection
	exchange string

	mu    sync.Mutex
	pubCh *amqp.Channel
}

var _ domain.RequestBus = (*RabbitRequestBus)(nil)
var _ domain.RequestStore = (*RabbitRequestBus)(nil)

// DialRabbitRequestBus подключается к брокеру и объявляет exchange.
func DialRabbitRequestBus(amqpURL, exchange string) (*RabbitRequestBus, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitRequestBus{conn: conn, exchange: exchange, pubCh: ch}, nil
}

// Publish отправляет сообщение в exchange с ключом topic.
func (b *RabbitRequestBus) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	b.mu.Lock()
	err := b.pubCh.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    start,
		Body:         payload,
	})
	b.mu.Unlock()
	metrics.ObserveNetworkRequest("rabbitmq", "publish_request", b.exchange, start, err)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Query всегда возвращает domain.ErrRequestStoreDisabled.
func (b *RabbitRequestBus) Query(context.Context, string, time.Time, time.Time) ([][]byte, error) {
	return nil, domain.ErrRequestStoreDisabled
}

// Subscribe объявляет временную очередь, привязывает её к топику и начинает потребление.
func (b *RabbitRequestBus) Subscribe(_ context.Context, topic string) (domain.RequestSubscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("feedback-requests-"+uuid.NewString(), false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "org-feedback-"+uuid.NewString(), true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	sub := &rabbitSubscription{
		ch:   ch,
		out:  make(chan []byte, defaultSubscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.forward(deliveries)
	return sub, nil
}

// Close закрывает канал публикации и соединение.
func (b *RabbitRequestBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.pubCh.Close(), b.conn.Close())
}

type rabbitSubscription struct {
	ch   *amqp.Channel
	out  chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func (s *rabbitSubscription) forward(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case s.out <- d.Body:
			case <-s.done:
				return
			}
		}
	}
}

func (s *rabbitSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *rabbitSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ch.Close()
	})
	return s.err
}
