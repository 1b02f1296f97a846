package requests

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

// ErrSessionClosed возвращается после Close.
var ErrSessionClosed = errors.New("requests: session closed")

// Config настраивает сессию.
type Config struct {
	// CacheTopics — сколько топиков держать в локальном кэше.
	CacheTopics int
	// PerTopicLimit — сколько последних запросов хранить на топик.
	PerTopicLimit int
	// Retention — глубина выборки из хранилища и время жизни кэша.
	Retention time.Duration
	// FanOut ограничивает число одновременных публикаций в SendMany.
	FanOut int
}

func (c Config) withDefaults() Config {
	if c.CacheTopics <= 0 {
		c.CacheTopics = 1024
	}
	if c.PerTopicLimit <= 0 {
		c.PerTopicLimit = 200
	}
	if c.Retention <= 0 {
		c.Retention = domain.RequestRetention
	}
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	return c
}

// Session — явная сессия обмена запросами обратной связи. Создаётся в корне приложения
// и закрывается им же.
type Session struct {
	bus   domain.RequestBus
	store domain.RequestStore
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	cacheMu sync.Mutex
	cache   *expirable.LRU[string, []domain.FeedbackRequest]

	mu     sync.Mutex
	subs   map[domain.RequestSubscription]struct{}
	closed bool
}

// NewSession создаёт сессию. store может быть nil, тогда выборка идёт только из локального кэша.
func NewSession(bus domain.RequestBus, store domain.RequestStore, logger zerolog.Logger, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		bus:   bus,
		store: store,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		cache: expirable.NewLRU[string, []domain.FeedbackRequest](cfg.CacheTopics, nil, cfg.Retention),
		subs:  make(map[domain.RequestSubscription]struct{}),
	}
}

// Send публикует запрос в топик получателя.
func (s *Session) Send(ctx context.Context, sender, receiver common.Address, message string) (domain.FeedbackRequest, error) {
	if err := s.checkOpen(); err != nil {
		return domain.FeedbackRequest{}, err
	}
	message = strings.TrimSpace(message)
	switch {
	case domain.IsZero(sender), domain.IsZero(receiver):
		return domain.FeedbackRequest{}, domain.InvalidArgument("Invalid address")
	case message == "":
		return domain.FeedbackRequest{}, domain.InvalidArgument("Message is empty")
	case len(message) > domain.MaxMessageBytes:
		return domain.FeedbackRequest{}, domain.InvalidArgument(fmt.Sprintf("Message exceeds %d bytes", domain.MaxMessageBytes))
	}

	req := domain.NewFeedbackRequest(sender, receiver, message, s.now())
	payload, err := domain.EncodeRequest(req)
	if err != nil {
		return domain.FeedbackRequest{}, fmt.Errorf("кодирование запроса: %w", err)
	}
	topic := domain.RequestTopic(receiver)
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		return domain.FeedbackRequest{}, fmt.Errorf("публикация запроса: %w", err)
	}
	s.remember(topic, req)
	metrics.FeedbackRequestsPublished.Inc()
	return req, nil
}

// SendMany рассылает один запрос нескольким получателям параллельно. Повторы получателей
// отбрасываются. Возвращает успешно отправленные запросы и объединённую ошибку остальных.
func (s *Session) SendMany(ctx context.Context, sender common.Address, receivers []common.Address, message string) ([]domain.FeedbackRequest, error) {
	unique := make([]common.Address, 0, len(receivers))
	seen := make(map[common.Address]struct{}, len(receivers))
	for _, r := range receivers {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		unique = append(unique, r)
	}

	results := make([]domain.FeedbackRequest, len(unique))
	errs := make([]error, len(unique))
	var g errgroup.Group
	g.SetLimit(s.cfg.FanOut)
	for i, receiver := range unique {
		i, receiver := i, receiver
		g.Go(func() error {
			req, err := s.Send(ctx, sender, receiver, message)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", domain.NormalizeAddress(receiver), err)
				return nil
			}
			results[i] = req
			return nil
		})
	}
	_ = g.Wait()

	sent := make([]domain.FeedbackRequest, 0, len(unique))
	for i := range unique {
		if errs[i] == nil {
			sent = append(sent, results[i])
		}
	}
	return sent, errors.Join(errs...)
}

// Listen подписывается на топик user и вызывает handler для каждого корректного запроса.
// Блокируется до отмены ctx или закрытия сессии.
func (s *Session) Listen(ctx context.Context, user common.Address, handler func(domain.FeedbackRequest)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	topic := domain.RequestTopic(user)
	sub, err := s.bus.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("подписка на %s: %w", topic, err)
	}
	if !s.track(sub) {
		_ = sub.Close()
		return ErrSessionClosed
	}
	defer s.untrack(sub)

	logger := s.log.With().Str("topic", topic).Logger()
	logger.Debug().Msg("requests: listening")
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			req, err := domain.DecodeRequest(payload)
			if err != nil {
				metrics.FeedbackRequestsDropped.WithLabelValues("malformed").Inc()
				logger.Debug().Err(err).Msg("requests: skip malformed message")
				continue
			}
			if req.Receiver != user {
				metrics.FeedbackRequestsDropped.WithLabelValues("foreign").Inc()
				continue
			}
			s.remember(topic, req)
			metrics.FeedbackRequestsReceived.Inc()
			handler(req)
		}
	}
}

// Stored возвращает запросы к user за окно хранения, новые сначала. Если хранилище
// недоступно, отвечает локальный кэш сессии.
func (s *Session) Stored(ctx context.Context, user common.Address) ([]domain.FeedbackRequest, error) {
	topic := domain.RequestTopic(user)
	now := s.now()
	since := now.Add(-s.cfg.Retention)

	if s.store != nil {
		payloads, err := s.store.Query(ctx, topic, since, now)
		if err == nil {
			out := make([]domain.FeedbackRequest, 0, len(payloads))
			for _, p := range payloads {
				req, err := domain.DecodeRequest(p)
				if err != nil || req.Receiver != user {
					continue
				}
				out = append(out, req)
			}
			return dedupeNewestFirst(out), nil
		}
		if !errors.Is(err, domain.ErrRequestStoreDisabled) {
			s.log.Warn().Err(err).Str("topic", topic).Msg("requests: store query failed, using local cache")
		}
	}

	metrics.RequestStoreFallbacks.Inc()
	cached, _ := s.cachedFor(topic)
	out := make([]domain.FeedbackRequest, 0, len(cached))
	for _, req := range cached {
		if !req.Timestamp.Before(since) {
			out = append(out, req)
		}
	}
	return dedupeNewestFirst(out), nil
}

// Close отписывает все активные подписки. Повторный вызов безопасен.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]domain.RequestSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[domain.RequestSubscription]struct{})
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) track(sub domain.RequestSubscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[sub] = struct{}{}
	return true
}

func (s *Session) untrack(sub domain.RequestSubscription) {
	s.mu.Lock()
	_, tracked := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if tracked {
		_ = sub.Close()
	}
}

func (s *Session) remember(topic string, req domain.FeedbackRequest) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	current, _ := s.cache.Get(topic)
	for _, existing := range current {
		if existing.ID == req.ID {
			return
		}
	}
	next := make([]domain.FeedbackRequest, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, req)
	if extra := len(next) - s.cfg.PerTopicLimit; extra > 0 {
		next = next[extra:]
	}
	s.cache.Add(topic, next)
}

func (s *Session) cachedFor(topic string) ([]domain.FeedbackRequest, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache.Get(topic)
}

func dedupeNewestFirst(in []domain.FeedbackRequest) []domain.FeedbackRequest {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.FeedbackRequest, 0, len(in))
	for _, req := range in {
		if _, ok := seen[req.ID]; ok {
			continue
		}
		seen[req.ID] = struct{}{}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
