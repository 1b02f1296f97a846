package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/queue"
)

var (
	sender   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	receiver = common.HexToAddress("0xdcC5bA35614F40F75d07402d81784214CbE853a9")
	another  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type stubStore struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	topics   []string
}

func (s *stubStore) Query(_ context.Context, topic string, _, _ time.Time) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return s.payloads, s.err
}

type failingBus struct{ domain.RequestBus }

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("network down")
}

func newSession(bus domain.RequestBus, store domain.RequestStore) *Session {
	s := NewSession(bus, store, zerolog.Nop(), Config{})
	var mu sync.Mutex
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return s
}

func TestSendAndListen(t *testing.T) {
	bus := queue.NewMemoryRequestBus()
	s := newSession(bus, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.FeedbackRequest, 1)
	listenErr := make(chan error, 1)
	subscribed := make(chan struct{})
	go func() {
		close(subscribed)
		listenErr <- s.Listen(ctx, receiver, func(req domain.FeedbackRequest) { got <- req })
	}()
	<-subscribed

	require.Eventually(t, func() bool {
		_, err := s.Send(ctx, sender, receiver, "how was my talk?")
		require.NoError(t, err)
		select {
		case req := <-got:
			assert.Equal(t, sender, req.Sender)
			assert.Equal(t, "how was my talk?", req.Message)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListenSkipsMalformedAndForeign(t *testing.T) {
	bus := queue.NewMemoryRequestBus()
	s := newSession(bus, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := domain.RequestTopic(receiver)

	got := make(chan domain.FeedbackRequest, 4)
	go func() { _ = s.Listen(ctx, receiver, func(req domain.FeedbackRequest) { got <- req }) }()

	foreign, err := domain.EncodeRequest(domain.NewFeedbackRequest(sender, another, "not yours", time.Now()))
	require.NoError(t, err)
	valid, err := domain.EncodeRequest(domain.NewFeedbackRequest(sender, receiver, "yours", time.Now()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, topic, []byte("{broken"))
		_ = bus.Publish(ctx, topic, foreign)
		_ = bus.Publish(ctx, topic, valid)
		select {
		case req := <-got:
			assert.Equal(t, "yours", req.Message)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestStoredUsesStore(t *testing.T) {
	old := domain.NewFeedbackRequest(sender, receiver, "first", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	newer := domain.NewFeedbackRequest(another, receiver, "second", time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC))
	p1, _ := domain.EncodeRequest(old)
	p2, _ := domain.EncodeRequest(newer)
	store := &stubStore{payloads: [][]byte{p1, p2, p1, []byte("junk")}}

	s := newSession(queue.NewMemoryRequestBus(), store)
	got, err := s.Stored(context.Background(), receiver)
	require.NoError(t, err)
	require.Len(t, got, 2, "duplicates and junk are dropped")
	assert.Equal(t, "second", got[0].Message, "newest first")
	assert.Equal(t, []string{domain.RequestTopic(receiver)}, store.topics)
}

func TestStoredFallsBackToCache(t *testing.T) {
	store := &stubStore{err: errors.New("store offline")}
	s := newSession(queue.NewMemoryRequestBus(), store)
	ctx := context.Background()

	_, err := s.Send(ctx, sender, receiver, "ping")
	require.NoError(t, err)
	_, err = s.Send(ctx, another, receiver, "pong")
	require.NoError(t, err)

	got, err := s.Stored(ctx, receiver)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pong", got[0].Message)

	none, err := s.Stored(ctx, sender)
	require.NoError(t, err)
	assert.Empty(t, none)

	s.store = nil
	got, err = s.Stored(ctx, receiver)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSendMany(t *testing.T) {
	s := newSession(queue.NewMemoryRequestBus(), nil)
	sent, err := s.SendMany(context.Background(), sender, []common.Address{receiver, another, receiver}, "feedback please")
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	s = newSession(failingBus{}, nil)
	sent, err = s.SendMany(context.Background(), sender, []common.Address{receiver, another}, "feedback please")
	assert.Error(t, err)
	assert.Empty(t, sent)
}

func TestSendValidation(t *testing.T) {
	s := newSession(queue.NewMemoryRequestBus(), nil)
	ctx := context.Background()

	_, err := s.Send(ctx, sender, domain.ZeroAddress, "x")
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
	_, err = s.Send(ctx, sender, receiver, "   ")
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	require.NoError(t, s.Close())
	_, err = s.Send(ctx, sender, receiver, "x")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Listen(ctx, receiver, func(domain.FeedbackRequest) {}), ErrSessionClosed)
}

func TestCloseStopsListeners(t *testing.T) {
	s := newSession(queue.NewMemoryRequestBus(), nil)
	done := make(chan error, 1)
	go func() {
		done <- s.Listen(context.Background(), receiver, func(domain.FeedbackRequest) {})
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subs) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener still running after Close")
	}
}
