package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker fans session broadcasts out to every relay process holding
// connections for that session.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription delivers payloads published on one topic.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

func sessionTopic(sessionID string) string { return "storysync:session:" + sessionID }

// MemoryBroker is a Broker within one process. A subscriber that falls
// behind by more than its buffer loses payloads.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
	log  *slog.Logger
}

func NewMemoryBroker(log *slog.Logger) *MemoryBroker {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{}), log: log}
}

type memorySub struct {
	b     *MemoryBroker
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs[s.topic], s)
		if len(s.b.subs[s.topic]) == 0 {
			delete(s.b.subs, s.topic)
		}
		s.b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[topic] {
		select {
		case s.ch <- payload:
		default:
			b.log.Warn("broker subscriber full, dropping payload", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &memorySub{b: b, topic: topic, ch: make(chan []byte, 1024)}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// RedisBroker is a Broker on Redis pub/sub, for relays running as several
// processes behind one address.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to Redis at addr.
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisBroker{rdb: rdb}, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)
	// Wait for the confirmation so nothing published after Subscribe
	// returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, 256), done: make(chan struct{})}
	go func() {
		defer close(s.ch)
		for msg := range ps.Channel() {
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
