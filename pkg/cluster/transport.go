package cluster

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Envelope is one message received from a channel.
type Envelope struct {
	Channel string
	Data    []byte
}

// Subscription delivers envelopes until it is closed.
type Subscription interface {
	Messages() <-chan Envelope
	Close() error
}

// Transport publishes to and subscribes on named channels.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// RedisConfig locates the Redis server used as the cluster channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// RedisTransport is a Transport over Redis pub/sub.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport connects lazily to the configured server.
func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	return NewRedisTransportWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewRedisTransportWithClient wraps an existing client.
func NewRedisTransportWithClient(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends data on channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

// Subscribe listens on channels. It returns once Redis confirms the
// subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Envelope),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Close closes the client.
func (t *RedisTransport) Close() error { return t.client.Close() }

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- Envelope{Channel: msg.Channel, Data: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Envelope { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
