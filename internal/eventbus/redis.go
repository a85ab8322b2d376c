package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/r3e-cellvault/cellserver/internal/resilience"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

// RedisConfig configures the broker-backed adapter.
type RedisConfig struct {
	Addr string
}

// Redis publishes events on Redis pub/sub channels named by topic,
// prefixed so the bus does not collide with unrelated channels.
type Redis struct {
	client  *goredis.Client
	prefix  string
	breaker *resilience.CircuitBreaker
	log     *logger.Logger

	mu     sync.Mutex
	cancel map[Topic]context.CancelFunc
}

// NewRedis constructs a Redis-backed bus. Start dials the server. A
// circuit breaker guards publishes so a dead broker fails fast instead
// of stalling every originating request on its dial timeout.
func NewRedis(cfg RedisConfig, log *logger.Logger) *Redis {
	return &Redis{
		client:  goredis.NewClient(&goredis.Options{Addr: cfg.Addr}),
		prefix:  "cellserver:events:",
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("eventbus-redis")),
		log:     log,
		cancel:  make(map[Topic]context.CancelFunc),
	}
}

func (r *Redis) channel(topic Topic) string { return r.prefix + string(topic) }

// Start verifies connectivity to the broker.
func (r *Redis) Start(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Stop closes every active subscription and the underlying client.
func (r *Redis) Stop(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.cancel {
		cancel()
	}
	r.mu.Unlock()
	return r.client.Close()
}

// Publish fire-and-forgets event onto topic's channel. A publish
// failure is logged and counted, never returned to the caller.
func (r *Redis) Publish(ctx context.Context, topic Topic, key string, payload map[string]interface{}) {
	event := Event{Key: key, Timestamp: time.Now(), Payload: payload}
	data, err := marshalEvent(event)
	if err != nil {
		metrics.RecordEventDropped("redis")
		return
	}
	err = r.breaker.Execute(func() error {
		return r.client.Publish(ctx, r.channel(topic), data).Err()
	})
	if err != nil {
		metrics.RecordEventDropped("redis")
		if r.log != nil {
			r.log.WithField("error", err).WithField("topic", string(topic)).Warn("failed to publish event")
		}
		return
	}
	metrics.RecordEventPublished("redis", string(topic))
}

// Subscribe opens a Redis subscription for topic and invokes handler
// for each message received, for the lifetime of the bus.
func (r *Redis) Subscribe(topic Topic, handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel[topic] = cancel
	r.mu.Unlock()

	sub := r.client.Subscribe(ctx, r.channel(topic))
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				handler(ctx, topic, event)
			}
		}
	}()
}
