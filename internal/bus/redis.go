package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConn implements Bus over Redis Pub/Sub. One PubSub subscription
// carries every subscribed topic; its merged message stream is drained by a
// single goroutine, which gives the per-connection serialized delivery the
// protocol engines rely on.
type RedisConn struct {
	client    *redis.Client
	pubsub    *redis.PubSub
	topicPath string
	cancel    context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool
}

var _ Bus = (*RedisConn)(nil)

// DialRedis connects to the Redis broker and starts the delivery loop.
func DialRedis(addr, password string, db int, topicPath string) (*RedisConn, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: redis connection failed: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c := &RedisConn{
		client:    client,
		pubsub:    client.Subscribe(loopCtx),
		topicPath: topicPath,
		cancel:    loopCancel,
		handlers:  make(map[string]Handler),
	}
	go c.deliverLoop(loopCtx)
	return c, nil
}

func (c *RedisConn) TopicPath() string { return c.topicPath }

func (c *RedisConn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (c *RedisConn) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.handlers[topic] = h
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pubsub.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *RedisConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	if _, ok := c.handlers[topic]; !ok {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(c.handlers, topic)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("bus: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// OnConnected registers fn for the first-connection edge. The connection is
// already established by the time DialRedis returns, so fn runs right away
// on its own goroutine; it never re-fires on transport reconnects.
func (c *RedisConn) OnConnected(fn func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	go fn()
}

func (c *RedisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	if err := c.pubsub.Close(); err != nil {
		log.Debug().Err(err).Msg("bus: pubsub close")
	}
	return c.client.Close()
}

func (c *RedisConn) deliverLoop(ctx context.Context) {
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.mu.Lock()
			h := c.handlers[msg.Channel]
			c.mu.Unlock()
			if h != nil {
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}
