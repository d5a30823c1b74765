package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ResumeChannel returns the pub/sub channel carrying resume signals for a namespace.
func ResumeChannel(namespace string) string {
	return "enrichment:" + namespace + ":cooldown_resume"
}

// RedisBus forwards resume signals between instances. Every instance
// subscribes; a resume published by any instance is applied to the local
// Coordinator of whichever instance holds the wait.
//
// Delivery is at-most-once (Redis Pub/Sub). A lost message leaves the wait to
// its timeout.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	coord   *Coordinator
	logger  *slog.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus connects a bus for namespace to coord.
func NewRedisBus(opts *redis.Options, namespace string, coord *Coordinator, logger *slog.Logger) (*RedisBus, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		rdb:     redis.NewClient(opts),
		channel: ResumeChannel(namespace),
		coord:   coord,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start subscribes and returns once the subscription is confirmed. Messages
// are handled on a background goroutine until ctx ends or Close is called.
func (b *RedisBus) Start(ctx context.Context) error {
	if b.coord == nil {
		return fmt.Errorf("redis bus has no coordinator; it can only publish")
	}
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.logger.Info("cooldown resume bus subscribed", "channel", b.channel)

	go func() {
		defer close(b.done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				requestID := strings.TrimSpace(msg.Payload)
				if requestID == "" {
					continue
				}
				if b.coord.Resume(requestID) {
					b.logger.Info("resume applied from bus", "request_id", requestID)
				}
			}
		}
	}()
	return nil
}

// Publish broadcasts a resume for requestID and returns how many subscribers
// received it. Receipt does not imply a matching wait was found.
func (b *RedisBus) Publish(ctx context.Context, requestID string) (int64, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return 0, fmt.Errorf("request id is required")
	}
	n, err := b.rdb.Publish(ctx, b.channel, requestID).Result()
	if err != nil {
		return 0, fmt.Errorf("publish resume: %w", err)
	}
	return n, nil
}

// Forward publishes a resume for whichever peer holds the wait. It reports
// whether any subscriber other than this instance received the message.
func (b *RedisBus) Forward(ctx context.Context, requestID string) (bool, error) {
	n, err := b.Publish(ctx, requestID)
	if err != nil {
		return false, err
	}
	if b.cancel != nil {
		n--
	}
	return n > 0, nil
}

// Ping verifies Redis connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close stops the subscription and closes the Redis connection.
func (b *RedisBus) Close() error {
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
			<-b.done
		}
	})
	return b.rdb.Close()
}
