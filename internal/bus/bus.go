// Package bus publishes raw trigger events to a realtime channel so dev
// tooling can introspect webhook traffic. Redis pub/sub when configured,
// otherwise a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher fans events out to live subscribers. Publishing is best-effort:
// callers never fail a request over a bus error.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
	Close() error
}

// WebhookChannel names the per-workflow channel for inbound webhook events.
func WebhookChannel(workflowID string) string {
	return "floww:events:" + workflowID
}

// New returns a Redis-backed publisher when url is set, a no-op otherwise.
func New(url string, log *zap.Logger) (Publisher, error) {
	if url == "" {
		return nopPublisher{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisPublisher{client: redis.NewClient(opts), log: log}, nil
}

type redisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode bus payload: %w", err)
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (p *redisPublisher) Close() error { return p.client.Close() }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
func (nopPublisher) Close() error                               { return nil }
