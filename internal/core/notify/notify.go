// Package notify fans rule changes out to every badgekeeper instance over
// Redis pub/sub. Messages carry only the rule id; subscribers re-read the
// rule from the repository. A lost message is repaired by the next one for
// the same id or by the periodic Resyncer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/core/config"
	"github.com/solatis/badgekeeper/internal/types"
)

const (
	pingAttempts = 3
	pingBackoff  = 500 * time.Millisecond
)

// NewClient connects to Redis and pings it, retrying with exponential
// backoff.
func NewClient(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 1,
	})

	backoff := pingBackoff
	var lastErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return client, nil
		}
		log.Warn("redis ping failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < pingAttempts {
			select {
			case <-ctx.Done():
				client.Close()
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", pingAttempts, lastErr)
}

// Publisher announces rule changes.
type Publisher struct {
	client  redis.UniversalClient
	channel string
}

// NewPublisher publishes on channel.
func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// RuleChanged publishes id. Saves and deletes are announced the same way.
func (p *Publisher) RuleChanged(ctx context.Context, id types.RuleID) error {
	if err := p.client.Publish(ctx, p.channel, string(id)).Err(); err != nil {
		return fmt.Errorf("publish rule change %s: %w", id, err)
	}
	return nil
}

// Name identifies the checker in readiness output.
func (p *Publisher) Name() string {
	return "redis"
}

// Check pings Redis.
func (p *Publisher) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// RuleSource reads the current definition of a rule. *db.RuleRepository
// satisfies it.
type RuleSource interface {
	Get(ctx context.Context, id types.RuleID) (*types.Rule, error)
}

// RuleTarget receives refreshed rules. *rules.Engine satisfies it.
type RuleTarget interface {
	Load(rule *types.Rule) error
	Delete(id types.RuleID) bool
}

// Subscriber applies announced changes to a RuleTarget.
type Subscriber struct {
	client  redis.UniversalClient
	channel string
	source  RuleSource
	target  RuleTarget
	log     *zap.Logger
}

// NewSubscriber listens on channel.
func NewSubscriber(client redis.UniversalClient, channel string, source RuleSource, target RuleTarget, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{client: client, channel: channel, source: source, target: target, log: log}
}

// Run subscribes and applies changes until ctx is cancelled. ready, when
// non-nil, is closed once the subscription is confirmed.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	s.log.Info("listening for rule changes", zap.String("channel", s.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := s.Apply(ctx, types.RuleID(msg.Payload)); err != nil {
				s.log.Warn("rule change not applied", zap.String("rule_id", msg.Payload), zap.Error(err))
			}
		}
	}
}

// Apply reloads id from the source. A rule that no longer exists is removed
// from the target.
func (s *Subscriber) Apply(ctx context.Context, id types.RuleID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	rule, err := s.source.Get(ctx, id)
	if errors.Is(err, types.ErrRuleNotFound) {
		if s.target.Delete(id) {
			s.log.Info("rule removed", zap.String("rule_id", string(id)))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.target.Load(rule); err != nil {
		return err
	}
	s.log.Info("rule reloaded", zap.String("rule_id", string(id)), zap.String("version", rule.Version))
	return nil
}
