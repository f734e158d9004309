package peers

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelation stores peer data in the hash peers:{relation}:{app} and
// announces each written key on the channel of the same name plus
// ":changes".
type RedisRelation struct {
	client  *redis.Client
	key     string
	channel string
	logger  *zap.Logger
}

func NewRedisRelation(client *redis.Client, relation, app string, logger *zap.Logger) *RedisRelation {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := fmt.Sprintf("peers:%s:%s", relation, app)
	return &RedisRelation{
		client:  client,
		key:     key,
		channel: key + ":changes",
		logger:  logger.Named("peers").With(zap.String("relation", relation), zap.String("backend", "redis")),
	}
}

// NewRedisClient builds a single-node client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *RedisRelation) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get peer data %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisRelation) Set(ctx context.Context, key, value string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, key, value)
		pipe.Publish(ctx, r.channel, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set peer data %s: %w", key, err)
	}
	r.logger.Debug("peer data written", zap.String("key", key))
	return nil
}

// Watch subscribes to the change channel. Only the key travels over pub/sub;
// the value is read back from the hash so sealed values never hit the channel.
func (r *RedisRelation) Watch(ctx context.Context) (<-chan Change, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				value, _, err := r.Get(ctx, msg.Payload)
				if err != nil {
					r.logger.Warn("read changed peer data failed", zap.String("key", msg.Payload), zap.Error(err))
					continue
				}
				select {
				case out <- Change{Key: msg.Payload, Value: value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
