package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

const historyKeyPrefix = "cricai:session:"

// RedisStore keeps each session as a Redis list of JSON encoded messages
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store. A positive ttl expires idle sessions; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return historyKeyPrefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]*model.Message, error) {
	values, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load session history", goerr.V("session_id", sessionID))
	}

	messages := make([]*model.Message, 0, len(values))
	for _, v := range values {
		var msg model.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, goerr.Wrap(err, "failed to unmarshal session message", goerr.V("session_id", sessionID))
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, messages ...*model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal session message", goerr.V("session_id", sessionID))
		}
		values = append(values, data)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return goerr.Wrap(err, "failed to append session history", goerr.V("session_id", sessionID))
	}
	return nil
}
