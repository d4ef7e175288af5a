package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis"

	"github.com/rickgao/voice-bridge/internal/config"
)

// RedisStore keeps each transcript in a Redis list.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to cfg.Addr. A comma-separated Addr selects a cluster.
func NewRedisStore(cfg config.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	addrs := strings.Split(cfg.Addr, ",")
	var client redis.UniversalClient
	if len(addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs, Password: cfg.Password})
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	}

	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, logger), nil
}

func newRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = config.DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger.With("component", "ledger_redis")}
}

// Append pushes entries onto their sessions' lists in one pipeline.
func (s *RedisStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, e := range entries {
		prepare(&e)
		body, err := sonic.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		pipe.RPush(s.transcriptKey(e.SessionID), body)
		pipe.SAdd(s.sessionsKey(), e.SessionID)
	}

	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Read returns a session's entries oldest first.
func (s *RedisStore) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	lines, err := s.client.LRange(s.transcriptKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := sonic.UnmarshalString(line, &e); err != nil {
			s.logger.Warn("skipping corrupt transcript entry", "session_id", sessionID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Sessions returns the ids of every session with entries.
func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) transcriptKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID + ":transcript"
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + ":sessions"
}
