// internal/storage/redis/redis.go

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/logger"
)

var tracer = otel.Tracer("gateway/storage/redis")

// saveMax stores ARGV[1] unless the key already holds a larger id.
var saveMax = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local id = tonumber(ARGV[1])
if id > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// Client is the part of *goredis.Client the store uses.
type Client interface {
	goredis.Scripter
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// CursorStore keeps the last seen order id under a single key.
type CursorStore struct {
	rdb Client
	key string
	log *logger.Logger
}

// NewCursorStore wraps an already connected client.
func NewCursorStore(rdb Client, key string, log *logger.Logger) *CursorStore {
	return &CursorStore{rdb: rdb, key: key, log: log.Named("redis-cursor")}
}

// Load returns the stored id, or 0 when the key does not exist.
func (s *CursorStore) Load(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Redis.LoadCursor", trace.WithAttributes(attribute.String("key", s.key)))
	defer span.End()

	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		s.log.WithContext(ctx).Error("redis get failed", zap.String("key", s.key), zap.Error(err))
		return 0, fmt.Errorf("redis cursor: get: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis cursor: key %q holds %q: %w", s.key, raw, err)
	}
	return id, nil
}

// Save raises the stored id to id; smaller ids are ignored.
func (s *CursorStore) Save(ctx context.Context, id int64) error {
	ctx, span := tracer.Start(ctx, "Redis.SaveCursor",
		trace.WithAttributes(attribute.String("key", s.key), attribute.Int64("id", id)))
	defer span.End()

	if err := saveMax.Run(ctx, s.rdb, []string{s.key}, id).Err(); err != nil {
		span.RecordError(err)
		s.log.WithContext(ctx).Error("redis save failed", zap.String("key", s.key), zap.Error(err))
		return fmt.Errorf("redis cursor: save: %w", err)
	}
	return nil
}
