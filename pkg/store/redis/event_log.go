package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"appforge/internal/model"
	"appforge/pkg/orcherr"
)

const (
	sessionLogKeyPrefix = "session:log:" // Durable session log (session:log:{request_id})
	defaultLogTTL       = 7 * 24 * time.Hour
)

// appendScript pushes the entries from ARGV[3] on, skipping those whose
// sequence is already stored. ARGV[2] is the first sequence in the batch.
const appendScript = `
	local n = redis.call("llen", KEYS[1])
	local first = tonumber(ARGV[2])
	if n < first then
		return -1
	end
	for i = 3 + n - first, #ARGV do
		redis.call("rpush", KEYS[1], ARGV[i])
	end
	redis.call("expire", KEYS[1], ARGV[1])
	return redis.call("llen", KEYS[1])
`

// EventLog stores the ordered protocol log of each session. The list index is
// the sequence number, so replay after an orchestrator restart keeps the order.
type EventLog struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewEventLog creates the durable session log
func NewEventLog(redisClient *RedisClient, ttl time.Duration) *EventLog {
	if ttl <= 0 {
		ttl = defaultLogTTL
	}
	return &EventLog{redis: redisClient.GetClient(), ttl: ttl}
}

func sessionLogKey(requestID string) string {
	return sessionLogKeyPrefix + requestID
}

// Append stores consecutive entries at their sequence numbers and refreshes
// the TTL. Entries already stored are skipped, so a retried batch is not
// duplicated. A batch starting past the end of the log returns ErrLogGap.
func (l *EventLog) Append(ctx context.Context, requestID string, entries ...model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	first := entries[0].Seq
	args := make([]interface{}, 0, len(entries)+2)
	args = append(args, ttlSeconds(l.ttl), first)
	for i, e := range entries {
		if e.Seq != first+int64(i) {
			return fmt.Errorf("log entries not consecutive: seq %d after %d", e.Seq, first+int64(i)-1)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		args = append(args, data)
	}

	n, err := l.redis.Eval(ctx, appendScript, []string{sessionLogKey(requestID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to append session log: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("append at seq %d for %s: %w", first, requestID, orcherr.ErrLogGap)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int64 {
	if s := int64(ttl / time.Second); s > 0 {
		return s
	}
	return 1
}

// Range returns up to limit entries starting at sequence since. limit <= 0 means all.
func (l *EventLog) Range(ctx context.Context, requestID string, since, limit int64) ([]model.LogEntry, error) {
	if since < 0 {
		since = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = since + limit - 1
	}

	raw, err := l.redis.LRange(ctx, sessionLogKey(requestID), since, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	entries := make([]model.LogEntry, 0, len(raw))
	for _, item := range raw {
		var e model.LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of entries in the session log
func (l *EventLog) Len(ctx context.Context, requestID string) (int64, error) {
	n, err := l.redis.LLen(ctx, sessionLogKey(requestID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read session log length: %w", err)
	}
	return n, nil
}

// Delete removes the session log
func (l *EventLog) Delete(ctx context.Context, requestID string) error {
	return l.redis.Del(ctx, sessionLogKey(requestID)).Err()
}
