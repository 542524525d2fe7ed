// Package store keeps per-call state in Redis: the call context written when a
// call is placed, the running transcript, and the post-call result. Every key
// carries a TTL so nothing outlives the call by more than the grace window.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/callbridge/pkg/core/types"
)

const DefaultTTL = time.Hour

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: not found")

const (
	contextPrefix    = "call_context:"
	transcriptPrefix = "transcript:"
	resultPrefix     = "call_result:"
	reportPrefix     = "call_report:"
)

type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func New(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Open parses a redis:// URL and returns a connected store.
func Open(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, ttl), nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func contextKey(callSID string) string    { return contextPrefix + callSID }
func transcriptKey(callSID string) string { return transcriptPrefix + callSID }
func resultKey(callSID string) string     { return resultPrefix + callSID }
func reportKey(callSID string) string     { return reportPrefix + callSID }

func (s *Redis) PutContext(ctx context.Context, callSID string, cc types.CallContext) error {
	b, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshal call context: %w", err)
	}
	if err := s.rdb.Set(ctx, contextKey(callSID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store call context %s: %w", callSID, err)
	}
	return nil
}

func (s *Redis) GetContext(ctx context.Context, callSID string) (*types.CallContext, error) {
	raw, err := s.rdb.Get(ctx, contextKey(callSID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call context %s: %w", callSID, err)
	}
	var cc types.CallContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode call context %s: %w", callSID, err)
	}
	return &cc, nil
}

func (s *Redis) DeleteContext(ctx context.Context, callSID string) error {
	return s.rdb.Del(ctx, contextKey(callSID)).Err()
}

// AppendTranscript pushes one entry and refreshes the list TTL atomically.
func (s *Redis) AppendTranscript(ctx context.Context, callSID string, entry types.TranscriptEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	key := transcriptKey(callSID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, b)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", callSID, err)
	}
	return nil
}

// Transcript returns every stored entry in append order. Undecodable entries are skipped.
func (s *Redis) Transcript(ctx context.Context, callSID string) ([]types.TranscriptEntry, error) {
	items, err := s.rdb.LRange(ctx, transcriptKey(callSID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", callSID, err)
	}
	out := make([]types.TranscriptEntry, 0, len(items))
	for _, item := range items {
		var e types.TranscriptEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Redis) DeleteTranscript(ctx context.Context, callSID string) error {
	return s.rdb.Del(ctx, transcriptKey(callSID)).Err()
}

func (s *Redis) SaveResult(ctx context.Context, callSID string, res types.CallResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal call result: %w", err)
	}
	if err := s.rdb.Set(ctx, resultKey(callSID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store call result %s: %w", callSID, err)
	}
	return nil
}

// ClaimReport marks the call as reported. Only the first claim within the TTL
// window succeeds, so a call ended by both its media session and a status
// callback is finalized once.
func (s *Redis) ClaimReport(ctx context.Context, callSID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, reportKey(callSID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim call report %s: %w", callSID, err)
	}
	return ok, nil
}

// ReleaseReport drops a claim so a later attempt can finalize the call.
func (s *Redis) ReleaseReport(ctx context.Context, callSID string) error {
	return s.rdb.Del(ctx, reportKey(callSID)).Err()
}

// TakeResult reads and deletes the stored result.
func (s *Redis) TakeResult(ctx context.Context, callSID string) (*types.CallResult, error) {
	raw, err := s.rdb.GetDel(ctx, resultKey(callSID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call result %s: %w", callSID, err)
	}
	var res types.CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode call result %s: %w", callSID, err)
	}
	return &res, nil
}
