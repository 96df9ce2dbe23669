// Package redisstore provides Redis-based persistence for the message journal.
//
// Keys, under a configurable prefix:
//
//	{prefix}sessions              set of session ids
//	{prefix}{<id>}:seq            record id counter
//	{prefix}{<id>}:records        list of JSON-encoded records
//	{prefix}{<id>}:summary        JSON-encoded summary
//
// The braces are a Redis hash tag so one session's keys share a cluster slot.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/rueidis"

	"github.com/bpowers/mcpd/persistence"
)

const DefaultPrefix = "mcpd:journal:"

// RedisStore implements persistence.Store on top of a rueidis client.
type RedisStore struct {
	client     rueidis.Client
	prefix     string
	maxRecords int64
}

type Option func(*RedisStore)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxRecords caps each session's journal at the newest n records.
func WithMaxRecords(n int64) Option {
	return func(s *RedisStore) {
		s.maxRecords = n
	}
}

// New wraps an existing client. The store owns the client and closes it in Close.
func New(client rueidis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open connects to Redis. dsn is either a redis:// URL or a host:port address.
func Open(dsn string, opts ...Option) (*RedisStore, error) {
	var option rueidis.ClientOption
	if strings.Contains(dsn, "://") {
		parsed, err := rueidis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		option = parsed
	} else {
		option = rueidis.ClientOption{InitAddress: []string{dsn}}
	}
	// the journal never reads through the client-side cache
	option.DisableCache = true

	client, err := rueidis.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return New(client, opts...), nil
}

func (s *RedisStore) sessionsKey() string         { return s.prefix + "sessions" }
func (s *RedisStore) seqKey(id string) string     { return s.prefix + "{" + id + "}:seq" }
func (s *RedisStore) recordsKey(id string) string { return s.prefix + "{" + id + "}:records" }
func (s *RedisStore) summaryKey(id string) string { return s.prefix + "{" + id + "}:summary" }

// AddRecord implements persistence.Store.
func (s *RedisStore) AddRecord(ctx context.Context, sessionID string, record persistence.Record) (int64, error) {
	id, err := s.client.Do(ctx, s.client.B().Incr().Key(s.seqKey(sessionID)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("next record id: %w", err)
	}
	record.ID = id

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	cmds := rueidis.Commands{
		s.client.B().Sadd().Key(s.sessionsKey()).Member(sessionID).Build(),
		s.client.B().Rpush().Key(s.recordsKey(sessionID)).Element(string(data)).Build(),
	}
	if s.maxRecords > 0 {
		cmds = append(cmds, s.client.B().Ltrim().Key(s.recordsKey(sessionID)).Start(-s.maxRecords).Stop(-1).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return 0, fmt.Errorf("append record: %w", err)
		}
	}
	return id, nil
}

// GetAllRecords implements persistence.Store.
func (s *RedisStore) GetAllRecords(ctx context.Context, sessionID string) ([]persistence.Record, error) {
	raw, err := s.client.Do(ctx, s.client.B().Lrange().Key(s.recordsKey(sessionID)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	records := make([]persistence.Record, 0, len(raw))
	for _, item := range raw {
		var r persistence.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveSummary implements persistence.Store.
func (s *RedisStore) SaveSummary(ctx context.Context, sessionID string, summary persistence.SessionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.summaryKey(sessionID)).Value(string(data)).Build(),
		s.client.B().Sadd().Key(s.sessionsKey()).Member(sessionID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
	}
	return nil
}

// LoadSummary implements persistence.Store.
func (s *RedisStore) LoadSummary(ctx context.Context, sessionID string) (persistence.SessionSummary, error) {
	var summary persistence.SessionSummary

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.summaryKey(sessionID)).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("load summary: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return summary, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}

// ListSessions implements persistence.Store.
func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	sessions, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.sessionsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	slices.Sort(sessions)
	return sessions, nil
}

// DeleteSession implements persistence.Store.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.seqKey(sessionID), s.recordsKey(sessionID), s.summaryKey(sessionID)).Build(),
		s.client.B().Srem().Key(s.sessionsKey()).Member(sessionID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}

// Close implements persistence.Store.
func (s *RedisStore) Close() error {
	s.client.Close()
	return nil
}

var _ persistence.Store = (*RedisStore)(nil)
