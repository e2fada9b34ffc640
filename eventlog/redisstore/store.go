// Package redisstore implements the event log store on redis for shared
// deployments: JSON records keyed by id plus a sorted-set index scored by
// record time.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/observe"
)

const (
	defaultPrefix  = "fleetd"
	defaultLimit   = 50
	defaultTTL     = 72 * time.Hour
	defaultTimeout = 3 * time.Second
)

type Store struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	ttl      time.Duration
	timeout  time.Duration
	metrics  *observe.Metrics
}

type Option func(*Store)

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(addr string, opts ...Option) (*Store, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Store{
		addr:    addr,
		prefix:  defaultPrefix,
		ttl:     defaultTTL,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{Addr: s.addr, Password: s.password, DB: s.db})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) Append(ctx context.Context, record eventlog.Record) (string, error) {
	record.Normalize()
	if strings.TrimSpace(record.Text) == "" {
		return "", fmt.Errorf("event text is required")
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	score := float64(record.RecordedAt.UnixNano()) / float64(time.Second)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.eventKey(record.ID), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score, Member: record.ID})
	pipe.Expire(ctx, s.indexKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to append event: %w: %v", eventlog.ErrUnavailable, err)
	}
	return record.ID, nil
}

func (s *Store) Query(ctx context.Context, query eventlog.Query) ([]eventlog.Record, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Over-fetch so client-side category/agent filters can still fill the
	// requested limit.
	fetch := int64(limit * 4)
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, fetch-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list event ids: %w: %v", eventlog.ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return []eventlog.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w: %v", eventlog.ErrUnavailable, err)
	}

	staleIDs := make([]string, 0)
	out := make([]eventlog.Record, 0, limit)
	for i, raw := range values {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		text, ok := raw.(string)
		if !ok {
			s.metrics.MalformedRecord(ctx)
			continue
		}
		var record eventlog.Record
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			s.metrics.MalformedRecord(ctx)
			continue
		}
		if query.Category != "" && record.Category != query.Category {
			continue
		}
		if query.AgentID != "" && record.AgentID != query.AgentID {
			continue
		}
		if query.Since != nil && record.RecordedAt.Before(*query.Since) {
			continue
		}
		out = append(out, record)
		if len(out) >= limit {
			break
		}
	}

	// Expired value keys leave stale index members behind; drop them.
	if len(staleIDs) > 0 {
		members := make([]any, 0, len(staleIDs))
		for _, id := range staleIDs {
			members = append(members, id)
		}
		_ = s.client.ZRem(ctx, s.indexKey(), members...).Err()
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) eventKey(id string) string {
	return fmt.Sprintf("%s:event:%s", s.prefix, id)
}

func (s *Store) indexKey() string {
	return s.prefix + ":eventidx"
}
