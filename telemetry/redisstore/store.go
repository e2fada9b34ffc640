// Package redisstore implements the telemetry store on redis streams so
// multiple processes can share one fleet-wide sample log.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/telemetry"
)

const (
	defaultPrefix  = "fleetd"
	defaultLimit   = 50
	defaultMaxLen  = 100000
	defaultTimeout = 3 * time.Second
)

type Store struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	maxLen   int64
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

// WithMaxLen caps the stream length; redis trims approximately past it.
func WithMaxLen(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
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
		maxLen:  defaultMaxLen,
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

func (s *Store) Append(ctx context.Context, sample telemetry.Sample) (string, error) {
	sample.Normalize()
	if err := telemetry.ValidateAgentID(sample.AgentID); err != nil {
		return "", err
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sample: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	args := func(stream string) *goredis.XAddArgs {
		return &goredis.XAddArgs{
			Stream: stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{"payload": string(payload)},
		}
	}
	pipe.XAdd(ctx, args(s.streamKey()))
	pipe.XAdd(ctx, args(s.agentStreamKey(sample.AgentID)))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("failed to append sample", err)
	}
	return sample.ID, nil
}

func (s *Store) Recent(ctx context.Context, query telemetry.RecentQuery) ([]telemetry.Sample, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	stream := s.streamKey()
	if query.AgentID != "" {
		stream = s.agentStreamKey(query.AgentID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages, err := s.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return []telemetry.Sample{}, nil
		}
		return nil, unavailable("failed to read recent samples", err)
	}

	out := make([]telemetry.Sample, 0, len(messages))
	for _, msg := range messages {
		raw, _ := msg.Values["payload"].(string)
		if raw == "" {
			s.metrics.MalformedRecord(ctx)
			continue
		}
		var sample telemetry.Sample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			// Malformed records are counted and skipped, not fatal for the
			// batch.
			s.metrics.MalformedRecord(ctx)
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) streamKey() string {
	return s.prefix + ":telemetry"
}

func (s *Store) agentStreamKey(agentID string) string {
	return fmt.Sprintf("%s:telemetry:agent:%s", s.prefix, agentID)
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%s: %w: %v", msg, telemetry.ErrUnavailable, err)
}
