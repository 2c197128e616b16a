package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/telemetry"
)

// RedisReviewStore implements ReviewStore and HumanHandler on Redis. Prompts
// are persisted with a TTL so an out-of-process reviewer can list and answer
// them; responses travel back over Redis Pub/Sub, which makes SubmitResponse
// work across instances.
//
// Key format:
//   - Prompt:           {prefix}:prompt:{prompt_id}
//   - Pending index:    {prefix}:pending (Redis Set)
//   - Response channel: {prefix}:response:{prompt_id} (Pub/Sub)
type RedisReviewStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	redisURL  string // For error messages
	logger    core.Logger

	// Subscription management
	subscriptions map[string]context.CancelFunc
	subMu         sync.Mutex
}

// redisReviewConfig holds configuration for the review store
type redisReviewConfig struct {
	redisURL  string
	redisDB   int
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisReviewStoreOption configures the review store
type RedisReviewStoreOption func(*redisReviewConfig)

// WithReviewRedisURL sets the Redis connection URL
func WithReviewRedisURL(url string) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.redisURL = url
	}
}

// WithReviewRedisDB sets the Redis database number
func WithReviewRedisDB(db int) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.redisDB = db
	}
}

// WithReviewKeyPrefix sets the key prefix for prompt storage
func WithReviewKeyPrefix(prefix string) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.keyPrefix = prefix
	}
}

// WithReviewTTL sets how long unanswered prompts are retained
func WithReviewTTL(ttl time.Duration) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.ttl = ttl
	}
}

// WithReviewLogger sets the logger for the review store
func WithReviewLogger(logger core.Logger) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRedisReviewStore creates a Redis-backed review store.
//
// Configuration priority:
//  1. Explicit option (e.g., WithReviewRedisURL)
//  2. Environment variable (REDIS_URL, FORMFLOW_REVIEW_REDIS_DB)
//  3. Default value
func NewRedisReviewStore(opts ...RedisReviewStoreOption) (*RedisReviewStore, error) {
	config := &redisReviewConfig{
		redisURL:  getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		redisDB:   getEnvIntOrDefault("FORMFLOW_REVIEW_REDIS_DB", 4),
		keyPrefix: getEnvOrDefault("FORMFLOW_REVIEW_KEY_PREFIX", "formflow:review"),
		ttl:       24 * time.Hour,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(config)
	}

	redisOpts, err := redis.ParseURL(config.redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %s: %w (check REDIS_URL environment variable)", config.redisURL, err)
	}
	redisOpts.DB = config.redisDB

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w (check REDIS_URL and Redis connectivity)", config.redisURL, err)
	}

	return &RedisReviewStore{
		client:        client,
		keyPrefix:     config.keyPrefix,
		ttl:           config.ttl,
		redisURL:      config.redisURL,
		logger:        config.logger,
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

// -----------------------------------------------------------------------------
// ReviewStore Implementation
// -----------------------------------------------------------------------------

type storedPrompt struct {
	Prompt *ReviewPrompt `json:"prompt"`
	Status PromptStatus  `json:"status"`
}

func (s *RedisReviewStore) promptKey(promptID string) string {
	return fmt.Sprintf("%s:prompt:%s", s.keyPrefix, promptID)
}

func (s *RedisReviewStore) pendingKey() string {
	return fmt.Sprintf("%s:pending", s.keyPrefix)
}

func (s *RedisReviewStore) SavePrompt(ctx context.Context, p *ReviewPrompt) error {
	data, err := json.Marshal(storedPrompt{Prompt: p, Status: PromptPending})
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to marshal prompt %s: %w", p.PromptID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.promptKey(p.PromptID), data, s.ttl)
	pipe.SAdd(ctx, s.pendingKey(), p.PromptID)
	pipe.Expire(ctx, s.pendingKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to save prompt to Redis: %w (check REDIS_URL=%s)", err, s.redisURL)
	}

	s.logger.Debug("Review prompt saved", map[string]interface{}{
		"prompt_id": p.PromptID,
		"run_id":    p.RunID,
		"cycle":     p.Cycle,
	})
	return nil
}

func (s *RedisReviewStore) LoadPrompt(ctx context.Context, promptID string) (*ReviewPrompt, error) {
	data, err := s.client.Get(ctx, s.promptKey(promptID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("prompt %s not found: %w", promptID, core.ErrStaleResponse)
	}
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load prompt from Redis: %w", err)
	}

	var sp storedPrompt
	if err := json.Unmarshal([]byte(data), &sp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt %s: %w", promptID, err)
	}
	return sp.Prompt, nil
}

func (s *RedisReviewStore) UpdatePromptStatus(ctx context.Context, promptID string, status PromptStatus) error {
	data, err := s.client.Get(ctx, s.promptKey(promptID)).Result()
	if err == redis.Nil {
		return fmt.Errorf("prompt %s not found: %w", promptID, core.ErrStaleResponse)
	}
	if err != nil {
		return fmt.Errorf("failed to load prompt from Redis: %w", err)
	}

	var sp storedPrompt
	if err := json.Unmarshal([]byte(data), &sp); err != nil {
		return fmt.Errorf("failed to unmarshal prompt %s: %w", promptID, err)
	}
	sp.Status = status

	updated, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt %s: %w", promptID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.promptKey(promptID), updated, s.ttl)
	if status != PromptPending {
		pipe.SRem(ctx, s.pendingKey(), promptID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update prompt status: %w", err)
	}
	return nil
}

func (s *RedisReviewStore) ListPending(ctx context.Context) ([]*ReviewPrompt, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending prompts: %w", err)
	}

	var out []*ReviewPrompt
	for _, id := range ids {
		p, err := s.LoadPrompt(ctx, id)
		if err != nil {
			// Expired prompt still in the index; drop it.
			s.client.SRem(ctx, s.pendingKey(), id)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisReviewStore) DeletePrompt(ctx context.Context, promptID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.promptKey(promptID))
	pipe.SRem(ctx, s.pendingKey(), promptID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// HumanHandler Implementation (Pub/Sub response delivery)
// -----------------------------------------------------------------------------

func (s *RedisReviewStore) responseChannel(promptID string) string {
	return fmt.Sprintf("%s:response:%s", s.keyPrefix, promptID)
}

// NotifyPrompt persists the prompt; delivery to the reviewer happens out of
// band via ListPending (dashboard poll, bot, etc.).
func (s *RedisReviewStore) NotifyPrompt(ctx context.Context, p *ReviewPrompt) error {
	return s.SavePrompt(ctx, p)
}

// WaitForResponse blocks on the prompt's Pub/Sub channel until a response is
// published or the context is cancelled.
func (s *RedisReviewStore) WaitForResponse(ctx context.Context, promptID string) (*HumanResponse, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pubsub := s.client.Subscribe(subCtx, s.responseChannel(promptID))
	defer func() { _ = pubsub.Close() }()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(subCtx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to response channel: %w (check REDIS_URL=%s)", err, s.redisURL)
	}

	s.subMu.Lock()
	s.subscriptions[promptID] = cancel
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.subscriptions, promptID)
		s.subMu.Unlock()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return nil, subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("response channel closed for prompt %s", promptID)
			}
			var resp HumanResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				s.logger.Warn("Failed to unmarshal human response", map[string]interface{}{
					"prompt_id": promptID,
					"error":     err.Error(),
				})
				continue
			}
			telemetry.AddSpanEvent(ctx, "human_response_received",
				attribute.String("prompt_id", promptID),
			)
			return &resp, nil
		}
	}
}

// SubmitResponse publishes a human reply for a waiting run to receive. Works
// from any process sharing the Redis instance.
func (s *RedisReviewStore) SubmitResponse(ctx context.Context, r *HumanResponse) error {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	receivers, err := s.client.Publish(ctx, s.responseChannel(r.PromptID), data).Result()
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to publish response to Redis: %w (check REDIS_URL=%s)", err, s.redisURL)
	}
	if receivers == 0 {
		return fmt.Errorf("no run waiting on prompt %s: %w", r.PromptID, core.ErrStaleResponse)
	}

	telemetry.AddSpanEvent(ctx, "human_response_published",
		attribute.String("prompt_id", r.PromptID),
	)
	return nil
}

// Close cancels all in-flight waits and closes the Redis connection.
func (s *RedisReviewStore) Close() error {
	s.subMu.Lock()
	for _, cancel := range s.subscriptions {
		cancel()
	}
	s.subscriptions = make(map[string]context.CancelFunc)
	s.subMu.Unlock()

	return s.client.Close()
}

// Compile-time interface compliance checks
var (
	_ ReviewStore  = (*RedisReviewStore)(nil)
	_ HumanHandler = (*RedisReviewStore)(nil)
)

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
