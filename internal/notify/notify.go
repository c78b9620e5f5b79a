// Package notify publishes build completion events for other consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the default pub/sub channel name
const DefaultChannel = "app-studio:build_finished"

// DefaultTimeout is the default per-publish timeout
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts
const DefaultRetries = 3

// BuildFinished is published once per session that reaches a terminal status
type BuildFinished struct {
	EventType  string  `json:"eventType"`
	ProjectID  string  `json:"projectId"`
	UserID     string  `json:"userId,omitempty"`
	BuildID    string  `json:"buildId,omitempty"`
	Mode       string  `json:"mode"`
	Outcome    string  `json:"outcome"` // "completed", "failed", "cancelled"
	PreviewURL string  `json:"previewUrl,omitempty"`
	Error      string  `json:"error,omitempty"`
	Percent    float64 `json:"progressPercent"`
	DurationMs int64   `json:"durationMs"`
	Timestamp  string  `json:"timestamp"`
}

// Publisher delivers build events
type Publisher interface {
	Publish(ctx context.Context, event *BuildFinished) error
	Close() error
}

// Nop discards events; used when no Redis URL is configured
type Nop struct{}

func (Nop) Publish(context.Context, *BuildFinished) error { return nil }
func (Nop) Close() error                                  { return nil }

// Config configures the Redis publisher
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: app-studio:build_finished)
	Channel string
	// Timeout is the per-publish timeout (default 5s)
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3)
	Retries int
	// Backoff is the delay before the first retry, doubled on each later one (default 500ms)
	Backoff time.Duration
}

// Redis publishes build events via Redis PUBLISH
type Redis struct {
	config Config
	client *goredis.Client
}

// NewRedis creates a Redis publisher. Returns an error if the URL is empty or invalid.
func NewRedis(cfg Config) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Redis{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event as JSON to the configured channel, retrying with
// exponential backoff.
func (r *Redis) Publish(ctx context.Context, event *BuildFinished) error {
	if event.EventType == "" {
		event.EventType = "build_finished"
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + r.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * r.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		lastErr = r.client.Publish(publishCtx, r.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Close releases the client
func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ Publisher = (*Redis)(nil)
	_ Publisher = Nop{}
)
