package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultTTL = 24 * time.Hour

// Cache stores JSON snapshots of scraped data so that a failed scrape can fall back to them
type Cache interface {
	// Get decodes the snapshot of key into out. A missing or expired snapshot is reported with model.ErrTagNotFound.
	Get(ctx context.Context, key string, out any) error
	Put(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, key string) error
}

type options struct {
	ttl time.Duration
	now func() time.Time
}

type Option func(*options)

// WithTTL sets how long a snapshot is served
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) *options {
	o := &options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type envelope struct {
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

func (o *options) seal(key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal cache value", goerr.V("key", key))
	}
	now := o.now()
	data, err := json.Marshal(&envelope{StoredAt: now, ExpiresAt: now.Add(o.ttl), Value: raw})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal cache envelope", goerr.V("key", key))
	}
	return data, nil
}

func (o *options) open(key string, data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return goerr.Wrap(err, "failed to unmarshal cache envelope", goerr.V("key", key))
	}
	if !o.now().Before(env.ExpiresAt) {
		return goerr.New("cache entry expired", goerr.V("key", key), goerr.V("expires_at", env.ExpiresAt), goerr.T(model.ErrTagNotFound))
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return goerr.Wrap(err, "failed to unmarshal cache value", goerr.V("key", key))
	}
	return nil
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return goerr.New("invalid cache key", goerr.V("key", key), goerr.T(model.ErrTagInvalidInput))
	}
	return nil
}

func notFound(key string) error {
	return goerr.New("cache entry not found", goerr.V("key", key), goerr.T(model.ErrTagNotFound))
}

// MatchesKey is the snapshot key of the recent match list
func MatchesKey() string {
	return "matches"
}

// CommentaryKey is the snapshot key of one innings of a match
func CommentaryKey(id model.MatchID, innings model.Innings) string {
	return fmt.Sprintf("commentary/%s/%d", id, innings)
}
