package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"shadowscan/config"
	"shadowscan/internal/logger"
	"shadowscan/pkg/models"
)

// Mirror is the optional cross-host classification mirror: a read-through
// on cache lookups and a write-behind after the run commits. The canonical
// store stays authoritative; mirror failures degrade to misses.
type Mirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMirror connects to the mirror. A nil return with nil error means the
// mirror is disabled.
func NewMirror(cfg config.MirrorConfig) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shadowscan:classification:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Mirror{client: client, prefix: prefix, ttl: ttl}, nil
}

// Get looks one signature up in the mirror. Any failure is a miss.
func (m *Mirror) Get(ctx context.Context, urlSignature string) (*models.Classification, bool) {
	if m == nil {
		return nil, false
	}
	raw, err := m.client.Get(ctx, m.prefix+urlSignature).Bytes()
	if err != nil {
		return nil, false
	}
	var c models.Classification
	if err := json.Unmarshal(raw, &c); err != nil {
		logger.Warnf("Mirror entry for %s is unreadable: %v", urlSignature, err)
		return nil, false
	}
	return &c, true
}

// Put mirrors one classification. Human-verified and review-queue rows
// are never mirrored; other hosts must read those from the store.
func (m *Mirror) Put(ctx context.Context, c *models.Classification) {
	if m == nil || c.IsHumanVerified || c.Status != models.StatusActive {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, m.prefix+c.URLSignature, raw, m.ttl).Err(); err != nil {
		logger.Warnf("Mirror write for %s failed: %v", c.URLSignature, err)
	}
}

// Close releases the connection.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
