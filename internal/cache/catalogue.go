// Package cache keeps the marketplace browse catalogue in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/metrics"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

const (
	defaultKey = "vidledger:catalogue:listed"
	defaultTTL = 30 * time.Second
)

// Catalogue caches the list of assets currently on sale. Entries expire
// after the TTL and are dropped by Invalidate whenever a listing changes.
type Catalogue struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logger.Logger
}

// NewCatalogue wraps client. A non-positive ttl selects the default.
func NewCatalogue(client *redis.Client, ttl time.Duration, log *logger.Logger) *Catalogue {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = logger.NewDefault("catalogue-cache")
	}
	return &Catalogue{client: client, key: defaultKey, ttl: ttl, log: log}
}

// Get returns the cached catalogue. ok is false on a miss.
func (c *Catalogue) Get(ctx context.Context) (assets []market.Asset, ok bool, err error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summaries []market.Summary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		// A corrupt entry is treated as a miss and replaced on the next Set.
		c.log.WithError(err).Warn("discarding undecodable catalogue entry")
		metrics.RecordCacheLookup(false)
		return nil, false, nil
	}

	assets = make([]market.Asset, 0, len(summaries))
	for _, s := range summaries {
		assets = append(assets, s.Asset())
	}
	metrics.RecordCacheLookup(true)
	return assets, true, nil
}

// Set stores the catalogue for the configured TTL.
func (c *Catalogue) Set(ctx context.Context, assets []market.Asset) error {
	summaries := make([]market.Summary, 0, len(assets))
	for _, a := range assets {
		summaries = append(summaries, a.Summary())
	}
	raw, err := json.Marshal(summaries)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, raw, c.ttl).Err()
}

// Invalidate drops the cached catalogue.
func (c *Catalogue) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

// Ping checks connectivity.
func (c *Catalogue) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
