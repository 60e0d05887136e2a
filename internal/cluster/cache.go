package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps short-lived observation snapshots so status reads from the API
// don't turn into backend round trips between reconciliation polls.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) *Cache {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{Addr: redisURL}
	}

	return &Cache{
		client: redis.NewClient(opt),
		ttl:    ttl,
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func observationKey(tenantID string) string {
	return fmt.Sprintf("tenant:observation:%s", tenantID)
}

func (c *Cache) PutObservation(ctx context.Context, tenantID string, obs *Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, observationKey(tenantID), data, c.ttl).Err()
}

func (c *Cache) GetObservation(ctx context.Context, tenantID string) (*Observation, error) {
	data, err := c.client.Get(ctx, observationKey(tenantID)).Result()
	if err != nil {
		return nil, err
	}

	var obs Observation
	if err := json.Unmarshal([]byte(data), &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

func (c *Cache) DropObservation(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, observationKey(tenantID)).Err()
}
