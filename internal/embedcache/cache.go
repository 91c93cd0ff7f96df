package embedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// Entry is the stored value for one identity. Entries are written once and
// only ever replaced wholesale: the key pins the content, so a recomputation
// produces the same vector.
type Entry struct {
	Vector         []float32 `json:"vector"`
	UpdatedAt      time.Time `json:"updated_at"`
	OwningEntityID string    `json:"owning_entity_id,omitempty"`
}

// Cache is a content-addressed embedding cache over Redis. Reads need no
// locking; concurrent gets for the same key are served independently.
type Cache struct {
	client *redisv9.Client
}

func New(client *redisv9.Client) *Cache {
	return &Cache{client: client}
}

// Get returns the cached vector for the identity, or found=false on a miss.
func (c *Cache) Get(ctx context.Context, id Identity) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, id.Key()).Result()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get embedding failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached embedding failed: %w", err)
	}
	return entry.Vector, true, nil
}

// Put stores the vector under the identity's key. owningID is metadata only;
// it never participates in the key.
func (c *Cache) Put(ctx context.Context, id Identity, vector []float32, owningID string) error {
	payload, err := json.Marshal(Entry{
		Vector:         vector,
		UpdatedAt:      time.Now().UTC(),
		OwningEntityID: owningID,
	})
	if err != nil {
		return fmt.Errorf("marshal embedding entry failed: %w", err)
	}
	if err := c.client.Set(ctx, id.Key(), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set embedding failed: %w", err)
	}
	return nil
}

// Clear removes every cached embedding across all schema versions.
func (c *Cache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyNamespace+":*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis delete embeddings failed: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan embeddings failed: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis delete embeddings failed: %w", err)
		}
	}
	return nil
}
