package cluster

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustlab/clarion/pkg/models"
)

const (
	centroidSetKey    = "clarion:centroids"
	centroidKeyPrefix = "clarion:centroid:"
	centroidTTL       = 24 * time.Hour
)

// CentroidCache shares centroids between backend replicas through Redis so
// the incremental path survives a restart without hitting the database.
// Every method degrades to a no-op/miss on Redis errors; the cache is an
// accelerator, never a source of truth.
type CentroidCache struct {
	rdb *redis.Client
}

// NewCentroidCache connects and verifies the Redis endpoint.
func NewCentroidCache(ctx context.Context, addr, password string, db int) (*CentroidCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &CentroidCache{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (cc *CentroidCache) Close() error {
	return cc.rdb.Close()
}

// Put stores the full centroid set as one JSON blob.
func (cc *CentroidCache) Put(ctx context.Context, centroids []models.ClusterCentroid) {
	data, err := json.Marshal(centroids)
	if err != nil {
		return
	}
	if err := cc.rdb.Set(ctx, centroidSetKey, data, centroidTTL).Err(); err != nil {
		log.Printf("[Cluster] Centroid cache write failed: %v", err)
	}
}

// PutOne refreshes a single centroid alongside the set blob; readers that
// only need one cluster avoid deserializing the whole set.
func (cc *CentroidCache) PutOne(ctx context.Context, c models.ClusterCentroid) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	key := centroidKeyPrefix + strconv.Itoa(c.ClusterID)
	if err := cc.rdb.Set(ctx, key, data, centroidTTL).Err(); err != nil {
		log.Printf("[Cluster] Centroid cache write failed: %v", err)
	}
}

// Get loads the centroid set; ok=false on miss or any Redis error.
func (cc *CentroidCache) Get(ctx context.Context) ([]models.ClusterCentroid, bool) {
	data, err := cc.rdb.Get(ctx, centroidSetKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Cluster] Centroid cache read failed: %v", err)
		}
		return nil, false
	}
	var centroids []models.ClusterCentroid
	if err := json.Unmarshal(data, &centroids); err != nil {
		return nil, false
	}
	return centroids, true
}

// Invalidate drops the cached set, forcing the next Load through the store.
func (cc *CentroidCache) Invalidate(ctx context.Context) {
	if err := cc.rdb.Del(ctx, centroidSetKey).Err(); err != nil {
		log.Printf("[Cluster] Centroid cache invalidation failed: %v", err)
	}
}
