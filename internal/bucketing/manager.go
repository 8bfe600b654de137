package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"realtime-service/internal/config"
)

// BucketingManager assigns users to stable partition buckets so the users
// table can be scanned bucket-by-bucket and stats aggregation can fan out.
type BucketingManager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets: cfg.Bucketing.UserBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on hot paths
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// UserBucket returns the consistent bucket for a user id (0 to UserBuckets-1)
func (bm *BucketingManager) UserBucket(userID string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(userID))
	return int(hasher.Sum64() % uint64(bm.userBuckets))
}

// UserBuckets returns the configured bucket count
func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}

// DateBucket returns the UTC day bucket used by expiry index tables
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
