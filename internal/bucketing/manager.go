package bucketing

import (
	"hash"
	"sync"
	"time"

	"haven-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable partition buckets to users and lifecycle events.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg config.BucketingConfig) *Manager {
	m := &Manager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
	}
	if m.userBuckets <= 0 {
		m.userBuckets = 1
	}
	if m.eventBuckets <= 0 {
		m.eventBuckets = 1
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// UserBucket returns the users_by_id partition bucket for an internal user id
// (0 to userBuckets-1).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

// EventBucket returns the bucket used to spread audit rows for one identity.
func (m *Manager) EventBucket(clerkID string) int {
	return m.bucket(clerkID, m.eventBuckets)
}

// DateBucket returns the UTC day an event falls into.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// AllUserBuckets lists every user bucket, for scans that must visit each partition.
func (m *Manager) AllUserBuckets() []int {
	out := make([]int, m.userBuckets)
	for i := range out {
		out[i] = i
	}
	return out
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) bucket(key string, n int) int {
	return int(m.hash(key) % uint64(n))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
