package dynamiccreds

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zncore/vault-agent/pkg/metrics"
)

const poolIdleTTL = 5 * time.Minute

// poolCache caches one DBClient per connection ID, closing evicted
// clients automatically. Grounded on the teacher's
// internal/infrastructure/cache Redis-wrapping idiom — here
// hashicorp/golang-lru/v2 plays the role Redis played there, as a
// bounded, TTL-evicting store behind a narrow interface.
type poolCache struct {
	mu      sync.Mutex
	lru     *lru.LRU[string, DBClient]
	metrics *metrics.DynamicCredsMetrics
}

func newPoolCache(size int, m *metrics.DynamicCredsMetrics) *poolCache {
	pc := &poolCache{metrics: m}
	pc.lru = lru.NewLRU[string, DBClient](size, func(key string, client DBClient) {
		_ = client.Close()
		if pc.metrics != nil {
			pc.metrics.PoolCacheEvictions.Inc()
		}
	}, poolIdleTTL)
	return pc
}

func (pc *poolCache) get(connectionID string) (DBClient, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lru.Get(connectionID)
}

func (pc *poolCache) put(connectionID string, client DBClient) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lru.Add(connectionID, client)
	if pc.metrics != nil {
		pc.metrics.PoolCacheSize.Set(float64(pc.lru.Len()))
	}
}

func (pc *poolCache) remove(connectionID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lru.Remove(connectionID)
	if pc.metrics != nil {
		pc.metrics.PoolCacheSize.Set(float64(pc.lru.Len()))
	}
}

// closeAll closes every cached client in parallel, per spec §4.8
// ("at shutdown all pools are closed in parallel").
func (pc *poolCache) closeAll() {
	pc.mu.Lock()
	keys := pc.lru.Keys()
	clients := make([]DBClient, 0, len(keys))
	for _, k := range keys {
		if c, ok := pc.lru.Peek(k); ok {
			clients = append(clients, c)
		}
		pc.lru.Remove(k)
	}
	pc.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c DBClient) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}
