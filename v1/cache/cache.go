package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found. An error is returned if
	// retrieving the value fails.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL. A
	// non-positive TTL stores the value without expiry.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an in-process LRU cache with TTL support.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	now           func() time.Time
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the cache; the least recently used entry is evicted
// first. A non-positive value means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithMetrics registers hit, miss and eviction counters on reg.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_cache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_cache_evictions_total",
			Help: "Total number of cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithNow replaces the clock used for expiry.
func WithNow[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.now = now
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache. Expired items are swept every
// minute unless WithSweepInterval says otherwise.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && c.expired(it) {
		c.removeLocked(key, it)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		inc(c.missCounter)
		return zero, false, nil
	}
	c.order.MoveToFront(it.element)
	c.mu.Unlock()
	c.hits.Add(1)
	inc(c.hitCounter)
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.removeLocked(k, c.items[k])
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(key, it)
	}
	return nil
}

func (c *InMemoryCache[T]) expired(it item[T]) bool {
	return !it.expiresAt.IsZero() && !c.now().Before(it.expiresAt)
}

func (c *InMemoryCache[T]) removeLocked(key string, it item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	inc(c.evictionCounter)
}

// sweeper samples entries like Redis does and repeats while a large share
// of the sample turned out to be expired.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)
	for {
		select {
		case <-ticker.C:
			for {
				expired, checked := 0, 0
				c.mu.Lock()
				for k, it := range c.items {
					checked++
					if c.expired(it) {
						c.removeLocked(k, it)
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				c.mu.Unlock()
				if float64(expired) < sampleSize*evictionRatio {
					break
				}
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper and drops every entry.
func (c *InMemoryCache[T]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
