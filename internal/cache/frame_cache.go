package cache

import (
	"sync"

	"framebufd/internal/logger"
	"framebufd/internal/metrics"
	"framebufd/internal/models"

	"github.com/golang/groupcache/lru"
)

// FrameKey identifies a cached frame.
type FrameKey struct {
	Source string
	Frame  int
}

// EvictFunc is called for every frame dropped to make room for a newer one.
type EvictFunc func(key FrameKey)

// FrameCache is a thread-safe, capacity-bounded LRU cache of frames shared by all sessions.
type FrameCache struct {
	mutex   sync.Mutex
	cache   *lru.Cache
	keys    map[string]map[int]struct{} // Keyed by source ID
	logger  logger.Logger
	onEvict EvictFunc

	// Guarded by mutex; drained after every Add.
	explicit bool
	evicted  []FrameKey
}

// New creates a FrameCache holding at most maxFrames frames. onEvict may be nil.
func New(log logger.Logger, maxFrames int, onEvict EvictFunc) *FrameCache {
	fc := &FrameCache{
		cache:   lru.New(maxFrames),
		keys:    make(map[string]map[int]struct{}),
		logger:  log,
		onEvict: onEvict,
	}
	fc.cache.OnEvicted = fc.onEvicted
	return fc
}

// onEvicted runs under fc.mutex for both capacity evictions and explicit removals.
func (fc *FrameCache) onEvicted(key lru.Key, _ interface{}) {
	k := key.(FrameKey)
	if frames, ok := fc.keys[k.Source]; ok {
		delete(frames, k.Frame)
		if len(frames) == 0 {
			delete(fc.keys, k.Source)
		}
	}
	if !fc.explicit {
		fc.evicted = append(fc.evicted, k)
	}
}

// Add stores a frame, evicting the least recently used frames if over capacity.
// The eviction callback is invoked after the cache lock is released.
func (fc *FrameCache) Add(frame models.Frame) {
	key := FrameKey{Source: frame.Source, Frame: frame.Index}

	fc.mutex.Lock()
	fc.cache.Add(key, frame)
	frames, ok := fc.keys[key.Source]
	if !ok {
		frames = make(map[int]struct{})
		fc.keys[key.Source] = frames
	}
	frames[key.Frame] = struct{}{}
	evicted := fc.evicted
	fc.evicted = nil
	fc.mutex.Unlock()

	fc.logger.Debugf("Cached frame %d of %s, size: %d bytes", frame.Index, frame.Source, frame.Size())

	if len(evicted) == 0 {
		return
	}
	metrics.CounterCacheEvictions.Add(float64(len(evicted)))
	fc.logger.Debugf("Evicted %d frames from cache to stay within capacity.", len(evicted))
	if fc.onEvict != nil {
		for _, k := range evicted {
			fc.onEvict(k)
		}
	}
}

// Get retrieves a frame and marks it as recently used.
func (fc *FrameCache) Get(source string, frame int) (models.Frame, bool) {
	fc.mutex.Lock()
	v, found := fc.cache.Get(FrameKey{Source: source, Frame: frame})
	fc.mutex.Unlock()

	if !found {
		metrics.CounterCacheMisses.Inc()
		return models.Frame{}, false
	}
	metrics.CounterCacheHits.Inc()
	return v.(models.Frame), true
}

// RemoveSource drops every frame of source and returns how many were removed.
func (fc *FrameCache) RemoveSource(source string) int {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	frames := fc.keys[source]
	removed := len(frames)
	fc.explicit = true
	for frame := range frames {
		fc.cache.Remove(FrameKey{Source: source, Frame: frame})
	}
	fc.explicit = false
	return removed
}

// Len returns the number of cached frames.
func (fc *FrameCache) Len() int {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	return fc.cache.Len()
}
