package core

import (
	"sync"

	"github.com/encodeous/weft/state"
	"github.com/jellydator/ttlcache/v3"
)

// MessageBuffer remembers the most recent message ids. Entries are evicted in insertion
// order once the capacity is reached; lookups never reorder the buffer.
type MessageBuffer struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

func NewMessageBuffer(capacity uint64) *MessageBuffer {
	if capacity == 0 {
		capacity = state.DedupCapacity
	}
	return &MessageBuffer{
		cache: ttlcache.New[string, []byte](
			ttlcache.WithCapacity[string, []byte](capacity),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}
}

// Remember records the message and reports whether it had been seen before
func (b *MessageBuffer) Remember(id string, content []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Has does not move the entry to the front, GetOrSet would
	if b.cache.Has(id) {
		return true
	}
	b.cache.Set(id, content, ttlcache.NoTTL)
	return false
}

func (b *MessageBuffer) Seen(id string) bool {
	return b.cache.Has(id)
}

func (b *MessageBuffer) Content(id string) ([]byte, bool) {
	item, ok := b.cache.Items()[id]
	if !ok {
		return nil, false
	}
	return item.Value(), true
}

// Ids returns the remembered ids, oldest first
func (b *MessageBuffer) Ids() []string {
	var ids []string
	b.cache.RangeBackwards(func(item *ttlcache.Item[string, []byte]) bool {
		ids = append(ids, item.Key())
		return true
	})
	return ids
}

func (b *MessageBuffer) Len() int {
	return b.cache.Len()
}
