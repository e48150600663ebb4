// ABOUTME: Two-way set associative cache from blink page addresses to the page owning them
// ABOUTME: Negative results are cached too; the cache is flushed whenever pages come or go

package heap

const (
	containsCacheOrder = 12
	containsCacheSize  = 1 << containsCacheOrder
	containsCacheMask  = containsCacheSize - 1
)

type containsCacheEntry struct {
	address Address
	page    basePage
}

// HeapContainsCache speeds up conservative pointer lookups.
type HeapContainsCache struct {
	entries    [containsCacheSize]containsCacheEntry
	hasEntries bool
}

func newHeapContainsCache() *HeapContainsCache {
	return &HeapContainsCache{}
}

// containsCacheHash always returns an even index. The entry there and the one
// after it form the set for a page.
func containsCacheHash(a Address) int {
	value := a >> blinkPageSizeLog2
	value ^= value >> containsCacheOrder
	value ^= value >> (containsCacheOrder * 2)
	value &= containsCacheMask
	return int(value &^ 1)
}

// lookup reports whether the blink page of a is cached and, if so, which page
// owns it. A cached nil page means the address is known not to be in the heap.
func (c *HeapContainsCache) lookup(a Address) (basePage, bool) {
	index := containsCacheHash(a)
	cachePage := roundToBlinkPageStart(a)
	for _, e := range c.entries[index : index+2] {
		if e.address == cachePage {
			return e.page, true
		}
	}
	return nil, false
}

// addEntry inserts a's blink page, demoting the previous first entry of the
// set to second place.
func (c *HeapContainsCache) addEntry(a Address, page basePage) {
	c.hasEntries = true
	index := containsCacheHash(a)
	c.entries[index+1] = c.entries[index]
	c.entries[index] = containsCacheEntry{address: roundToBlinkPageStart(a), page: page}
}

func (c *HeapContainsCache) flush() {
	if !c.hasEntries {
		return
	}
	clear(c.entries[:])
	c.hasEntries = false
}

func (c *HeapContainsCache) isEmpty() bool {
	return !c.hasEntries
}
