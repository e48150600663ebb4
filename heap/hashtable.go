// ABOUTME: Open addressing hash sets and maps keyed by managed object addresses
// ABOUTME: Weak variants drop entries whose key died, from a weak callback run before the owner sweeps

package heap

import (
	"fmt"
)

// Key words of a table slot. Anything above deletedKey is an object address.
const (
	emptyKey   Address = 0
	deletedKey Address = 1

	minTableCapacity = 8
)

// tableKind fixes the slot layout of a backing and how it is traced.
type tableKind struct {
	slotWords uintptr
	weak      bool
	info      *GCInfo
}

var (
	setTable     = &tableKind{slotWords: 1, info: RegisterGCInfo("heap.hashSetBacking", traceSetBacking, nil)}
	weakSetTable = &tableKind{slotWords: 1, weak: true, info: RegisterGCInfo("heap.weakHashSetBacking", nil, nil)}
	mapTable     = &tableKind{slotWords: 2, info: RegisterGCInfo("heap.hashMapBacking", traceMapBacking, nil)}
	weakMapTable = &tableKind{slotWords: 2, weak: true, info: RegisterGCInfo("heap.weakHashMapBacking", traceWeakMapBacking, nil)}
)

func isLiveKey(k Address) bool { return k > deletedKey }

func traceSetBacking(v Visitor, obj Address) {
	words := HeaderFromPayload(obj).PayloadSize() / wordSize
	for i := uintptr(0); i < words; i++ {
		if k := *addressAt(obj + i*wordSize); isLiveKey(k) {
			MarkObject(v, k)
		}
	}
}

func traceMapBacking(v Visitor, obj Address) {
	slots := HeaderFromPayload(obj).PayloadSize() / (2 * wordSize)
	for i := uintptr(0); i < slots; i++ {
		slot := obj + i*2*wordSize
		if k := *addressAt(slot); isLiveKey(k) {
			MarkObject(v, k)
			MarkObject(v, *addressAt(slot + wordSize))
		}
	}
}

// Values of a weak map are strong; only the keys are weak.
func traceWeakMapBacking(v Visitor, obj Address) {
	slots := HeaderFromPayload(obj).PayloadSize() / (2 * wordSize)
	for i := uintptr(0); i < slots; i++ {
		slot := obj + i*2*wordSize
		if isLiveKey(*addressAt(slot)) {
			MarkObject(v, *addressAt(slot + wordSize))
		}
	}
}

// hashTable is the linear probing table shared by the set and map types.
// capacity is a power of two.
type hashTable struct {
	buffer   Address
	capacity uintptr
	size     uintptr
	deleted  uintptr
}

func hashAddress(a Address) uintptr {
	h := uint64(a>>3) * 0x9e3779b97f4a7c15
	return uintptr(h ^ h>>32)
}

func (t *hashTable) slotAt(kind *tableKind, i uintptr) Address {
	return t.buffer + i*kind.slotWords*wordSize
}

// find returns the slot holding key, or zero.
func (t *hashTable) find(kind *tableKind, key Address) Address {
	if t.capacity == 0 || !isLiveKey(key) {
		return 0
	}
	mask := t.capacity - 1
	for i, n := hashAddress(key)&mask, uintptr(0); n < t.capacity; i, n = (i+1)&mask, n+1 {
		slot := t.slotAt(kind, i)
		switch *addressAt(slot) {
		case key:
			return slot
		case emptyKey:
			return 0
		}
	}
	return 0
}

// insert stores key, and value for maps, growing the backing on ts first if
// needed. It reports whether key was new.
func (t *hashTable) insert(ts *ThreadState, kind *tableKind, key, value Address) (bool, error) {
	if !isLiveKey(key) {
		return false, fmt.Errorf("insert %#x into %s: %w", key, kind.info.Name, ErrInvalidKey)
	}
	if slot := t.find(kind, key); slot != 0 {
		if kind.slotWords == 2 {
			*addressAt(slot + wordSize) = value
		}
		return false, nil
	}
	if (t.size+t.deleted+1)*4 > t.capacity*3 {
		if err := t.rehash(ts, kind); err != nil {
			return false, err
		}
	}
	t.place(kind, key, value)
	t.size++
	return true, nil
}

// place puts a key known to be absent into the first free or deleted slot.
func (t *hashTable) place(kind *tableKind, key, value Address) {
	mask := t.capacity - 1
	for i := hashAddress(key) & mask; ; i = (i + 1) & mask {
		slot := t.slotAt(kind, i)
		k := *addressAt(slot)
		if isLiveKey(k) {
			continue
		}
		if k == deletedKey {
			t.deleted--
		}
		*addressAt(slot) = key
		if kind.slotWords == 2 {
			*addressAt(slot + wordSize) = value
		}
		return
	}
}

// rehash moves the live entries to a fresh backing sized for twice as many.
// A collection may run while it is allocated, which can only shrink the old
// table.
func (t *hashTable) rehash(ts *ThreadState, kind *tableKind) error {
	capacity := uintptr(minTableCapacity)
	for capacity*3 < (t.size+1)*2*4 {
		capacity *= 2
	}
	buffer, err := ts.Allocate(capacity*kind.slotWords*wordSize, kind.info)
	if err != nil {
		return fmt.Errorf("grow %s to %d slots: %w", kind.info.Name, capacity, err)
	}
	old := *t
	*t = hashTable{buffer: buffer, capacity: capacity}
	for i := uintptr(0); i < old.capacity; i++ {
		slot := old.slotAt(kind, i)
		if k := *addressAt(slot); isLiveKey(k) {
			var value Address
			if kind.slotWords == 2 {
				value = *addressAt(slot + wordSize)
			}
			t.place(kind, k, value)
			t.size++
		}
	}
	return nil
}

func (t *hashTable) removeSlot(kind *tableKind, slot Address) {
	*addressAt(slot) = deletedKey
	if kind.slotWords == 2 {
		*addressAt(slot + wordSize) = 0
	}
	t.size--
	t.deleted++
}

func (t *hashTable) remove(kind *tableKind, key Address) bool {
	slot := t.find(kind, key)
	if slot == 0 {
		return false
	}
	t.removeSlot(kind, slot)
	return true
}

func (t *hashTable) each(kind *tableKind, fn func(key, value Address) bool) {
	for i := uintptr(0); i < t.capacity; i++ {
		slot := t.slotAt(kind, i)
		k := *addressAt(slot)
		if !isLiveKey(k) {
			continue
		}
		var value Address
		if kind.slotWords == 2 {
			value = *addressAt(slot + wordSize)
		}
		if !fn(k, value) {
			return
		}
	}
}

func (t *hashTable) trace(v Visitor, kind *tableKind, callback WeakPointerCallback) {
	if t.buffer == 0 {
		return
	}
	MarkObject(v, t.buffer)
	if kind.weak {
		v.RegisterWeakMembers(addressOf(t), t.buffer, callback)
	}
}

// removeDeadKeys drops entries whose key was not marked. It runs on the
// owning thread before that thread sweeps, so dead keys still have headers.
func (t *hashTable) removeDeadKeys(v Visitor, kind *tableKind) {
	for i := uintptr(0); i < t.capacity; i++ {
		slot := t.slotAt(kind, i)
		if k := *addressAt(slot); isLiveKey(k) && !IsAlive(v, k) {
			t.removeSlot(kind, slot)
		}
	}
}

func removeDeadSetKeys(v Visitor, closure Address) {
	pointerAt[hashTable](closure).removeDeadKeys(v, weakSetTable)
}

func removeDeadMapKeys(v Visitor, closure Address) {
	pointerAt[hashTable](closure).removeDeadKeys(v, weakMapTable)
}

// HeapHashSet is a set of strong references. Its zero value is empty. Like
// HeapVector it lives inside a managed object that traces it.
type HeapHashSet[T Collectable] struct {
	table hashTable
}

func (s *HeapHashSet[T]) Len() int           { return int(s.table.size) }
func (s *HeapHashSet[T]) Contains(p *T) bool { return s.table.find(setTable, addressOf(p)) != 0 }
func (s *HeapHashSet[T]) Remove(p *T) bool   { return s.table.remove(setTable, addressOf(p)) }
func (s *HeapHashSet[T]) Clear()             { s.table = hashTable{} }
func (s *HeapHashSet[T]) Trace(v Visitor)    { s.table.trace(v, setTable, nil) }
func (s *HeapHashSet[T]) Capacity() int      { return int(s.table.capacity) }

// Add inserts p and reports whether it was new. p must be reachable: the
// backing may grow, and a collection may run, on ts.
func (s *HeapHashSet[T]) Add(ts *ThreadState, p *T) (bool, error) {
	return s.table.insert(ts, setTable, addressOf(p), 0)
}

func (s *HeapHashSet[T]) Each(fn func(p *T) bool) {
	s.table.each(setTable, func(k, _ Address) bool { return fn(pointerAt[T](k)) })
}

// WeakHeapHashSet is a set that does not keep its elements alive. Elements
// that die leave the set when the thread owning the backing sweeps.
type WeakHeapHashSet[T Collectable] struct {
	table hashTable
}

func (s *WeakHeapHashSet[T]) Len() int { return int(s.table.size) }
func (s *WeakHeapHashSet[T]) Contains(p *T) bool {
	return s.table.find(weakSetTable, addressOf(p)) != 0
}
func (s *WeakHeapHashSet[T]) Remove(p *T) bool { return s.table.remove(weakSetTable, addressOf(p)) }
func (s *WeakHeapHashSet[T]) Clear()           { s.table = hashTable{} }

func (s *WeakHeapHashSet[T]) Add(ts *ThreadState, p *T) (bool, error) {
	return s.table.insert(ts, weakSetTable, addressOf(p), 0)
}

func (s *WeakHeapHashSet[T]) Each(fn func(p *T) bool) {
	s.table.each(weakSetTable, func(k, _ Address) bool { return fn(pointerAt[T](k)) })
}

// Trace keeps the backing alive and schedules the removal of dead elements.
// The set must be a field of a managed object.
func (s *WeakHeapHashSet[T]) Trace(v Visitor) {
	s.table.trace(v, weakSetTable, removeDeadSetKeys)
}

// HeapHashMap maps managed keys to managed values, both held strongly.
type HeapHashMap[K, V Collectable] struct {
	table hashTable
}

func (m *HeapHashMap[K, V]) Len() int           { return int(m.table.size) }
func (m *HeapHashMap[K, V]) Contains(k *K) bool { return m.table.find(mapTable, addressOf(k)) != 0 }
func (m *HeapHashMap[K, V]) Remove(k *K) bool   { return m.table.remove(mapTable, addressOf(k)) }
func (m *HeapHashMap[K, V]) Clear()             { m.table = hashTable{} }
func (m *HeapHashMap[K, V]) Trace(v Visitor)    { m.table.trace(v, mapTable, nil) }

func (m *HeapHashMap[K, V]) Get(k *K) *V {
	return lookupValue[V](&m.table, mapTable, addressOf(k))
}

// Set maps k to val and reports whether k was new. Both must be reachable
// while the backing grows.
func (m *HeapHashMap[K, V]) Set(ts *ThreadState, k *K, val *V) (bool, error) {
	return m.table.insert(ts, mapTable, addressOf(k), addressOf(val))
}

func (m *HeapHashMap[K, V]) Each(fn func(k *K, val *V) bool) {
	m.table.each(mapTable, func(k, val Address) bool { return fn(pointerAt[K](k), pointerAt[V](val)) })
}

// WeakHeapHashMap holds its keys weakly and its values strongly. An entry
// goes away once its key dies; its value is kept for that collection and
// freed by the next one unless referenced elsewhere.
type WeakHeapHashMap[K, V Collectable] struct {
	table hashTable
}

func (m *WeakHeapHashMap[K, V]) Len() int { return int(m.table.size) }
func (m *WeakHeapHashMap[K, V]) Contains(k *K) bool {
	return m.table.find(weakMapTable, addressOf(k)) != 0
}
func (m *WeakHeapHashMap[K, V]) Remove(k *K) bool { return m.table.remove(weakMapTable, addressOf(k)) }
func (m *WeakHeapHashMap[K, V]) Clear()           { m.table = hashTable{} }

func (m *WeakHeapHashMap[K, V]) Get(k *K) *V {
	return lookupValue[V](&m.table, weakMapTable, addressOf(k))
}

func (m *WeakHeapHashMap[K, V]) Set(ts *ThreadState, k *K, val *V) (bool, error) {
	return m.table.insert(ts, weakMapTable, addressOf(k), addressOf(val))
}

func (m *WeakHeapHashMap[K, V]) Each(fn func(k *K, val *V) bool) {
	m.table.each(weakMapTable, func(k, val Address) bool { return fn(pointerAt[K](k), pointerAt[V](val)) })
}

func (m *WeakHeapHashMap[K, V]) Trace(v Visitor) {
	m.table.trace(v, weakMapTable, removeDeadMapKeys)
}

func lookupValue[V any](t *hashTable, kind *tableKind, key Address) *V {
	slot := t.find(kind, key)
	if slot == 0 {
		return nil
	}
	return pointerAt[V](*addressAt(slot + wordSize))
}
