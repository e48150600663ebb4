// ABOUTME: Per-type garbage collection metadata: trace and finalize callbacks plus heap placement
// ABOUTME: GCInfo is registered once per Go type and referenced from headers by a small index

package heap

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"
)

// GarbageCollected marks a struct as living on the general managed heap.
// Embed it as the first field.
type GarbageCollected struct{}

func (GarbageCollected) garbageCollected() {}

// Typed marks a struct whose instances get a heap of their own on every
// thread. Such objects use the smaller header because the page carries their
// GCInfo.
type Typed struct{ GarbageCollected }

func (Typed) typedHeap() {}

// Collectable is satisfied by structs embedding GarbageCollected or Typed.
type Collectable interface {
	garbageCollected()
}

type typedCollectable interface {
	typedHeap()
}

// Tracer is implemented by managed types to report their outgoing references.
type Tracer interface {
	Trace(v Visitor)
}

// Finalizer is implemented by managed types that must run code when the
// collector reclaims them. Finalize must not touch other managed objects.
type Finalizer interface {
	Finalize()
}

type (
	TraceCallback        func(v Visitor, obj Address)
	WeakPointerCallback  func(v Visitor, closure Address)
	FinalizationCallback func(obj Address)
)

// GCInfo describes how the collector traces and finalizes one kind of object.
type GCInfo struct {
	Name     string
	Trace    TraceCallback
	Finalize FinalizationCallback

	index     uint32
	heapIndex int
	size      uintptr
}

func (i *GCInfo) Index() uint32      { return i.index }
func (i *GCInfo) HasFinalizer() bool { return i.Finalize != nil }
func (i *GCInfo) Typed() bool        { return i.heapIndex != gcInfoHeapIndex }

// Size is the payload size of the registered Go type, or zero for raw
// allocations whose size is chosen per call.
func (i *GCInfo) Size() uintptr { return i.size }

var gcInfos = struct {
	mu            sync.Mutex
	table         atomic.Pointer[[]*GCInfo]
	byType        sync.Map // reflect.Type -> *GCInfo
	nextHeapIndex int
}{nextHeapIndex: gcInfoHeapIndex + 1}

// gcInfoTable returns the published table. Registration may happen from
// package variable initializers, before any init function has run, so an
// unset table reads as the initial one. Index zero stays unused so a zeroed
// header never resolves.
func gcInfoTable() []*GCInfo {
	if table := gcInfos.table.Load(); table != nil {
		return *table
	}
	return []*GCInfo{nil}
}

func gcInfoAt(index uint32) *GCInfo {
	table := gcInfoTable()
	if int(index) >= len(table) {
		return nil
	}
	return table[index]
}

// register publishes info under a fresh index. Callers hold gcInfos.mu.
func register(info *GCInfo, typed bool) *GCInfo {
	old := gcInfoTable()
	table := make([]*GCInfo, len(old), len(old)+1)
	copy(table, old)
	info.index = uint32(len(table))
	info.heapIndex = gcInfoHeapIndex
	if typed {
		info.heapIndex = gcInfos.nextHeapIndex
		gcInfos.nextHeapIndex++
	}
	table = append(table, info)
	gcInfos.table.Store(&table)
	return info
}

// RegisterGCInfo registers metadata for raw allocations on the general heap,
// such as buffers whose layout is managed by hand.
func RegisterGCInfo(name string, trace TraceCallback, finalize FinalizationCallback) *GCInfo {
	gcInfos.mu.Lock()
	defer gcInfos.mu.Unlock()
	return register(&GCInfo{Name: name, Trace: trace, Finalize: finalize}, false)
}

// GCInfoFor returns the metadata for T, registering it on first use. Types
// holding Go pointers are rejected: managed memory is invisible to the Go
// collector.
func GCInfoFor[T Collectable, PT interface {
	*T
	Tracer
}]() (*GCInfo, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if info, ok := gcInfos.byType.Load(t); ok {
		return info.(*GCInfo), nil
	}

	gcInfos.mu.Lock()
	defer gcInfos.mu.Unlock()
	if info, ok := gcInfos.byType.Load(t); ok {
		return info.(*GCInfo), nil
	}
	if err := checkPointerFree(t, t.String()); err != nil {
		return nil, err
	}

	info := &GCInfo{
		Name: t.String(),
		Trace: func(v Visitor, obj Address) {
			PT(unsafe.Pointer(obj)).Trace(v)
		},
		size: t.Size(),
	}
	if _, ok := any(PT(nil)).(Finalizer); ok {
		info.Finalize = func(obj Address) {
			any(PT(unsafe.Pointer(obj))).(Finalizer).Finalize()
		}
	}
	_, typed := any(PT(nil)).(typedCollectable)
	register(info, typed)
	gcInfos.byType.Store(t, info)
	return info, nil
}

func checkPointerFree(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan,
		reflect.Func, reflect.Interface, reflect.Slice, reflect.String:
		return fmt.Errorf("%s is a %s: %w", path, t.Kind(), ErrNotManaged)
	case reflect.Array:
		return checkPointerFree(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkPointerFree(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// traceCallbackOf returns the trace callback recorded for the object at obj.
func traceCallbackOf(obj Address) TraceCallback {
	if info := HeaderFromPayload(obj).GCInfo(); info != nil {
		return info.Trace
	}
	return nil
}
