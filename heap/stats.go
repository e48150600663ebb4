// ABOUTME: Per-thread accounting of live object space and OS memory held by the heap
// ABOUTME: Sweeping recomputes both figures from scratch so they never drift

package heap

// HeapStats tracks the payload bytes of live objects and the bytes of page
// memory reserved to hold them.
type HeapStats struct {
	totalObjectSpace    uintptr
	totalAllocatedSpace uintptr
}

func (s HeapStats) TotalObjectSpace() uintptr    { return s.totalObjectSpace }
func (s HeapStats) TotalAllocatedSpace() uintptr { return s.totalAllocatedSpace }

func (s *HeapStats) increaseObjectSpace(n uintptr)    { s.totalObjectSpace += n }
func (s *HeapStats) decreaseObjectSpace(n uintptr)    { s.totalObjectSpace -= n }
func (s *HeapStats) increaseAllocatedSpace(n uintptr) { s.totalAllocatedSpace += n }
func (s *HeapStats) decreaseAllocatedSpace(n uintptr) { s.totalAllocatedSpace -= n }

func (s *HeapStats) clear() {
	*s = HeapStats{}
}

func (s *HeapStats) add(other HeapStats) {
	s.totalObjectSpace += other.totalObjectSpace
	s.totalAllocatedSpace += other.totalAllocatedSpace
}
