// ABOUTME: Chained LIFO stack of (object, callback) pairs used to drive marking and weak processing
// ABOUTME: Storage grows one fixed-size segment at a time and shrinks back as segments drain

package callbackstack

// BufferSize is the number of items held by a single segment.
const BufferSize = 8000

// Item pairs an object address with the callback to invoke on it.
type Item[C any] struct {
	Object   uintptr
	Callback C
}

type segment[C any] struct {
	buffer  [BufferSize]Item[C]
	current int
	next    *segment[C]
}

// Stack is a segmented LIFO. It is not safe for concurrent use; the collector
// only touches it while every other thread is stopped.
type Stack[C any] struct {
	top      *segment[C]
	segments int
}

func New[C any]() *Stack[C] {
	return &Stack[C]{top: &segment[C]{}, segments: 1}
}

// Push appends an item, chaining a fresh segment when the current one is full.
func (s *Stack[C]) Push(object uintptr, callback C) {
	if s.top.current == BufferSize {
		s.top = &segment[C]{next: s.top}
		s.segments++
	}
	s.top.buffer[s.top.current] = Item[C]{Object: object, Callback: callback}
	s.top.current++
}

// Pop removes the most recently pushed item. Exhausted segments are unlinked
// so memory is given back as the stack drains.
func (s *Stack[C]) Pop() (Item[C], bool) {
	for s.top.current == 0 {
		if s.top.next == nil {
			var zero Item[C]
			return zero, false
		}
		s.top = s.top.next
		s.segments--
	}
	s.top.current--
	item := s.top.buffer[s.top.current]
	s.top.buffer[s.top.current] = Item[C]{}
	return item, true
}

// PopAndInvoke pops one item and hands it to fn. It reports false once the
// stack is empty.
func (s *Stack[C]) PopAndInvoke(fn func(Item[C])) bool {
	item, ok := s.Pop()
	if !ok {
		return false
	}
	fn(item)
	return true
}

func (s *Stack[C]) IsEmpty() bool {
	return s.top.current == 0 && s.top.next == nil
}

// Len counts the items across all segments.
func (s *Stack[C]) Len() int {
	n := 0
	for seg := s.top; seg != nil; seg = seg.next {
		n += seg.current
	}
	return n
}

func (s *Stack[C]) Segments() int {
	return s.segments
}

// Clear drops every item and all but one segment.
func (s *Stack[C]) Clear() {
	s.top = &segment[C]{}
	s.segments = 1
}

// Each visits every item from the most recent to the oldest without removing
// anything.
func (s *Stack[C]) Each(fn func(Item[C])) {
	for seg := s.top; seg != nil; seg = seg.next {
		for i := seg.current - 1; i >= 0; i-- {
			fn(seg.buffer[i])
		}
	}
}
