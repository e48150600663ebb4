// ABOUTME: Shadow stack frames that hold managed addresses as conservative roots
// ABOUTME: Words held in open frames are scanned whenever the thread has heap pointers on its stack

package heap

// Frame is a region of the thread's shadow stack. Everything held after
// EnterFrame is dropped again by Leave.
type Frame struct {
	ts   *ThreadState
	base int
}

// EnterFrame opens a frame. Pair it with a deferred Leave.
func (ts *ThreadState) EnterFrame() Frame {
	return Frame{ts: ts, base: len(ts.stack)}
}

// HoldAddress keeps a on the shadow stack. a may point anywhere inside an
// object, or nowhere at all: conservative scanning ignores non-heap words.
func (f Frame) HoldAddress(a Address) {
	f.ts.stack = append(f.ts.stack, a)
}

func (f Frame) Leave() {
	clear(f.ts.stack[f.base:])
	f.ts.stack = f.ts.stack[:f.base]
}

// Hold keeps p alive for the life of the frame and returns it.
func Hold[T any](f Frame, p *T) *T {
	f.HoldAddress(addressOf(p))
	return p
}
