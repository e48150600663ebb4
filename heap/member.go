// ABOUTME: Member and WeakMember: single-word references stored inside managed objects
// ABOUTME: Strong members keep their target alive; weak members are cleared when it dies

package heap

import "unsafe"

func addressOf[T any](p *T) Address {
	return Address(unsafe.Pointer(p))
}

func pointerAt[T any](a Address) *T {
	if a == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(a))
}

// Member is a strong reference from one managed object to another. It must
// only be used as a field of a managed object and reported from Trace.
type Member[T Collectable] struct {
	raw Address
}

func (m *Member[T]) Get() *T          { return pointerAt[T](m.raw) }
func (m *Member[T]) Set(p *T)         { m.raw = addressOf(p) }
func (m *Member[T]) Clear()           { m.raw = 0 }
func (m *Member[T]) IsNil() bool      { return m.raw == 0 }
func (m *Member[T]) Address() Address { return m.raw }

// Release clears the member and returns what it pointed at.
func (m *Member[T]) Release() *T {
	p := m.Get()
	m.raw = 0
	return p
}

func (m *Member[T]) Trace(v Visitor) {
	MarkObject(v, m.raw)
}

// WeakMember refers to another managed object without keeping it alive. The
// collector clears it once the target is found unreachable.
type WeakMember[T Collectable] struct {
	raw Address
}

func (w *WeakMember[T]) Get() *T          { return pointerAt[T](w.raw) }
func (w *WeakMember[T]) Set(p *T)         { w.raw = addressOf(p) }
func (w *WeakMember[T]) Clear()           { w.raw = 0 }
func (w *WeakMember[T]) IsNil() bool      { return w.raw == 0 }
func (w *WeakMember[T]) Address() Address { return w.raw }

func (w *WeakMember[T]) Release() *T {
	p := w.Get()
	w.raw = 0
	return p
}

func (w *WeakMember[T]) Trace(v Visitor) {
	v.RegisterWeakCell(addressOf(&w.raw), clearDeadWeakCell)
}
