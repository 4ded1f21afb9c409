package types

// Pair holds two owned resources in current/previous roles. Swap exchanges
// the roles without touching the resources themselves.
type Pair[T any] struct {
	items [2]T
	cur   int
}

// NewPair creates a pair where cur starts as the current item.
func NewPair[T any](cur, prev T) Pair[T] {
	return Pair[T]{items: [2]T{cur, prev}}
}

// Current returns the item written this frame.
func (p *Pair[T]) Current() T {
	return p.items[p.cur]
}

// Previous returns the item written during the previous frame.
func (p *Pair[T]) Previous() T {
	return p.items[1-p.cur]
}

// Swap exchanges the current and previous roles.
func (p *Pair[T]) Swap() {
	p.cur = 1 - p.cur
}

// Items returns both items in storage order.
func (p *Pair[T]) Items() [2]T {
	return p.items
}
