package channel

const minRingSize = 8

// ring is a growable FIFO buffer.
type ring[T any] struct {
	items []T
	head  int
	n     int
}

func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) push(v T) {
	if r.n == len(r.items) {
		r.grow()
	}
	r.items[(r.head+r.n)%len(r.items)] = v
	r.n++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.n--
	if r.n == 0 {
		r.head = 0
	}
	return v, true
}

func (r *ring[T]) reset() {
	r.items = nil
	r.head = 0
	r.n = 0
}

func (r *ring[T]) grow() {
	size := len(r.items) * 2
	if size < minRingSize {
		size = minRingSize
	}
	items := make([]T, size)
	for i := 0; i < r.n; i++ {
		items[i] = r.items[(r.head+i)%len(r.items)]
	}
	r.items = items
	r.head = 0
}
