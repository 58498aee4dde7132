package concurrency

// StripedMap is a Ring-guarded map, generalized from a single big lock
// (ExWriteAll for mutation, ReadAll for reads) into a generic
// container. It is deliberately the simplest of the lock styles a
// Ring can express: one Ring guards the whole map. InternTable uses
// neither this type nor Ring; its buckets carry their own atomic
// spinlocks. StripedMap is for the smaller, lower-contention tables in
// this module: the process registry and the heap-profiler's per-site
// stats table.
type StripedMap[K comparable, V any] struct {
	rb    Ring
	inner map[K]V
}

func (m *StripedMap[K, V]) init() {
	if m.inner == nil {
		m.inner = make(map[K]V, 8)
	}
}

func (m *StripedMap[K, V]) Load(key K) (value V, ok bool) {
	if m == nil {
		return value, false
	}
	_ = m.rb.ReadAll(func(uint16, uint16) error {
		value, ok = m.inner[key]
		return nil
	})
	return
}

func (m *StripedMap[K, V]) Store(key K, value V) {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		m.init()
		m.inner[key] = value
		return nil
	})
}

func (m *StripedMap[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		m.init()
		previous, loaded = m.inner[key]
		m.inner[key] = value
		return nil
	})
	return
}

func (m *StripedMap[K, V]) Delete(key K) {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		if m.inner != nil {
			delete(m.inner, key)
		}
		return nil
	})
}

func (m *StripedMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		if m.inner == nil {
			return nil
		}
		value, loaded = m.inner[key]
		delete(m.inner, key)
		return nil
	})
	return
}

func (m *StripedMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		m.init()
		actual, loaded = m.inner[key]
		if !loaded {
			m.inner[key] = value
			actual = value
		}
		return nil
	})
	return
}

// Range copies the table under the shared-read lane (a Ring, like a Go
// map, does not allow nested calls back into the guarded region) and
// iterates the copy, stopping early if f returns false.
func (m *StripedMap[K, V]) Range(f func(key K, value V) bool) {
	cp := make(map[K]V)
	_ = m.rb.ReadAll(func(uint16, uint16) error {
		for k, v := range m.inner {
			cp[k] = v
		}
		return nil
	})
	for k, v := range cp {
		if !f(k, v) {
			break
		}
	}
}

func (m *StripedMap[K, V]) Clear() {
	_ = m.rb.ExWriteAll(func(uint16, uint16) error {
		m.inner = nil
		return nil
	})
}

func (m *StripedMap[K, V]) Len() int {
	n := 0
	_ = m.rb.ReadAll(func(uint16, uint16) error {
		n = len(m.inner)
		return nil
	})
	return n
}
