package numbering

import (
	"sort"
	"sync"

	"docnum/internal/core/numerator"
)

// keyLocks hands out one mutex per key. Keys are bounded by
// locations x operation types, so mutexes are never evicted.
//
// Every key holder also holds a read share of all; Exclusive takes it for
// writing and so waits out, and then blocks, every key including ones that
// have never been locked before.
type keyLocks struct {
	all   sync.RWMutex
	mu    sync.Mutex
	locks map[numerator.Key]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[numerator.Key]*sync.Mutex)}
}

func (l *keyLocks) get(key numerator.Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Lock acquires the mutex of key and returns its release function.
func (l *keyLocks) Lock(key numerator.Key) func() {
	l.all.RLock()
	m := l.get(key)
	m.Lock()
	return func() {
		m.Unlock()
		l.all.RUnlock()
	}
}

// Exclusive blocks until no key is held and keeps every key locked until
// the returned function is called. Callers must not hold a key lock.
func (l *keyLocks) Exclusive() func() {
	l.all.Lock()
	return l.all.Unlock
}

// LockAll acquires the mutexes of keys in a fixed order so that two
// callers with overlapping key sets cannot deadlock.
func (l *keyLocks) LockAll(keys []numerator.Key) func() {
	uniq := make(map[numerator.Key]struct{}, len(keys))
	ordered := make([]numerator.Key, 0, len(keys))
	for _, k := range keys {
		if _, dup := uniq[k]; dup {
			continue
		}
		uniq[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].OperationType != ordered[j].OperationType {
			return ordered[i].OperationType < ordered[j].OperationType
		}
		return ordered[i].Location < ordered[j].Location
	})

	// One read share for the whole set: a nested RLock could deadlock
	// behind a waiting Exclusive.
	l.all.RLock()
	held := make([]*sync.Mutex, 0, len(ordered))
	for _, k := range ordered {
		m := l.get(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		l.all.RUnlock()
	}
}
