package localstore

import (
	"sort"
	"sync"
)

// keyedMutex serializes work per entity key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires every key in sorted order and returns the release func.
// Duplicate keys are collapsed.
func (k *keyedMutex) Lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for _, key := range sorted {
		if len(uniq) == 0 || key != uniq[len(uniq)-1] {
			uniq = append(uniq, key)
		}
	}

	entries := make([]*keyedEntry, len(uniq))
	k.mu.Lock()
	for i, key := range uniq {
		e, ok := k.locks[key]
		if !ok {
			e = &keyedEntry{}
			k.locks[key] = e
		}
		e.refs++
		entries[i] = e
	}
	k.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, key := range uniq {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}

func entityKey(entity, id string) string {
	return entity + ":" + id
}
