package library

import (
	"sort"
	"sync"
)

// Latches serializes in-process writers per key (a book or a user) before they
// open a store transaction. There is one latch per key; all keys a writer
// needs are taken together so two writers can never hold overlapping sets.
type Latches struct {
	mu       sync.Mutex
	latchMap map[string]*sync.WaitGroup
}

// NewLatches creates an empty latch table shared by all sessions.
func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// acquire locks every key or, if any is held, returns the WaitGroup to wait on.
func (l *Latches) acquire(keys []string) *sync.WaitGroup {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		if wg, ok := l.latchMap[key]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keys {
		l.latchMap[key] = wg
	}
	return nil
}

// Lock blocks until all keys are latched and returns the function releasing them.
func (l *Latches) Lock(keys ...string) (unlock func()) {
	keys = dedupe(keys)
	for {
		wg := l.acquire(keys)
		if wg == nil {
			break
		}
		wg.Wait()
	}
	return func() { l.release(keys) }
}

func (l *Latches) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	l.latchMap[keys[0]].Done()
	for _, key := range keys {
		delete(l.latchMap, key)
	}
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

func bookLatch(id string) string { return "book/" + id }
func userLatch(id string) string { return "user/" + id }
