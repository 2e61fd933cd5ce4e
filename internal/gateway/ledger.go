package gateway

import (
	"container/list"
	"sync"
)

// retryLedger counts refresh-and-retry attempts per request path.
// It tracks at most capacity paths; when full, the path tracked longest ago
// is forgotten, which re-arms one retry for it.
type retryLedger struct {
	mu       sync.Mutex
	ceiling  int
	capacity int
	counts   map[string]*list.Element
	order    *list.List
}

type ledgerEntry struct {
	path  string
	count int
}

func newRetryLedger(ceiling, capacity int) *retryLedger {
	if capacity <= 0 {
		capacity = 256
	}
	return &retryLedger{
		ceiling:  ceiling,
		capacity: capacity,
		counts:   make(map[string]*list.Element),
		order:    list.New(),
	}
}

// acquire reports whether path may still retry, and consumes one attempt if so
func (l *retryLedger) acquire(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.counts[path]; ok {
		entry := el.Value.(*ledgerEntry)
		if entry.count >= l.ceiling {
			return false
		}
		entry.count++
		return true
	}

	if l.ceiling <= 0 {
		return false
	}
	if l.order.Len() >= l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.counts, oldest.Value.(*ledgerEntry).path)
	}
	l.counts[path] = l.order.PushBack(&ledgerEntry{path: path, count: 1})
	return true
}

// attempts returns how many retries path has used
func (l *retryLedger) attempts(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.counts[path]; ok {
		return el.Value.(*ledgerEntry).count
	}
	return 0
}

func (l *retryLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
