package network

import "sync"

// limiter caps concurrent connections per remote IP and concurrent inbound
// streams per remote node.
type limiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newLimiter(maxConns, maxStreams int) *limiter {
	return &limiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *limiter) acquireConn(ip string) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *limiter) releaseConn(ip string) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *limiter) acquireStream(node string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, node)
}

func (l *limiter) releaseStream(node string) {
	l.release(l.streamCounts, l.maxStreams, node)
}

func (l *limiter) acquire(counts map[string]int, limit int, key string) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[key] >= limit {
		return false
	}
	counts[key]++
	return true
}

func (l *limiter) release(counts map[string]int, limit int, key string) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}
