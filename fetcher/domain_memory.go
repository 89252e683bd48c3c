package fetcher

import (
	"sync"
	"time"
)

// memoryEntry is one remembered REST base with its expiry.
type memoryEntry struct {
	restBase  string
	expiresAt time.Time
}

// DomainMemory remembers the CMS REST API base discovered on each domain, so
// later pages from the same site can use the API even when their markup no
// longer links it. Entries expire after the TTL and are pruned periodically.
type DomainMemory struct {
	store sync.Map // host (string) -> *memoryEntry
	ttl   time.Duration
	now   func() time.Time
	done  chan struct{}
	once  sync.Once
}

// NewDomainMemory creates a DomainMemory with the given TTL and starts a
// background goroutine that prunes expired entries.
func NewDomainMemory(ttl time.Duration) *DomainMemory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	dm := &DomainMemory{
		ttl:  ttl,
		now:  time.Now,
		done: make(chan struct{}),
	}
	go dm.cleanupLoop(min(ttl, time.Hour))
	return dm
}

// RESTBase returns the remembered REST base for host, or "" if unknown or
// expired.
func (dm *DomainMemory) RESTBase(host string) string {
	val, ok := dm.store.Load(host)
	if !ok {
		return ""
	}
	entry := val.(*memoryEntry)
	if dm.now().After(entry.expiresAt) {
		dm.store.Delete(host)
		return ""
	}
	return entry.restBase
}

// SetRESTBase records the REST base that served content for host.
func (dm *DomainMemory) SetRESTBase(host, base string) {
	if host == "" || base == "" {
		return
	}
	dm.store.Store(host, &memoryEntry{
		restBase:  base,
		expiresAt: dm.now().Add(dm.ttl),
	})
}

// Forget drops host, e.g. after its remembered base stopped answering.
func (dm *DomainMemory) Forget(host string) {
	dm.store.Delete(host)
}

// Stop terminates the background cleanup goroutine. It is safe to call more
// than once.
func (dm *DomainMemory) Stop() {
	dm.once.Do(func() { close(dm.done) })
}

func (dm *DomainMemory) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-dm.done:
			return
		case <-ticker.C:
			dm.prune()
		}
	}
}

func (dm *DomainMemory) prune() {
	now := dm.now()
	dm.store.Range(func(key, value any) bool {
		if now.After(value.(*memoryEntry).expiresAt) {
			dm.store.Delete(key)
		}
		return true
	})
}
