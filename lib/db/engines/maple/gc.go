package maple

import (
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple/internal"
)

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// startGC starts the garbage collector goroutine. It stops when the event
// queue is closed.
func (s *mapleStore) startGC() {
	s.gcDone = make(chan struct{})
	go s.runGC()
}

// runGC collects chains that received new versions and prunes them once no
// open snapshot can observe their older versions anymore.
func (s *mapleStore) runGC() {
	defer close(s.gcDone)

	gcTimer := time.NewTicker(s.opts.GCInterval)
	defer gcTimer.Stop()

	dirty := make(map[*internal.Table]map[db.RowKey]struct{})

	for {
		select {
		case event, ok := <-s.events.Recv():
			if !ok {
				return
			}
			keys, ok := dirty[event.Table]
			if !ok {
				keys = make(map[db.RowKey]struct{})
				dirty[event.Table] = keys
			}
			keys[event.Key] = struct{}{}

		case <-gcTimer.C:
			s.collect(dirty)
		}
	}
}

// advanceHorizon moves the horizon to the oldest pinned version (or the
// current version if nothing is pinned) and returns it.
func (s *mapleStore) advanceHorizon() db.Version {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	h := s.version.Load()
	if item, ok := s.pins.Peek(); ok && item.Priority < h {
		h = item.Priority
	}
	if h > s.horizon.Load() {
		s.horizon.Store(h)
	}
	return db.Version(s.horizon.Load())
}

// collect prunes all dirty chains below the horizon.
func (s *mapleStore) collect(dirty map[*internal.Table]map[db.RowKey]struct{}) {
	horizon := s.advanceHorizon()

	/*
		Note: pruning runs under the commit lock. A chain that becomes empty is removed
		from its table, and a concurrent commit must never append to a removed chain.
	*/
	s.commitMu.Lock()
	for tbl, keys := range dirty {
		for key := range keys {
			chain, ok := tbl.Rows.Load(key)
			if !ok {
				delete(keys, key)
				continue
			}
			if chain.Prune(horizon) {
				tbl.Rows.Delete(key)
				delete(keys, key)
				continue
			}
			if chain.Len() <= 1 {
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(dirty, tbl)
		}
	}
	s.commitMu.Unlock()

	// index caches of versions below the horizon can no longer be requested
	s.indexCache.Range(func(k indexCacheKey, _ map[string][]db.RowKey) bool {
		if k.version < horizon {
			s.indexCache.Delete(k)
		}
		return true
	})
}
