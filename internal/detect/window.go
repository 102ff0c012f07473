package detect

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const windowShardCount = 32

// WindowStore tracks recent event timestamps per (api, client IP) key using
// a sliding window. Shards bound lock contention; each key's insert+prune is
// atomic under its shard lock, keys are independent of each other.
//
// State is in-memory only and lost on restart by design.
type WindowStore struct {
	shards [windowShardCount]*windowShard
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string][]float64
}

func NewWindowStore() *WindowStore {
	ws := &WindowStore{}
	for i := range ws.shards {
		ws.shards[i] = &windowShard{windows: make(map[string][]float64)}
	}
	return ws
}

func windowKey(apiID int64, clientIP string) string {
	return fmt.Sprintf("%d:%s", apiID, clientIP)
}

func (ws *WindowStore) shard(key string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ws.shards[h.Sum32()%windowShardCount]
}

// Add appends an event timestamp (epoch seconds), prunes entries at or before
// ts-window, and returns the resulting count including the new event.
func (ws *WindowStore) Add(apiID int64, clientIP string, ts float64, window time.Duration) int {
	key := windowKey(apiID, clientIP)
	cutoff := ts - window.Seconds()

	sh := ws.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := append(sh.windows[key], ts)
	pruned := kept[:0]
	for _, t := range kept {
		if t > cutoff {
			pruned = append(pruned, t)
		}
	}
	sh.windows[key] = pruned
	return len(pruned)
}

// Count returns the number of retained timestamps newer than ts-window
// without recording an event.
func (ws *WindowStore) Count(apiID int64, clientIP string, ts float64, window time.Duration) int {
	key := windowKey(apiID, clientIP)
	cutoff := ts - window.Seconds()

	sh := ws.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := 0
	for _, t := range sh.windows[key] {
		if t > cutoff {
			n++
		}
	}
	return n
}

// Sweep walks shards one at a time and drops timestamps at or before
// now-2*window, deleting keys that end up empty. It maintains the retention
// invariant for keys that stopped receiving traffic and therefore never
// prune on insert.
func (ws *WindowStore) Sweep(now time.Time, window time.Duration) (removedKeys int) {
	cutoff := float64(now.UnixNano())/1e9 - 2*window.Seconds()

	for _, sh := range ws.shards {
		sh.mu.Lock()
		for key, stamps := range sh.windows {
			kept := stamps[:0]
			for _, t := range stamps {
				if t > cutoff {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(sh.windows, key)
				removedKeys++
			} else {
				sh.windows[key] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removedKeys
}

// Keys reports the number of tracked keys across all shards.
func (ws *WindowStore) Keys() int {
	total := 0
	for _, sh := range ws.shards {
		sh.mu.Lock()
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	return total
}
