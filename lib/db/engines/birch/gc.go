package birch

import (
	"sync"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
)

// gcEvent lists the keys of one index written by a commit
type gcEvent struct {
	idx  *index
	keys []db.Key
}

// collector prunes versions that no pinned snapshot can see anymore.
//
// Commits push the keys they wrote onto the clock's event queue. Each round
// drains the queue into the pending set, computes the watermark (the oldest
// pinned snapshot) and prunes every pending key. Keys whose chain still holds
// versions a reader may need stay pending for later rounds.
type collector struct {
	clock    *clock
	interval time.Duration

	// mu makes the collector the single consumer of the event queue
	mu      sync.Mutex
	pending map[*index]map[db.Key]struct{}

	done    chan struct{}
	stopped sync.WaitGroup
}

// gcStats describes one collection round
type gcStats struct {
	Watermark uint64
	Events    int
	Pruned    int
	Removed   int
	Pending   int
}

func newCollector(c *clock, interval time.Duration) *collector {
	return &collector{
		clock:    c,
		interval: interval,
		pending:  make(map[*index]map[db.Key]struct{}),
		done:     make(chan struct{}),
	}
}

// start runs the collector in the background until stop is called
func (g *collector) start() {
	g.stopped.Add(1)
	go g.loop()
}

// stop ends the background loop and waits for it. Calling stop twice panics.
func (g *collector) stop() {
	close(g.done)
	g.stopped.Wait()
}

// loop runs a round per interval, but only while there is work
func (g *collector) loop() {
	defer g.stopped.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	dirty, backlog := false, 0
	for {
		select {
		case <-g.done:
			return
		case <-g.clock.events.Notify():
			dirty = true
		case <-ticker.C:
			if !dirty && backlog == 0 {
				continue
			}
			stats := g.run()
			dirty, backlog = false, stats.Pending
			if stats.Pruned > 0 || stats.Removed > 0 {
				Logger.Debugf("gc round: watermark %d, %d events, %d versions pruned, %d entries removed, %d keys pending",
					stats.Watermark, stats.Events, stats.Pruned, stats.Removed, stats.Pending)
			}
		}
	}
}

// run executes one collection round
func (g *collector) run() gcStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats gcStats
	stats.Events = g.clock.events.Drain(func(e gcEvent) {
		keys, ok := g.pending[e.idx]
		if !ok {
			keys = make(map[db.Key]struct{}, len(e.keys))
			g.pending[e.idx] = keys
		}
		for _, k := range e.keys {
			keys[k] = struct{}{}
		}
	})

	stats.Watermark = g.clock.watermark()

	for idx, keys := range g.pending {
		if idx.dropped.Load() {
			delete(g.pending, idx)
			continue
		}

		pruned, removed := idx.prune(keys, stats.Watermark)
		stats.Pruned += pruned
		stats.Removed += removed

		if len(keys) == 0 {
			delete(g.pending, idx)
		} else {
			stats.Pending += len(keys)
		}
	}

	g.clock.metrics.gcPruned.Add(stats.Pruned)
	g.clock.metrics.gcRemoved.Add(stats.Removed)
	return stats
}

// backlog returns the number of queued events and pending keys
func (g *collector) backlog() (events, keys int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, k := range g.pending {
		keys += len(k)
	}
	return g.clock.events.Len(), keys
}
