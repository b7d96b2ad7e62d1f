package document

import (
	"sync"
	"time"
)

// IDGenerator issues record ids of the form unixMillis*1000 + counter. Ids from
// one generator strictly increase even when the wall clock steps backwards.
type IDGenerator struct {
	mu         sync.Mutex
	now        func() time.Time
	lastMillis int64
	counter    int64
}

// NewIDGenerator builds a generator reading the provided clock; nil uses time.Now.
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

// Next returns the next id.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli()
	if millis < g.lastMillis {
		millis = g.lastMillis
	}
	if millis == g.lastMillis {
		g.counter++
		if g.counter >= 1000 {
			millis++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMillis = millis
	return millis*1000 + g.counter
}
