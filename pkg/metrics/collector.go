package metrics

import (
	"sync"
	"time"
)

// UsageSource reports the bytes held by the local object store
type UsageSource interface {
	UsedBytes() int64
}

// QueueSource reports the number of tasks waiting on the control loop
type QueueSource interface {
	Pending() int
}

// Collector samples gauges that have no natural update point
type Collector struct {
	store    UsageSource
	loop     QueueSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(store UsageSource, loop QueueSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		loop:     loop,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	if c.store != nil {
		ObjectStoreUsedBytes.Set(float64(c.store.UsedBytes()))
	}
	if c.loop != nil {
		LoopQueueDepth.Set(float64(c.loop.Pending()))
	}
}
