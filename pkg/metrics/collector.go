package metrics

import "time"

// StatsSource supplies the values the collector polls into its gauges.
// It is an interface so pkg/metrics does not import the packages that
// own those values; no type in this repository implements it.
type StatsSource interface {
	CachedWorkerCount() int
	MemoryPermitsHeldBytes() int64
	AssignedShardCount() int
}

// Collector periodically samples a StatsSource into the registered
// gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	CachedWorkersTotal.Set(float64(c.source.CachedWorkerCount()))
	MemoryPermitsHeld.Set(float64(c.source.MemoryPermitsHeldBytes()))
	ShardsAssigned.Set(float64(c.source.AssignedShardCount()))
}
