package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// QueueStats contains webhook queue counts for metrics
type QueueStats struct {
	Pending int64
	Dead    int64
}

// QueueStatsProvider provides webhook queue statistics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// Collector refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics    *Metrics
	queueStats QueueStatsProvider
	interval   time.Duration
	startTime  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector. queueStats may be nil.
func NewCollector(m *Metrics, queueStats QueueStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:    m,
		queueStats: queueStats,
		interval:   interval,
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples current system and queue state once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.queueStats != nil {
		stats, err := c.queueStats.QueueStats(ctx)
		if err == nil {
			c.metrics.WebhookQueuePending.Set(float64(stats.Pending))
			c.metrics.WebhookQueueDead.Set(float64(stats.Dead))
		}
	}
}
