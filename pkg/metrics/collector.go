package metrics

import (
	"context"
	"time"

	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// DepthSource reports queue depth.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

// PoolSource reports warm pool membership.
type PoolSource interface {
	Status(ctx context.Context) ([]*types.WarmBot, error)
}

// LeaderSource reports election state.
type LeaderSource interface {
	IsLeader() bool
}

// Collector periodically refreshes the gauge metrics from the registry,
// the queue, the warm pool and the elector. Counters are incremented at
// the call sites; gauges are sampled here.
type Collector struct {
	reg     *registry.Registry
	queue   DepthSource
	pool    PoolSource
	elector LeaderSource
	stopCh  chan struct{}
}

// NewCollector creates a collector. queue, pool and elector may be nil
// when the corresponding subsystem is disabled.
func NewCollector(reg *registry.Registry, queue DepthSource, pool PoolSource, elector LeaderSource) *Collector {
	return &Collector{
		reg:     reg,
		queue:   queue,
		pool:    pool,
		elector: elector,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds.
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectTenants(ctx)
	c.collectQueue(ctx)
	c.collectPool(ctx)
	c.collectElection()
}

func (c *Collector) collectTenants(ctx context.Context) {
	tenants, err := c.reg.List(ctx, storage.TenantFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.SubscriptionState]int)
	running := 0
	for _, t := range tenants {
		counts[t.State]++
		if t.ContainerRunning {
			running++
		}
	}
	for _, state := range []types.SubscriptionState{
		types.StateTrial, types.StateActive, types.StateSuspended, types.StateCancelled,
	} {
		TenantsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	ContainersRunning.Set(float64(running))
}

func (c *Collector) collectQueue(ctx context.Context) {
	if c.queue == nil {
		return
	}
	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return
	}
	QueueDepth.Set(float64(depth))
}

func (c *Collector) collectPool(ctx context.Context) {
	if c.pool == nil {
		return
	}
	members, err := c.pool.Status(ctx)
	if err != nil {
		return
	}
	counts := make(map[types.WarmStatus]int)
	for _, m := range members {
		counts[m.Status]++
	}
	for _, status := range []types.WarmStatus{
		types.WarmWaiting, types.WarmClaimed, types.WarmActive, types.WarmUnknown,
	} {
		WarmPoolSize.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectElection() {
	if c.elector == nil {
		RaftLeader.Set(1)
		return
	}
	if c.elector.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
