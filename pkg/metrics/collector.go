package metrics

import (
	"fmt"
	"time"

	"github.com/cuemby/testenv/pkg/types"
)

// Source is a cluster whose process table can be sampled
type Source interface {
	Name() string
	State() types.InstanceState
	// LiveProcesses returns the number of supervised processes per role that have not exited
	LiveProcesses() map[types.Role]int
	// ExpectedProcesses returns the number of started processes per role
	ExpectedProcesses() map[types.Role]int
}

// Collector periodically samples clusters into gauges and component health
type Collector struct {
	sources  []Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, sources ...Source) *Collector {
	return &Collector{
		sources:  sources,
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
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, src := range c.sources {
		Collect(src)
	}
}

// Collect samples one source
func Collect(src Source) {
	name := src.Name()
	state := src.State()
	ClusterState.WithLabelValues(name).Set(float64(state))

	live := src.LiveProcesses()
	for role, expected := range src.ExpectedProcesses() {
		n := live[role]
		ProcessesRunning.WithLabelValues(name, string(role)).Set(float64(n))

		component := name + "/" + string(role)
		switch {
		case state != types.StateRunning:
			UpdateComponent(component, false, "cluster is "+state.String())
		case n < expected:
			UpdateComponent(component, false, fmt.Sprintf("%d of %d processes alive", n, expected))
		default:
			UpdateComponent(component, true, fmt.Sprintf("%d processes alive", n))
		}
	}
}
