package lifecycle

import (
	"time"

	"github.com/cuemby/testenv/pkg/wait"
)

// Policies bound every readiness probe
type Policies struct {
	Proxy           wait.Policy
	Clock           wait.Policy
	Master          wait.Policy
	Scheduler       wait.Policy
	ControllerAgent wait.Policy
	RPCProxy        wait.Policy
	// Driver bounds driver creation, retried until the proxies accept it
	Driver wait.Policy

	// Node readiness waits NodePerInstance per expected node, never less than NodeMin
	NodePerInstance time.Duration
	NodeMin         time.Duration
	NodeInterval    time.Duration
}

const pollInterval = 100 * time.Millisecond

// DefaultPolicies returns the stock readiness ceilings
func DefaultPolicies() Policies {
	every := func(d time.Duration) wait.Policy {
		return wait.Policy{MaxWait: d, Interval: pollInterval}
	}
	return Policies{
		Proxy:           every(20 * time.Second),
		Clock:           every(30 * time.Second),
		Master:          every(30 * time.Second),
		Scheduler:       every(40 * time.Second),
		ControllerAgent: every(40 * time.Second),
		RPCProxy:        every(20 * time.Second),
		Driver:          every(40 * time.Second),
		NodePerInstance: 6 * time.Second,
		NodeMin:         20 * time.Second,
		NodeInterval:    pollInterval,
	}
}

// Node returns the node readiness policy for count nodes
func (p Policies) Node(count int) wait.Policy {
	return wait.Policy{
		MaxWait:  max(time.Duration(count)*p.NodePerInstance, p.NodeMin),
		Interval: p.NodeInterval,
	}
}

// Scaled returns a copy with every ceiling multiplied by factor. Slow
// hosts (sanitizer builds, loaded CI machines) use it.
func (p Policies) Scaled(factor float64) Policies {
	scale := func(w wait.Policy) wait.Policy {
		w.MaxWait = time.Duration(float64(w.MaxWait) * factor)
		return w
	}
	p.Proxy = scale(p.Proxy)
	p.Clock = scale(p.Clock)
	p.Master = scale(p.Master)
	p.Scheduler = scale(p.Scheduler)
	p.ControllerAgent = scale(p.ControllerAgent)
	p.RPCProxy = scale(p.RPCProxy)
	p.Driver = scale(p.Driver)
	p.NodePerInstance = time.Duration(float64(p.NodePerInstance) * factor)
	p.NodeMin = time.Duration(float64(p.NodeMin) * factor)
	return p
}

func (p Policies) withDefaults() Policies {
	def := DefaultPolicies()
	fill := func(w *wait.Policy, d wait.Policy) {
		if w.MaxWait <= 0 {
			*w = d
		}
	}
	fill(&p.Proxy, def.Proxy)
	fill(&p.Clock, def.Clock)
	fill(&p.Master, def.Master)
	fill(&p.Scheduler, def.Scheduler)
	fill(&p.ControllerAgent, def.ControllerAgent)
	fill(&p.RPCProxy, def.RPCProxy)
	fill(&p.Driver, def.Driver)
	if p.NodePerInstance <= 0 {
		p.NodePerInstance = def.NodePerInstance
	}
	if p.NodeMin <= 0 {
		p.NodeMin = def.NodeMin
	}
	if p.NodeInterval <= 0 {
		p.NodeInterval = def.NodeInterval
	}
	return p
}
