package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownCluster is returned for clusters without drivers
var ErrUnknownCluster = errors.New("no drivers for cluster")

// Registry owns the drivers of every cluster of a run. Index 0 of a
// cluster is bound to the primary master cell.
type Registry struct {
	factory Factory

	mu      sync.RWMutex
	drivers map[string][]Driver
}

// NewRegistry creates an empty registry. A nil factory uses DefaultFactory.
func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Registry{factory: factory, drivers: make(map[string][]Driver)}
}

// InitDrivers creates one driver per document, in parallel, and registers
// them under cluster. Existing drivers of the cluster are closed first.
func (r *Registry) InitDrivers(ctx context.Context, cluster string, docs []config.Document) error {
	if len(docs) == 0 {
		return fmt.Errorf("cluster %s has no driver configs", cluster)
	}
	drivers := make([]Driver, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		g.Go(func() error {
			cfg, err := ConfigFromDocument(cluster, doc)
			if err != nil {
				return err
			}
			d, err := r.factory(gctx, cfg)
			if err != nil {
				return fmt.Errorf("create driver %d of %s: %w", i, cluster, err)
			}
			drivers[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range drivers {
			if d != nil {
				d.Close()
			}
		}
		return err
	}
	r.Add(cluster, drivers...)
	return nil
}

// Add registers drivers for a cluster, replacing and closing older ones
func (r *Registry) Add(cluster string, drivers ...Driver) {
	r.mu.Lock()
	old := r.drivers[cluster]
	r.drivers[cluster] = drivers
	r.mu.Unlock()

	for _, d := range old {
		d.Close()
	}
}

// Get returns the driver of a cluster bound to the given cell index. An
// empty cluster name selects the primary cluster.
func (r *Registry) Get(cluster string, cell int) (Driver, error) {
	if cluster == "" {
		cluster = types.PrimaryClusterName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	drivers, ok := r.drivers[cluster]
	if !ok || len(drivers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	if cell < 0 || cell >= len(drivers) {
		return nil, fmt.Errorf("cluster %s has no driver for cell %d", cluster, cell)
	}
	return drivers[cell], nil
}

// Primary returns the primary driver of the primary cluster
func (r *Registry) Primary() (Driver, error) {
	return r.Get(types.PrimaryClusterName, 0)
}

// Clusters lists the registered cluster names
func (r *Registry) Clusters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Remove closes and forgets the drivers of one cluster
func (r *Registry) Remove(cluster string) {
	r.mu.Lock()
	drivers := r.drivers[cluster]
	delete(r.drivers, cluster)
	r.mu.Unlock()

	for _, d := range drivers {
		d.Close()
	}
}

// Terminate closes every driver
func (r *Registry) Terminate() {
	logger := log.WithComponent("driver")
	for _, cluster := range r.Clusters() {
		r.mu.Lock()
		drivers := r.drivers[cluster]
		delete(r.drivers, cluster)
		r.mu.Unlock()
		for _, d := range drivers {
			if err := d.Close(); err != nil {
				logger.Warn().Err(err).Str("cluster", cluster).Msg("Failed to close driver")
			}
		}
	}
}
