package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/types"
)

// Restarter kills a set of roles and later starts them again, re-running
// their readiness probes. Tests use it to exercise revive paths:
//
//	r, _ := orch.Restarter(types.PrimaryClusterName, types.RoleScheduler, types.RoleControllerAgent)
//	err := r.Do(ctx, func(ctx context.Context) error {
//		// schedulers and agents are down here
//		return nil
//	})
type Restarter struct {
	o     *Orchestrator
	inst  *provision.Instance
	roles []types.Role
	down  bool
}

// Roles returns the restarted roles in start order
func (r *Restarter) Roles() []types.Role {
	return append([]types.Role(nil), r.roles...)
}

// Kill stops the roles in reverse start order
func (r *Restarter) Kill() {
	r.o.killRoles(r.inst, r.roles)
	r.down = true
}

// Start starts the roles again in start order and waits until each is ready
func (r *Restarter) Start(ctx context.Context) error {
	if !r.down {
		return errors.New("restarter: roles are not stopped")
	}
	if err := r.o.startRoles(ctx, r.inst, r.roles); err != nil {
		return fmt.Errorf("restart %s: %w", r.describe(), err)
	}
	r.down = false
	r.o.opts.Broker.Publish(events.New(events.EventRolesRestarted, r.inst.Name(), r.describe()+" restarted").
		With("roles", r.describe()))
	return nil
}

// Do kills the roles, runs fn and starts the roles again, even when fn fails
func (r *Restarter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	r.Kill()
	var ferr error
	if fn != nil {
		ferr = fn(ctx)
	}
	return errors.Join(ferr, r.Start(ctx))
}

func (r *Restarter) describe() string {
	names := make([]string, len(r.roles))
	for i, role := range r.roles {
		names[i] = string(role)
	}
	return strings.Join(names, ",")
}
