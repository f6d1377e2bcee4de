package app

import (
	"sort"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// ObservedServer is what reconciliation knows about a registered worker.
type ObservedServer struct {
	Config domain.ServerConfig
	State  domain.ServerState
}

// ReconcilePlan lists, in name order, what Reconcile will do to each server.
type ReconcilePlan struct {
	Stop    []string // registered, no longer desired
	Start   []string // desired, not registered
	Restart []string // launch config changed
	Keep    []string // unchanged, whatever the worker's state
	Invalid []string // desired with a config that cannot launch; left as they are
}

// Empty reports whether the plan changes nothing.
func (p ReconcilePlan) Empty() bool {
	return len(p.Stop) == 0 && len(p.Start) == 0 && len(p.Restart) == 0
}

// PlanReconcile diffs the registry against the desired configs. Launch configs are compared with
// ServerConfig.SameLaunch; environment changes alone do not restart a worker. A failed or exited
// worker with an unchanged config is kept as it is; only an explicit restart brings it back.
func PlanReconcile(current map[string]ObservedServer, desired map[string]domain.ServerConfig) ReconcilePlan {
	var plan ReconcilePlan

	for name := range current {
		if _, ok := desired[name]; !ok {
			plan.Stop = append(plan.Stop, name)
		}
	}

	for name, cfg := range desired {
		if err := cfg.Validate(); err != nil {
			plan.Invalid = append(plan.Invalid, name)
			continue
		}
		obs, ok := current[name]
		switch {
		case !ok:
			plan.Start = append(plan.Start, name)
		case !obs.Config.SameLaunch(cfg):
			plan.Restart = append(plan.Restart, name)
		default:
			plan.Keep = append(plan.Keep, name)
		}
	}

	sort.Strings(plan.Stop)
	sort.Strings(plan.Start)
	sort.Strings(plan.Restart)
	sort.Strings(plan.Keep)
	sort.Strings(plan.Invalid)
	return plan
}
