package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbiterhq/arbiter/internal/agent"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/notify"
	"github.com/arbiterhq/arbiter/internal/store"
)

const (
	defaultTickInterval       = 5 * time.Second
	defaultDependencyInterval = 30 * time.Second
	defaultEscalationInterval = time.Hour
)

// Supervisor owns the loop registry: one AgentLoop per configured agent
// plus the dependency-resolution and stale-blocker jobs, all running
// under a single errgroup.
type Supervisor struct {
	store store.TaskStore
	bus   *events.Bus
	logc  *logging.Component

	loops     map[string]*AgentLoop
	nudges    map[string]chan struct{}
	resolver  *Resolver
	escalator *Escalator
	decisions *DecisionHandler

	tickInterval       time.Duration
	dependencyInterval time.Duration
	escalationInterval time.Duration
}

func NewSupervisor(cfg model.Config, st store.TaskStore, ex agent.Executor,
	n notify.Notifier, bus *events.Bus, logc *logging.Component) *Supervisor {
	resolver := NewResolver(st, n, bus, logc)
	staleAfter := time.Duration(cfg.Resolution.StaleBlockerHours) * time.Hour

	s := &Supervisor{
		store:              st,
		bus:                bus,
		logc:               logc,
		loops:              make(map[string]*AgentLoop),
		nudges:             make(map[string]chan struct{}),
		resolver:           resolver,
		escalator:          NewEscalator(st, n, bus, logc, staleAfter),
		decisions:          NewDecisionHandler(st, bus, logc),
		tickInterval:       secondsOr(cfg.Scheduler.TickIntervalSec, defaultTickInterval),
		dependencyInterval: secondsOr(cfg.Resolution.DependencyIntervalSec, defaultDependencyInterval),
		escalationInterval: secondsOr(cfg.Resolution.EscalationIntervalSec, defaultEscalationInterval),
	}

	retry := PolicyFromConfig(cfg.Retry)
	for _, a := range cfg.Agents {
		s.register(a.Role, NewAgentLoop(a.Role, st, ex, resolver, retry, bus, logc))
	}
	return s
}

func (s *Supervisor) register(role string, loop *AgentLoop) {
	s.loops[role] = loop
	s.nudges[role] = make(chan struct{}, 1)
}

// Agents returns the registered loop names, sorted.
func (s *Supervisor) Agents() []string {
	out := make([]string, 0, len(s.loops))
	for role := range s.loops {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Decisions exposes the decision handler for the daemon's decide command.
func (s *Supervisor) Decisions() *DecisionHandler {
	return s.decisions
}

// Resolver exposes the resolution engine for manual sweeps.
func (s *Supervisor) Resolver() *Resolver {
	return s.resolver
}

// Nudge wakes every agent loop for an off-schedule tick, used when a
// store change is observed. Non-blocking: loops already signalled are
// not queued twice.
func (s *Supervisor) Nudge() {
	for _, ch := range s.nudges {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run drives every registered loop until ctx is cancelled. A graceful
// shutdown returns nil; the first loop error cancels the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.loops) == 0 {
		return fmt.Errorf("no agents registered")
	}
	g, ctx := errgroup.WithContext(ctx)

	for role, loop := range s.loops {
		role, loop := role, loop
		nudge := s.nudges[role]
		g.Go(func() error {
			ticker := time.NewTicker(s.tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				case <-nudge:
				}
				if err := loop.Tick(ctx); err != nil {
					s.logc.Logf(logging.LevelError, "tick agent=%s error=%v", role, err)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.dependencyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.resolver.Sweep(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.escalationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.escalator.Sweep(ctx)
			}
		}
	})

	s.logc.Logf(logging.LevelInfo, "supervisor running agents=%d tick=%s", len(s.loops), s.tickInterval)
	return g.Wait()
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return fallback
}
