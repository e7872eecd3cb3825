// Package route assigns incoming tasks to agents: first matching rule
// wins, then team-lead fallback, then the coordinator catch-all, with a
// capacity probe before the assignment is persisted.
package route

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/store"
)

const (
	defaultMaxActive = 1
	defaultMaxQueued = 10
)

// Assignment records where a task landed and why.
type Assignment struct {
	TaskID string
	Agent  string
	// Rule is the matching rule name, or "" for a fallback assignment.
	Rule string
	// Fallback names the non-rule path taken: "team_lead", "coordinator",
	// or "" when a rule matched.
	Fallback string
	// Reassigned is set when the capacity probe moved the task to the
	// team lead.
	Reassigned bool
	// Overloaded is set when the final agent was at capacity and the task
	// was queued anyway.
	Overloaded bool
	Active     int
	Queued     int
}

// Router is safe for concurrent use; all mutable state lives in the store.
type Router struct {
	cfg   model.RoutingConfig
	store store.TaskStore
	bus   *events.Bus
	logc  *logging.Component

	agentTeam map[string]string
	agentLead map[string]bool
	teamLead  map[string]string
}

func NewRouter(cfg model.Config, st store.TaskStore, bus *events.Bus, logc *logging.Component) *Router {
	r := &Router{
		cfg:       cfg.Routing,
		store:     st,
		bus:       bus,
		logc:      logc,
		agentTeam: make(map[string]string),
		agentLead: make(map[string]bool),
		teamLead:  make(map[string]string),
	}
	for _, a := range cfg.Agents {
		r.agentTeam[a.Role] = a.Team
		r.agentLead[a.Role] = a.Lead
	}
	for _, t := range cfg.Teams {
		r.teamLead[t.Name] = t.Lead
	}
	return r
}

// Route assigns the task to an agent and persists it as QUEUED. Tasks
// without an id get one minted from the store's date-scoped counter. The
// routing provenance lands in the task history.
func (r *Router) Route(ctx context.Context, task *model.Task) (*Assignment, error) {
	if task.ID == "" {
		id, err := r.store.NextTaskID(ctx, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("mint task id: %w", err)
		}
		task.ID = id
	}

	asn := &Assignment{TaskID: task.ID}
	if rule := r.matchRule(task); rule != nil {
		asn.Agent = rule.Agent
		asn.Rule = rule.Name
	} else if lead := r.teamLead[task.Team]; lead != "" {
		asn.Agent = lead
		asn.Fallback = "team_lead"
	} else {
		asn.Agent = r.cfg.Coordinator
		asn.Fallback = "coordinator"
	}
	if asn.Agent == "" {
		return nil, fmt.Errorf("no agent for task %s: no rule matched and no coordinator configured", task.ID)
	}

	if err := r.probeCapacity(ctx, asn); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	task.Agent = asn.Agent
	if task.Team == "" {
		task.Team = r.agentTeam[asn.Agent]
	}
	task.Status = model.StatusQueued
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	if task.CreatedAt == "" {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.History = append(task.History, model.HistoryEntry{
		At:   now,
		Kind: model.HistoryRouted,
		Detail: map[string]string{
			"agent":      asn.Agent,
			"rule":       asn.Rule,
			"fallback":   asn.Fallback,
			"reassigned": strconv.FormatBool(asn.Reassigned),
			"overloaded": strconv.FormatBool(asn.Overloaded),
			"active":     strconv.Itoa(asn.Active),
			"queued":     strconv.Itoa(asn.Queued),
		},
	})

	if err := r.store.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist routed task: %w", err)
	}

	r.logc.Logf(logging.LevelInfo, "routed task=%s agent=%s rule=%s fallback=%s overloaded=%v",
		task.ID, asn.Agent, asn.Rule, asn.Fallback, asn.Overloaded)
	if r.bus != nil {
		r.bus.Publish(events.EventTaskRouted, map[string]interface{}{
			"task_id": task.ID,
			"agent":   asn.Agent,
			"rule":    asn.Rule,
		})
	}
	return asn, nil
}

// matchRule returns the first rule matching the task, or nil. A rule
// matches when any one of its set criteria holds; a rule with no
// criteria never matches.
func (r *Router) matchRule(task *model.Task) *model.RoutingRule {
	text := strings.ToLower(task.Title + " " + task.Description)
	for i := range r.cfg.Rules {
		rule := &r.cfg.Rules[i]
		switch {
		case len(rule.Keywords) > 0 && anyKeyword(text, rule.Keywords):
			return rule
		case rule.Tag != "" && hasTag(task.Tags, rule.Tag):
			return rule
		case rule.Team != "" && rule.Team == task.Team:
			return rule
		case rule.Priority != nil && *rule.Priority == task.Priority:
			return rule
		case rule.Assignee != "" && rule.Assignee == task.Agent:
			return rule
		}
	}
	return nil
}

// probeCapacity checks the chosen agent's load. An agent at both ceilings
// gets relieved by its team lead when the lead has room; otherwise the
// task stays put and is marked overloaded.
func (r *Router) probeCapacity(ctx context.Context, asn *Assignment) error {
	active, queued, err := r.load(ctx, asn.Agent)
	if err != nil {
		return err
	}
	asn.Active, asn.Queued = active, queued
	if active < r.maxActive() || queued < r.maxQueued() {
		return nil
	}

	lead := r.teamLead[r.agentTeam[asn.Agent]]
	if lead != "" && lead != asn.Agent && !r.agentLead[asn.Agent] {
		leadActive, leadQueued, err := r.load(ctx, lead)
		if err != nil {
			return err
		}
		if leadActive < r.maxActive() || leadQueued < r.maxQueued() {
			r.logc.Logf(logging.LevelInfo, "capacity reassign task=%s from=%s to=%s active=%d queued=%d",
				asn.TaskID, asn.Agent, lead, active, queued)
			asn.Agent = lead
			asn.Reassigned = true
			asn.Active, asn.Queued = leadActive, leadQueued
			return nil
		}
	}

	asn.Overloaded = true
	r.logc.Logf(logging.LevelWarn, "agent overloaded task=%s agent=%s active=%d queued=%d",
		asn.TaskID, asn.Agent, active, queued)
	return nil
}

func (r *Router) load(ctx context.Context, agent string) (active, queued int, err error) {
	counts, err := r.store.CountByStatus(ctx, agent)
	if err != nil {
		return 0, 0, fmt.Errorf("capacity probe for %s: %w", agent, err)
	}
	return counts[model.StatusActive], counts[model.StatusQueued], nil
}

func (r *Router) maxActive() int {
	if r.cfg.MaxActivePerAgent > 0 {
		return r.cfg.MaxActivePerAgent
	}
	return defaultMaxActive
}

func (r *Router) maxQueued() int {
	if r.cfg.MaxQueuedPerAgent > 0 {
		return r.cfg.MaxQueuedPerAgent
	}
	return defaultMaxQueued
}

func anyKeyword(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
