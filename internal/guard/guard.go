// Package guard wraps store mutations in a role-derived allow table.
//
// Roles come from the org chart roster by agent name; agents missing from
// the roster act as members. Members mutate only tasks they own: a task is
// owned by its active leaseholder, or by the routed agent while no lease
// is live.
package guard

import (
	"log/slog"
	"time"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
)

// Operation names one guarded store mutation.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpUpdateBody Operation = "update_body"
	OpTransition Operation = "transition"
	OpBlock      Operation = "block"
	OpUnblock    Operation = "unblock"
	OpCancel     Operation = "cancel"
	OpAddDep     Operation = "add_dep"
	OpRemoveDep  Operation = "remove_dep"
	OpDelete     Operation = "delete"
	OpDeadletter Operation = "deadletter"
)

// Roles with dedicated allow-table rows. Every other role string maps to
// the member row.
const (
	RoleAdmin    = "admin"
	RoleLead     = "lead"
	RoleMember   = "member"
	RoleObserver = "observer"
)

type permission int

const (
	deny permission = iota
	ownOnly
	allow
)

var allowTable = map[string]map[Operation]permission{
	RoleAdmin: {
		OpCreate: allow, OpUpdate: allow, OpUpdateBody: allow,
		OpTransition: allow, OpBlock: allow, OpUnblock: allow,
		OpCancel: allow, OpAddDep: allow, OpRemoveDep: allow,
		OpDelete: allow, OpDeadletter: allow,
	},
	RoleLead: {
		OpCreate: allow, OpUpdate: allow, OpUpdateBody: allow,
		OpTransition: allow, OpBlock: allow, OpUnblock: allow,
		OpCancel: allow, OpAddDep: allow, OpRemoveDep: allow,
	},
	RoleMember: {
		OpCreate: allow, OpUpdate: ownOnly, OpUpdateBody: ownOnly,
		OpTransition: ownOnly, OpBlock: ownOnly, OpUnblock: ownOnly,
	},
	RoleObserver: {},
}

// RoleResolver maps an agent name to its org-chart role. An empty result
// means the agent is not on the roster.
type RoleResolver func(agent string) string

// Guard is the permission wrapper around a project store.
type Guard struct {
	store *task.Store
	roles RoleResolver
	log   *slog.Logger
}

// New builds a guard. resolver may be nil; every actor is then a member.
func New(store *task.Store, resolver RoleResolver, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, roles: resolver, log: log}
}

// RoleOf resolves an actor's effective role.
func (g *Guard) RoleOf(agent string) string {
	if g.roles != nil {
		switch r := g.roles(agent); r {
		case RoleAdmin, RoleLead, RoleObserver:
			return r
		case "":
		default:
			// Functional roles (developer, qa, ...) carry member rights.
			return RoleMember
		}
	}
	return RoleMember
}

// Owns reports whether the actor owns the task: the active leaseholder
// owns it, else the routed agent does.
func Owns(agent string, t *task.Task) bool {
	if agent == "" || t == nil {
		return false
	}
	if t.Lease != nil && t.Lease.Active(time.Now()) {
		return t.Lease.Agent == agent
	}
	return t.Routing.Agent != "" && t.Routing.Agent == agent
}

// Check returns nil when the actor may perform op on the task. The task is
// only consulted for ownership-scoped permissions and may be nil for
// OpCreate.
func (g *Guard) Check(agent string, op Operation, t *task.Task) error {
	role := g.RoleOf(agent)
	row, ok := allowTable[role]
	if !ok {
		row = allowTable[RoleMember]
	}
	switch row[op] {
	case allow:
		return nil
	case ownOnly:
		if Owns(agent, t) {
			return nil
		}
	}
	g.log.Debug("permission denied", "agent", agent, "role", role, "op", op)
	return aoferrors.ErrPermissionDenied(role, string(op))
}

func (g *Guard) checkByID(agent string, op Operation, id string) error {
	t, err := g.store.Get(id)
	if err != nil {
		return err
	}
	return g.Check(agent, op, t)
}

// Create makes a new task on behalf of the actor.
func (g *Guard) Create(actor string, req task.CreateRequest) (*task.Task, error) {
	if err := g.Check(actor, OpCreate, nil); err != nil {
		return nil, err
	}
	if req.CreatedBy == "" {
		req.CreatedBy = actor
	}
	return g.store.Create(req)
}

// Transition moves a task along the status graph on behalf of the actor.
func (g *Guard) Transition(actor, id string, to task.Status, reason string) (*task.Task, error) {
	if err := g.checkByID(actor, OpTransition, id); err != nil {
		return nil, err
	}
	return g.store.Transition(id, to, task.TransitionOpts{Agent: actor, Reason: reason})
}

// Update applies a front-matter patch on behalf of the actor.
func (g *Guard) Update(actor, id string, p task.Patch) (*task.Task, error) {
	if err := g.checkByID(actor, OpUpdate, id); err != nil {
		return nil, err
	}
	return g.store.Update(id, p)
}

// UpdateBody replaces the markdown body on behalf of the actor.
func (g *Guard) UpdateBody(actor, id, body string) (*task.Task, error) {
	if err := g.checkByID(actor, OpUpdateBody, id); err != nil {
		return nil, err
	}
	return g.store.UpdateBody(id, body)
}

// Block parks a task with a reason on behalf of the actor.
func (g *Guard) Block(actor, id, reason string) (*task.Task, error) {
	if err := g.checkByID(actor, OpBlock, id); err != nil {
		return nil, err
	}
	return g.store.Block(id, reason)
}

// Unblock returns a blocked task to ready on behalf of the actor.
func (g *Guard) Unblock(actor, id string) (*task.Task, error) {
	if err := g.checkByID(actor, OpUnblock, id); err != nil {
		return nil, err
	}
	return g.store.Unblock(id)
}

// Cancel terminates a task on behalf of the actor.
func (g *Guard) Cancel(actor, id, reason string) (*task.Task, error) {
	if err := g.checkByID(actor, OpCancel, id); err != nil {
		return nil, err
	}
	return g.store.Cancel(id, reason)
}

// AddDep records a dependency on behalf of the actor.
func (g *Guard) AddDep(actor, id, blockerID string) (*task.Task, error) {
	if err := g.checkByID(actor, OpAddDep, id); err != nil {
		return nil, err
	}
	return g.store.AddDep(id, blockerID)
}

// RemoveDep drops a dependency on behalf of the actor.
func (g *Guard) RemoveDep(actor, id, blockerID string) (*task.Task, error) {
	if err := g.checkByID(actor, OpRemoveDep, id); err != nil {
		return nil, err
	}
	return g.store.RemoveDep(id, blockerID)
}

// Deadletter parks a task in the deadletter bucket on behalf of the actor.
func (g *Guard) Deadletter(actor, id, reason string) (*task.Task, error) {
	if err := g.checkByID(actor, OpDeadletter, id); err != nil {
		return nil, err
	}
	return g.store.Deadletter(id, reason)
}

// Delete removes a task file on behalf of the actor.
func (g *Guard) Delete(actor, id string) error {
	if err := g.checkByID(actor, OpDelete, id); err != nil {
		return err
	}
	return g.store.Delete(id)
}

// Store exposes the underlying store for read paths; reads are not guarded.
func (g *Guard) Store() *task.Store { return g.store }
