package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

const (
	RoleAdmin         = "Admin"
	RoleInitiator     = "Initiator"
	RoleInvestigator  = "Investigator"
	RoleReviewer      = "Reviewer"
	RoleApprover      = "Approver"
	RoleLegalReviewer = "Legal Reviewer"
	RoleActioner      = "Actioner"
)

// ForbiddenError indicates the actor may not perform the requested action.
type ForbiddenError struct {
	User   string
	Role   string
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s) may not %s: %s", e.User, e.Role, e.Action, e.Reason)
	}
	return fmt.Sprintf("%s (%s) may not %s", e.User, e.Role, e.Action)
}

// Actor is the caller of an operation. Role is the role the user acts in; an
// empty Role means the user's directory role.
type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Directory answers who a user is.
type Directory interface {
	GetRole(ctx context.Context, username string) (string, error)
	IsActive(ctx context.Context, username string) (bool, error)
	AllRolesAccess(ctx context.Context, username string) (bool, error)
}

// RepoDirectory is the users table.
type RepoDirectory struct {
	Repo repo.Repo
}

func (d RepoDirectory) lookup(ctx context.Context, username string) (domain.User, error) {
	return d.Repo.GetUser(ctx, nil, username)
}

func (d RepoDirectory) GetRole(ctx context.Context, username string) (string, error) {
	u, err := d.lookup(ctx, username)
	return u.Role, err
}

func (d RepoDirectory) IsActive(ctx context.Context, username string) (bool, error) {
	u, err := d.lookup(ctx, username)
	return u.Active, err
}

func (d RepoDirectory) AllRolesAccess(ctx context.Context, username string) (bool, error) {
	u, err := d.lookup(ctx, username)
	return u.AllRolesAccess, err
}

// Gate maps roles to the actions and stages they may act on.
type Gate struct {
	Dir   Directory
	Roles map[string]config.Role
}

func NewGate(dir Directory, cfg *config.Config) Gate {
	return Gate{Dir: dir, Roles: cfg.Roles}
}

// Resolve checks the user exists, is active and may act in the requested
// role. It returns the actor with its effective role filled in.
func (g Gate) Resolve(ctx context.Context, actor Actor, action string) (Actor, error) {
	username := strings.TrimSpace(actor.Username)
	if username == "" {
		return actor, ForbiddenError{Role: actor.Role, Action: action, Reason: "no user"}
	}
	role, err := g.Dir.GetRole(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return actor, ForbiddenError{User: username, Role: actor.Role, Action: action, Reason: "unknown user"}
	}
	if err != nil {
		return actor, err
	}
	active, err := g.Dir.IsActive(ctx, username)
	if err != nil {
		return actor, err
	}
	if !active {
		return actor, ForbiddenError{User: username, Role: actor.Role, Action: action, Reason: "user is inactive"}
	}
	acting := strings.TrimSpace(actor.Role)
	if acting == "" {
		acting = role
	}
	if acting != role && !g.IsSuperuser(role) {
		switchable, err := g.Dir.AllRolesAccess(ctx, username)
		if err != nil {
			return actor, err
		}
		if !switchable {
			return actor, ForbiddenError{User: username, Role: acting, Action: action, Reason: "user does not hold this role"}
		}
	}
	if _, ok := g.Roles[acting]; !ok {
		return actor, ForbiddenError{User: username, Role: acting, Action: action, Reason: "unknown role"}
	}
	return Actor{Username: username, Role: acting}, nil
}

// AuthorizeAction resolves actor and checks the role's action allowlist.
func (g Gate) AuthorizeAction(ctx context.Context, actor Actor, action string) (Actor, error) {
	resolved, err := g.Resolve(ctx, actor, action)
	if err != nil {
		return resolved, err
	}
	if !g.RoleAllows(resolved.Role, action) {
		return resolved, ForbiddenError{User: resolved.Username, Role: resolved.Role, Action: action}
	}
	return resolved, nil
}

// AuthorizeStage resolves actor and checks the role owns stage.
func (g Gate) AuthorizeStage(ctx context.Context, actor Actor, stage, action string) (Actor, error) {
	resolved, err := g.Resolve(ctx, actor, action)
	if err != nil {
		return resolved, err
	}
	if !g.RoleOwnsStage(resolved.Role, stage) {
		return resolved, ForbiddenError{User: resolved.Username, Role: resolved.Role, Action: action, Reason: "role does not own stage " + stage}
	}
	return resolved, nil
}

func (g Gate) IsSuperuser(role string) bool {
	return g.Roles[role].Superuser
}

func (g Gate) RoleAllows(role, action string) bool {
	r, ok := g.Roles[role]
	if !ok {
		return false
	}
	if r.Superuser {
		return true
	}
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (g Gate) RoleOwnsStage(role, stage string) bool {
	r, ok := g.Roles[role]
	if !ok {
		return false
	}
	if r.Superuser {
		return true
	}
	for _, s := range r.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// RoleNames lists configured roles in name order.
func (g Gate) RoleNames() []string {
	names := make([]string, 0, len(g.Roles))
	for name := range g.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
