package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// RegisterUser creates or updates a directory entry. It is the bootstrap path
// used by the CLI and performs no authorization.
func (e Engine) RegisterUser(ctx context.Context, u domain.User, by string) (domain.User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return domain.User{}, validationError("username is required")
	}
	if _, ok := e.Config.Roles[u.Role]; !ok {
		return domain.User{}, newError(KindValidation, map[string]any{"allowed": e.Gate.RoleNames()}, "unknown role %q", u.Role)
	}
	if by == "" {
		by = u.Username
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetUser(ctx, tx, u.Username)
	switch {
	case err == nil:
		u.CreatedAt = existing.CreatedAt
	case errors.Is(err, repo.ErrNotFound):
		u.CreatedAt = e.timestamp()
	default:
		return domain.User{}, err
	}
	if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.UserUpserted, "", "user", u.Username, by, events.EventPayload{
		"role":   u.Role,
		"active": u.Active,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// RequireSuperuser resolves actor and fails unless it acts in a superuser role.
func (e Engine) RequireSuperuser(ctx context.Context, actor auth.Actor, action string) (auth.Actor, error) {
	resolved, err := e.Gate.Resolve(ctx, actor, action)
	if err != nil {
		return resolved, fromGate(err)
	}
	if !e.Gate.IsSuperuser(resolved.Role) {
		return resolved, fromGate(auth.ForbiddenError{User: resolved.Username, Role: resolved.Role, Action: action})
	}
	return resolved, nil
}

// ResolveActor checks actor is a known, active user who may act in the
// requested role. Read operations use it as their only gate.
func (e Engine) ResolveActor(ctx context.Context, actor auth.Actor) (auth.Actor, error) {
	resolved, err := e.Gate.Resolve(ctx, actor, "read")
	return resolved, fromGate(err)
}

// UpsertUser is RegisterUser for callers that must hold a superuser role.
func (e Engine) UpsertUser(ctx context.Context, u domain.User, actor auth.Actor) (domain.User, error) {
	resolved, err := e.RequireSuperuser(ctx, actor, "manage users")
	if err != nil {
		return domain.User{}, err
	}
	return e.RegisterUser(ctx, u, resolved.Username)
}

func (e Engine) ListUsers(ctx context.Context, role string, activeOnly bool) ([]domain.User, error) {
	users, err := e.Repo.ListUsers(ctx, role, activeOnly)
	return nonNil(users), err
}

func (e Engine) SetUserActive(ctx context.Context, username string, active bool) error {
	err := e.Repo.SetUserActive(ctx, username, active)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("user", username)
	}
	return err
}

// CreateAPIKey issues a key for username. The plaintext key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, username, name string) (string, domain.APIKey, error) {
	u, err := e.Repo.GetUser(ctx, nil, username)
	if errors.Is(err, repo.ErrNotFound) {
		return "", domain.APIKey{}, notFound("user", username)
	}
	if err != nil {
		return "", domain.APIKey{}, err
	}
	if !u.Active {
		return "", domain.APIKey{}, validationError("user %s is inactive", username)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "cf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Username:  username,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plain, key, nil
}
