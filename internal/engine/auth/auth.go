package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"proofline/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %q)", e.Permission, e.Role)
}

// Principal is an authenticated staff member.
type Principal struct {
	ActorID string
	Role    string
}

// Service checks staff permissions against the roles declared in config.
type Service struct {
	Config *config.Config
}

// Require returns ForbiddenError unless p's role grants perm.
func (s Service) Require(p Principal, perm string) error {
	if p.ActorID == "" {
		return errors.New("actor_id required")
	}
	if s.Config == nil || !s.Config.HasPermission(p.Role, perm) {
		return ForbiddenError{Role: p.Role, Permission: perm}
	}
	return nil
}

func (s Service) KnownRole(role string) bool {
	if s.Config == nil {
		return false
	}
	_, ok := s.Config.RBAC.Roles[role]
	return ok
}

func (s Service) Permissions(role string) []string {
	if s.Config == nil {
		return nil
	}
	r, ok := s.Config.RBAC.Roles[role]
	if !ok {
		return nil
	}
	perms := append([]string(nil), r.Permissions...)
	sort.Strings(perms)
	return perms
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
