package auth

import (
	"context"
	"errors"
	"testing"

	"proofline/internal/config"
)

func TestRequire(t *testing.T) {
	s := Service{Config: config.Default()}
	if err := s.Require(Principal{ActorID: "marie", Role: "staff"}, config.PermProofSend); err != nil {
		t.Fatalf("staff should send: %v", err)
	}
	err := s.Require(Principal{ActorID: "paul", Role: "viewer"}, config.PermProofUpload)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != config.PermProofUpload {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := s.Require(Principal{Role: "staff"}, config.PermProofRead); err == nil {
		t.Fatalf("expected error without actor")
	}
}

func TestPermissionsSorted(t *testing.T) {
	s := Service{Config: config.Default()}
	perms := s.Permissions("viewer")
	if len(perms) != 2 || perms[0] != config.PermHistoryRead || perms[1] != config.PermProofRead {
		t.Fatalf("unexpected perms %v", perms)
	}
	if s.KnownRole("ghost") || !s.KnownRole("staff") {
		t.Fatalf("role lookup wrong")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ActorID: "marie", Role: "staff"})
	p, ok := FromContext(ctx)
	if !ok || p.ActorID != "marie" {
		t.Fatalf("principal not found")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("unexpected principal")
	}
}
