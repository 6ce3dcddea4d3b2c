package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/identity"
	"escrowflow/test/infra"
)

func TestPGRepository_CredentialFlow(t *testing.T) {
	h := infra.Require(t)
	ctx := context.Background()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	repo := auth.NewRepository(h.Pool())
	svc := auth.NewService(repo, "integration-secret", time.Hour)
	id := identity.BytesToKey([]byte("pg-credential"))

	apiKey, err := svc.CreateCredential(ctx, id)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	if _, err := svc.CreateCredential(ctx, id); !errors.Is(err, auth.ErrCredentialExists) {
		t.Fatalf("expected ErrCredentialExists, got %v", err)
	}

	cred, err := repo.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Identity != id || cred.KeyHash == "" || cred.KeyHash == apiKey {
		t.Fatalf("unexpected stored credential: %+v", cred)
	}

	res, err := svc.IssueToken(ctx, auth.TokenRequest{Identity: id.Hex(), APIKey: apiKey})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	got, err := svc.VerifyToken(res.Token)
	if err != nil || got != id {
		t.Fatalf("verify token = %s, %v", got, err)
	}

	if _, err := repo.GetCredential(ctx, identity.BytesToKey([]byte("nobody"))); !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}
