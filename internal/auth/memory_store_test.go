package auth

import (
	"context"
	"testing"
)

func loadSeededSubject(t *testing.T, store *MemoryStore, username string) *Subject {
	t.Helper()
	user, err := store.FindUserByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("find %s: %v", username, err)
	}
	subject, err := store.LoadSubject(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("load subject %s: %v", username, err)
	}
	return subject
}

func TestSeedRolesExpandToPermissions(t *testing.T) {
	store, err := NewMemoryStore([]Seed{
		{Username: "ops", Password: "pass-123", Roles: []string{"owner"}},
		{Username: "bot", Password: "pass-456", Roles: []string{"agent"}},
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	owner := loadSeededSubject(t, store, "ops")
	for _, perm := range []string{PermTransactionsSubmit, PermGuardrailsWrite, PermIdentitiesWrite} {
		if !owner.HasPermission(perm) {
			t.Errorf("owner role should grant %s", perm)
		}
	}

	agent := loadSeededSubject(t, store, "bot")
	if !agent.HasPermission(PermTransactionsSubmit) {
		t.Error("agent role should grant transaction submission")
	}
	if agent.HasPermission(PermGuardrailsWrite) {
		t.Error("agent role must not grant guardrail changes")
	}
	if agent.HasPermission(PermIdentitiesWrite) {
		t.Error("agent role must not grant identity registration")
	}
}

func TestExplicitPermissionsSurviveRoleExpansion(t *testing.T) {
	store, err := NewMemoryStore([]Seed{
		{
			Username:    "reviewer",
			Password:    "pass-789",
			Roles:       []string{"auditor"},
			Permissions: []string{PermIdentitiesWrite},
		},
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	subject := loadSeededSubject(t, store, "reviewer")
	if !subject.HasPermission(PermTransactionsRead) {
		t.Error("auditor role should grant transaction reads")
	}
	if !subject.HasPermission(PermIdentitiesWrite) {
		t.Error("explicit permissions must survive role expansion")
	}
	if subject.HasPermission(PermTransactionsSubmit) {
		t.Error("auditor must not gain submission rights")
	}
}
