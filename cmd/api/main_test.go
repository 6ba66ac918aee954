package main

import (
	"context"
	"testing"

	"masterflow/api/internal/email"
	"masterflow/api/internal/store"
)

var (
	_ backend = (*store.MemoryStore)(nil)
	_ backend = (*store.PostgresStore)(nil)
)

func TestBackendServesAsEmailDirectory(t *testing.T) {
	ctx := context.Background()
	var dataStore backend = store.NewMemoryStore(0)
	if err := dataStore.RememberEmail(ctx, "acme", "olga", "olga@acme.test"); err != nil {
		t.Fatalf("RememberEmail() error = %v", err)
	}

	mailer := email.NewService(email.Config{Host: "smtp.invalid", Port: "25", From: "flows@acme.test"})
	var directory email.Directory = dataStore
	got, err := directory.EmailFor(ctx, "acme", "olga")
	if err != nil || got != "olga@acme.test" {
		t.Fatalf("EmailFor() = %q, %v", got, err)
	}

	if notifier := email.NewNotifier(mailer, dataStore); notifier == nil {
		t.Fatal("expected notifier")
	}
}
