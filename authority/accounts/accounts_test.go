package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	writeFile(t, path, `
accounts:
  acme:
    name: ACME Seeds
    uses_lab_control: true
  plain:
    uses_lab_control: false
`)
	a, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !a.UsesLabControl("acme") {
		t.Error("expected acme to use lab control")
	}
	if a.UsesLabControl("plain") || a.UsesLabControl("unknown") {
		t.Error("expected no lab control")
	}
	acct, ok := a.Account("acme")
	if !ok {
		t.Fatal("expected acme account")
	}
	if have, want := acct.Name, "ACME Seeds"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	writeFile(t, path, "accounts: [")
	if err = a.Reload(); err == nil {
		t.Error("expected parse error")
	}
	if !a.UsesLabControl("acme") {
		t.Error("expected previous accounts to stay in effect")
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	writeFile(t, path, "accounts:\n  acme:\n    uses_lab_control: false\n")
	a, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "accounts:\n  acme:\n    uses_lab_control: true\n")

	deadline := time.Now().Add(5 * time.Second)
	for !a.UsesLabControl("acme") {
		if time.Now().After(deadline) {
			t.Fatal("accounts not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}
