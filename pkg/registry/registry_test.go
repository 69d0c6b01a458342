package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestBuiltinsRegistered(t *testing.T) {
	r := New(context.Background(), t.TempDir(), 5*time.Second, zap.NewNop())
	for _, name := range []string{"echo", "inventory", "ping"} {
		if _, ok := r.Lookup(name); !ok {
			t.Fatalf("expected builtin module %q to be registered", name)
		}
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("expected lookup miss for unregistered module")
	}
}

func TestEchoRoundTrip(t *testing.T) {
	r := New(context.Background(), t.TempDir(), 5*time.Second, zap.NewNop())
	m, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("echo not registered")
	}
	params, err := structpb.NewStruct(map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	outcome, err := m.Handler.Execute(context.Background(), "run", params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Results.Fields["outcome"].GetStringValue() != "hi" {
		t.Fatalf("unexpected echo outcome: %#v", outcome.Results)
	}
}

func writePlugin(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return path
}

func TestExternalPluginLoadedAndSkippedOnFailure(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "good", `
if [ "$1" = "metadata" ]; then
  echo '{"module_name":"pkgmgr","actions":{"install":{}}}'
else
  cat
fi
`)
	writePlugin(t, dir, "bad", `exit 1`)

	r := New(context.Background(), dir, 5*time.Second, zap.NewNop())
	if _, ok := r.Lookup("pkgmgr"); !ok {
		t.Fatal("expected pkgmgr module to be loaded from good plugin")
	}
}
