package invoker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	path := writeScript(t, `cat <<'EOF'
{"installed":["vim"]}
EOF
`)
	inv := New(5 * time.Second)
	outcome, err := inv.Run(context.Background(), path, "install", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Results.Fields["installed"] == nil {
		t.Fatalf("missing results field: %#v", outcome.Results)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	path := writeScript(t, `echo "E: no space" 1>&2; exit 2`)
	inv := New(5 * time.Second)
	_, err := inv.Run(context.Background(), path, "install", nil)
	if err == nil {
		t.Fatal("expected error on non-zero exit")
	}
	var reqErr *pxperrors.RequestError
	if !isRequestError(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if !strings.Contains(reqErr.Error(), "E: no space") {
		t.Fatalf("expected stderr tail in error, got %v", reqErr)
	}
}

func TestRunNonJSONOutput(t *testing.T) {
	path := writeScript(t, `echo "not json"`)
	inv := New(5 * time.Second)
	_, err := inv.Run(context.Background(), path, "install", nil)
	if err == nil {
		t.Fatal("expected error on non-JSON stdout")
	}
}

func TestRunTimeout(t *testing.T) {
	path := writeScript(t, `sleep 5`)
	inv := New(50 * time.Millisecond)
	_, err := inv.Run(context.Background(), path, "install", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %v", err)
	}
}

func TestRunPassesParamsOnStdin(t *testing.T) {
	path := writeScript(t, `cat`)
	inv := New(5 * time.Second)
	params, err := structpb.NewStruct(map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	outcome, err := inv.Run(context.Background(), path, "run", params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Results.Fields["message"].GetStringValue() != "hi" {
		t.Fatalf("params not echoed through stdin/stdout: %#v", outcome.Results)
	}
}

func isRequestError(err error, target **pxperrors.RequestError) bool {
	re, ok := err.(*pxperrors.RequestError)
	if ok {
		*target = re
	}
	return ok
}
