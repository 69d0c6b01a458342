package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pxp-agent/pxp-agent/pkg/api"
	"github.com/pxp-agent/pxp-agent/pkg/jobs"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
	"github.com/pxp-agent/pxp-agent/pkg/reply"
	"github.com/pxp-agent/pxp-agent/pkg/spool"
)

var errBoom = errors.New("boom")

type fakeRegistry struct {
	modules map[string]api.ModuleDescriptor
}

func (r fakeRegistry) Lookup(name string) (api.ModuleDescriptor, bool) {
	m, ok := r.modules[name]
	return m, ok
}

func echoModule() api.ModuleDescriptor {
	return api.ModuleDescriptor{
		ModuleName: "echo",
		Actions:    map[string]api.ActionSchema{"run": {}},
		Handler: api.HandlerFunc(func(_ context.Context, action string, params *structpb.Struct) (api.Outcome, error) {
			msg := ""
			if params != nil {
				msg = params.Fields["message"].GetStringValue()
			}
			results, _ := structpb.NewStruct(map[string]any{"outcome": msg})
			return api.NewInternalOutcome(results), nil
		}),
	}
}

type recordingTransport struct {
	frames [][]byte
}

func (t *recordingTransport) SendText(_ context.Context, frame []byte) error {
	t.frames = append(t.frames, frame)
	return nil
}

func newTestProcessor(t *testing.T, mods map[string]api.ModuleDescriptor) (*Processor, *recordingTransport, *jobs.Tracker) {
	t.Helper()
	sp, err := spool.New(t.TempDir())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	tr := jobs.NewTracker(zap.NewNop())
	transport := &recordingTransport{}
	sender := reply.New(transport, "cth://agent/agent")
	proc := New(fakeRegistry{modules: mods}, sp, tr, sender, 10*time.Second, zap.NewNop())
	return proc, transport, tr
}

func TestProcessBlockingEcho(t *testing.T) {
	proc, transport, tr := newTestProcessor(t, map[string]api.ModuleDescriptor{"echo": echoModule()})
	defer tr.Shutdown()

	params, _ := structpb.NewStruct(map[string]any{"message": "hi"})
	req := protocol.ActionRequestData{TransactionID: "t1", Module: "echo", Action: "run", Params: params}

	if err := proc.ProcessBlocking(context.Background(), req, nil, "cth://broker/controller"); err != nil {
		t.Fatalf("ProcessBlocking: %v", err)
	}
	if len(transport.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(transport.frames))
	}
	var env protocol.Envelope
	if err := env.UnmarshalJSON(transport.frames[0]); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.DataSchema != protocol.SchemaBlockingResponse {
		t.Fatalf("unexpected schema: %s", env.DataSchema)
	}
}

func TestProcessBlockingUnknownModule(t *testing.T) {
	proc, _, tr := newTestProcessor(t, nil)
	defer tr.Shutdown()

	req := protocol.ActionRequestData{TransactionID: "t1", Module: "nope", Action: "run"}
	if err := proc.ProcessBlocking(context.Background(), req, nil, "cth://broker/controller"); err == nil {
		t.Fatal("expected request_error for unknown module")
	}
}

func TestProcessNonBlockingSendsProvisionalThenNonBlockingResponse(t *testing.T) {
	proc, transport, tr := newTestProcessor(t, map[string]api.ModuleDescriptor{"echo": echoModule()})
	defer tr.Shutdown()

	params, _ := structpb.NewStruct(map[string]any{"message": "hi"})
	req := protocol.ActionRequestData{TransactionID: "t1", Module: "echo", Action: "run", Params: params, NotifyOutcome: true}

	proc.ProcessNonBlocking(context.Background(), req, nil, "cth://broker/controller", "env-1")

	if len(transport.frames) != 1 {
		t.Fatalf("expected 1 provisional frame, got %d", len(transport.frames))
	}
	var env protocol.Envelope
	if err := env.UnmarshalJSON(transport.frames[0]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.DataSchema != protocol.SchemaProvisionalReply {
		t.Fatalf("unexpected schema: %s", env.DataSchema)
	}

	var data protocol.ProvisionalResponseData
	if err := protocol.FromStruct(env.Data, &data); err != nil {
		t.Fatalf("decode provisional data: %v", err)
	}
	if !data.Success || data.JobID == "" {
		t.Fatalf("unexpected provisional data: %#v", data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(transport.frames) < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(transport.frames) != 2 {
		t.Fatalf("expected non_blocking_response to follow, got %d frames", len(transport.frames))
	}

	var final protocol.Envelope
	if err := final.UnmarshalJSON(transport.frames[1]); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.DataSchema != protocol.SchemaNonBlockingReply {
		t.Fatalf("unexpected final schema: %s", final.DataSchema)
	}
}

func TestProcessNonBlockingForwardsDebugChunksOnProvisional(t *testing.T) {
	proc, transport, tr := newTestProcessor(t, map[string]api.ModuleDescriptor{"echo": echoModule()})
	defer tr.Shutdown()

	req := protocol.ActionRequestData{TransactionID: "t1", Module: "echo", Action: "run"}
	dbg, _ := structpb.NewStruct(map[string]any{"hop": "broker-1"})

	proc.ProcessNonBlocking(context.Background(), req, []*structpb.Struct{dbg}, "cth://broker/controller", "env-1")

	if len(transport.frames) != 1 {
		t.Fatalf("expected 1 provisional frame, got %d", len(transport.frames))
	}
	var env protocol.Envelope
	if err := env.UnmarshalJSON(transport.frames[0]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env.Debug) != 1 || env.Debug[0].Fields["hop"].GetStringValue() != "broker-1" {
		t.Fatalf("expected debug chunk to be forwarded verbatim, got %#v", env.Debug)
	}
}

func TestRunTaskErrorUsesOriginalEnvelopeID(t *testing.T) {
	failing := api.ModuleDescriptor{
		ModuleName: "broken",
		Actions:    map[string]api.ActionSchema{"run": {}},
		Handler: api.HandlerFunc(func(_ context.Context, _ string, _ *structpb.Struct) (api.Outcome, error) {
			return api.Outcome{}, errBoom
		}),
	}
	proc, transport, tr := newTestProcessor(t, map[string]api.ModuleDescriptor{"broken": failing})
	defer tr.Shutdown()

	req := protocol.ActionRequestData{TransactionID: "t1", Module: "broken", Action: "run"}
	proc.ProcessNonBlocking(context.Background(), req, nil, "cth://broker/controller", "original-envelope-id")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(transport.frames) < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(transport.frames) != 2 {
		t.Fatalf("expected provisional + rpc_error, got %d frames", len(transport.frames))
	}

	var errEnv protocol.Envelope
	if err := errEnv.UnmarshalJSON(transport.frames[1]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errEnv.DataSchema != protocol.SchemaError {
		t.Fatalf("unexpected schema: %s", errEnv.DataSchema)
	}
	var errData protocol.ErrorData
	if err := protocol.FromStruct(errEnv.Data, &errData); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if errData.ID != "original-envelope-id" {
		t.Fatalf("expected rpc_error id to be the original envelope id, got %q", errData.ID)
	}
}
