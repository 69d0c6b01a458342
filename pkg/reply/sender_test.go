package reply

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pxp-agent/pxp-agent/pkg/protocol"
)

type fakeTransport struct {
	frames [][]byte
	fail   bool
}

func (f *fakeTransport) SendText(_ context.Context, frame []byte) error {
	if f.fail {
		return errors.New("channel closed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func TestSendBuildsValidEnvelope(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft, "cth://agent/agent")

	err := s.Send(context.Background(), []string{"cth://broker/controller"}, protocol.SchemaBlockingResponse, 10*time.Second,
		protocol.BlockingResponseData{TransactionID: "t1", Results: nil}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ft.frames) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(ft.frames))
	}

	var env protocol.Envelope
	if err := env.UnmarshalJSON(ft.frames[0]); err != nil {
		t.Fatalf("frame did not round-trip through Envelope: %v", err)
	}
	if env.DataSchema != protocol.SchemaBlockingResponse {
		t.Fatalf("unexpected data_schema: %s", env.DataSchema)
	}
	if env.Sender != "cth://agent/agent" {
		t.Fatalf("unexpected sender: %s", env.Sender)
	}
}

func TestSendFailureIsConnectionError(t *testing.T) {
	ft := &fakeTransport{fail: true}
	s := New(ft, "cth://agent/agent")

	err := s.Send(context.Background(), nil, protocol.SchemaError, 10*time.Second,
		protocol.ErrorData{TransactionID: "t1", Description: "boom"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "connection error") {
		t.Fatalf("expected connection error classification, got %v", err)
	}
}
