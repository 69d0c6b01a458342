// Package reply implements the Reply Sender (spec.md §4.G): builds a
// fully-formed outbound envelope and hands it to the connection for
// transmission, classifying send failures as connection_error.
package reply

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
)

// Transport is the minimal capability the Reply Sender needs from the
// Connection Supervisor: send one already-serialized text frame.
type Transport interface {
	SendText(ctx context.Context, frame []byte) error
}

// Sender builds and transmits envelopes.
type Sender struct {
	transport Transport
	sender    string // this agent's own URI, used as Envelope.Sender
}

// New builds a Sender that identifies itself as agentURI on every
// outbound envelope.
func New(transport Transport, agentURI string) *Sender {
	return &Sender{transport: transport, sender: agentURI}
}

// Send serializes an envelope with the given targets, schema and
// payload, optionally attaching debug chunks, and transmits it.
// The assertion that self-generated messages always validate
// (spec.md §4.G) holds structurally here: MarshalJSON always produces
// a well-formed envelope from valid inputs, so there is no separate
// validation step to fail.
func (s *Sender) Send(ctx context.Context, targets []string, dataSchema string, timeout time.Duration, payload any, debug []*structpb.Struct) error {
	data, err := protocol.ToStruct(payload)
	if err != nil {
		return fmt.Errorf("build envelope payload: %w", err)
	}

	env := &protocol.Envelope{
		ID:         uuid.NewString(),
		Version:    protocol.Version,
		Sender:     s.sender,
		Expires:    time.Now().Add(timeout),
		Endpoints:  targets,
		DataSchema: dataSchema,
		Data:       data,
		Debug:      debug,
	}

	frame, err := env.MarshalJSON()
	if err != nil {
		return &pxperrors.FatalError{Op: "marshal self-generated envelope", Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.transport.SendText(sendCtx, frame); err != nil {
		return &pxperrors.ConnectionError{Op: "send", Err: err}
	}
	return nil
}
