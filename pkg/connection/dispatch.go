package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
)

// sendError sends a self-generated rpc_error envelope directly,
// bypassing pkg/reply since the Connection Supervisor sits below it in
// the dependency graph (reply.Sender depends on Supervisor, not the
// reverse).
func (s *Supervisor) sendError(ctx context.Context, target string, data protocol.ErrorData) error {
	payload, err := protocol.ToStruct(data)
	if err != nil {
		return err
	}
	env := &protocol.Envelope{
		ID:         uuid.NewString(),
		Version:    protocol.Version,
		Sender:     s.opts.AgentURI,
		Expires:    time.Now().Add(s.opts.MsgTimeout),
		Endpoints:  []string{target},
		DataSchema: protocol.SchemaError,
		Data:       payload,
	}
	frame, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.MsgTimeout)
	defer cancel()
	return s.SendText(sendCtx, frame)
}

// readLoop is the inbound dispatcher (spec.md §4.F): for each received
// text frame, parse, validate, and hand off to the Request Processor.
// Validation failures are logged and dropped without a reply, since we
// may not be able to identify the sender. Grounded on
// original_source's handle_message.
func (s *Supervisor) readLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return &pxperrors.ConnectionError{Op: "read", Err: fmt.Errorf("connection torn down")}
		}

		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return &pxperrors.ConnectionError{Op: "read", Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil
		}

		s.handleInbound(ctx, payload)
	}
}

func (s *Supervisor) handleInbound(ctx context.Context, payload []byte) {
	var env protocol.Envelope
	if err := env.UnmarshalJSON(payload); err != nil {
		s.log.Info("dropping inbound frame: invalid envelope", zap.Error(err))
		return
	}

	if env.DataSchema != protocol.SchemaCNCRequest {
		s.log.Info("dropping inbound frame: unexpected data_schema", zap.String("data_schema", env.DataSchema))
		return
	}
	if s.opts.RequireLoginAck && !s.loggedIn.Load() {
		s.log.Info("dropping inbound frame: login not yet acknowledged")
		return
	}

	var req protocol.ActionRequestData
	if err := protocol.FromStruct(env.Data, &req); err != nil {
		s.log.Info("dropping inbound frame: invalid action request", zap.Error(err))
		return
	}
	if req.TransactionID == "" || req.Module == "" || req.Action == "" {
		verr := &pxperrors.ValidationError{Schema: protocol.SchemaCNCRequest, Err: fmt.Errorf("missing required field")}
		s.log.Info("dropping inbound frame: schema validation failed", zap.Error(verr))
		return
	}

	requester := env.Sender

	// The wire's mere key-presence of notify_outcome distinguishes a
	// non-blocking request from a blocking one, since cncschema is
	// shared by both and notify_outcome's *value* alone can't (a
	// non-blocking request may still ask for no completion reply).
	// See DESIGN.md's resolution of this open question.
	_, isNonBlocking := env.Data.Fields["notify_outcome"]
	if isNonBlocking {
		s.disp.ProcessNonBlocking(ctx, req, env.Debug, requester, env.ID)
		return
	}

	if err := s.disp.ProcessBlocking(ctx, req, env.Debug, requester); err != nil {
		errData := protocol.ErrorData{TransactionID: req.TransactionID, ID: env.ID, Description: err.Error()}
		if sendErr := s.sendError(ctx, requester, errData); sendErr != nil {
			s.log.Warn("failed to send rpc_error for blocking request", zap.Error(sendErr))
		}
	}
}
