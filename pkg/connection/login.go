package connection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
)

var errNotConnected = errors.New("not connected")

const websocketPingMessage = websocket.PingMessage

// heartbeatPayload is the fixed binary liveness payload sent with every
// ping, per spec.md §6.
var heartbeatPayload = []byte("pxp-agent-heartbeat")

// sendLogin builds and sends the login envelope, per spec.md §6's
// loginschema and original_source's send_login.
func (s *Supervisor) sendLogin(ctx context.Context) error {
	data, err := protocol.ToStruct(protocol.LoginData{Type: "agent"})
	if err != nil {
		return &pxperrors.FatalError{Op: "build login payload", Err: err}
	}

	env := &protocol.Envelope{
		ID:         uuid.NewString(),
		Version:    protocol.Version,
		Sender:     s.opts.AgentURI,
		Expires:    time.Now().Add(s.opts.MsgTimeout),
		Endpoints:  []string{},
		DataSchema: protocol.SchemaLogin,
		Data:       data,
	}

	frame, err := env.MarshalJSON()
	if err != nil {
		return &pxperrors.FatalError{Op: "marshal login envelope", Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.MsgTimeout)
	defer cancel()
	if err := s.SendText(sendCtx, frame); err != nil {
		return &pxperrors.FatalError{Op: "send login", Err: err}
	}
	s.log.Info("sent login", zap.String("sender", s.opts.AgentURI))
	return nil
}

// heartbeatLoop pings every HeartbeatPeriod while the connection is
// open; it never tears the connection down itself, only counts missed
// pongs (spec.md §4.F/§5). Grounded on HeartbeatTask::heartbeatThread.
func (s *Supervisor) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sendPing(); err != nil {
				s.log.Warn("heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

// sendPing writes a ping frame and arms the pong-timeout timer. A
// write failure means the connection is already broken and is left to
// the reader goroutine/reconnect loop; it is not itself counted as a
// missed pong (spec.md §8 scenario 6 only concerns a pong that never
// arrives on an otherwise-live connection).
func (s *Supervisor) sendPing() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return &pxperrors.ConnectionError{Op: "heartbeat", Err: errNotConnected}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.MsgTimeout)); err != nil {
		s.mu.Unlock()
		return &pxperrors.ConnectionError{Op: "heartbeat write deadline", Err: err}
	}
	err := conn.WriteMessage(websocketPingMessage, heartbeatPayload)
	s.mu.Unlock()
	if err != nil {
		return &pxperrors.ConnectionError{Op: "heartbeat", Err: err}
	}
	s.armPongTimeout()
	return nil
}

// installPongHandler wires the pong callback that disarms the timeout
// timer and resets the missed-pong count, per spec.md §8 scenario 6
// ("the next pong resets the counter to zero").
func (s *Supervisor) installPongHandler(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		if s.pongTimer != nil {
			s.pongTimer.Stop()
			s.pongTimer = nil
		}
		s.consecutivePongTimeouts = 0
		s.pongMu.Unlock()
		return nil
	})
}

// armPongTimeout starts (replacing any still-running one) a timer that
// counts a missed pong if it fires before the next pong arrives. The
// deadline is MsgTimeout: a pong is expected well within the interval
// before the next scheduled ping.
func (s *Supervisor) armPongTimeout() {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.pongTimer = time.AfterFunc(s.opts.MsgTimeout, func() {
		s.pongMu.Lock()
		s.consecutivePongTimeouts++
		s.pongMu.Unlock()
		s.log.Warn("pong not received before deadline")
	})
}

func (s *Supervisor) stopPongTimer() {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

// ConsecutivePongTimeouts reports the current missed-pong count
// (diagnostics/tests).
func (s *Supervisor) ConsecutivePongTimeouts() int {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return s.consecutivePongTimeouts
}
