package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
)

// openAndServe dials the broker, logs in, and runs the heartbeat and
// inbound-dispatch loops until the connection fails or ctx is done.
// This is the Go analogue of connect_and_run in
// original_source/src/agent/agent_endpoint.cpp.
// openAndServe reports whether the connection reached stateOpen (login
// succeeded), so Run can tell a broker that refused the connection
// outright from one that dropped a session it had already established.
func (s *Supervisor) openAndServe(ctx context.Context) (connected bool, err error) {
	dialer := &websocket.Dialer{
		TLSClientConfig:  s.tlsConfig,
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.opts.BrokerURL, nil)
	if err != nil {
		return false, &pxperrors.ConnectionError{Op: "dial", Err: err}
	}

	s.setState(stateAuthenticating)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.loggedIn.Store(false)

	defer s.teardown()

	s.installPongHandler(conn)

	if err := s.sendLogin(ctx); err != nil {
		return false, err
	}
	// original_source never waits on a login ack before dispatching;
	// RequireLoginAck exists only so a deployment can opt into waiting
	// (spec.md §9's resolved open question).
	if !s.opts.RequireLoginAck {
		s.loggedIn.Store(true)
	}
	s.setState(stateOpen)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.heartbeatLoop(loopCtx) }()
	go func() { errCh <- s.readLoop(loopCtx) }()

	select {
	case <-loopCtx.Done():
		return true, nil
	case err := <-errCh:
		return true, err
	}
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.stopPongTimer()
	if conn != nil {
		_ = conn.Close()
	}
}
