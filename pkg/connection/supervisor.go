// Package connection implements the Connection Supervisor (spec.md
// §4.F): dial, mutually-authenticated TLS, login, heartbeat, inbound
// dispatch, and reconnect-on-failure. Grounded on
// original_source/src/agent/agent_endpoint.cpp's AgentEndpoint /
// HeartbeatTask / connect_and_run / monitorConnectionState.
package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
)

// Dispatcher is invoked for every inbound, schema-validated action
// request. It is implemented by pkg/processor's Processor.
type Dispatcher interface {
	ProcessBlocking(ctx context.Context, req protocol.ActionRequestData, debug []*structpb.Struct, requester string) error
	ProcessNonBlocking(ctx context.Context, req protocol.ActionRequestData, debug []*structpb.Struct, requester, requestID string)
}

// Options configures a Supervisor.
type Options struct {
	BrokerURL        string
	AgentURI         string
	CACertPath       string
	ClientCertPath   string
	ClientKeyPath    string
	HeartbeatPeriod  time.Duration
	ReconnectBackoff time.Duration
	MsgTimeout       time.Duration
	// RequireLoginAck controls whether the supervisor waits for a
	// login acknowledgment before dispatching inbound requests.
	// spec.md §9 leaves this an open question; default false matches
	// original_source, which never waits on one.
	RequireLoginAck bool
	// MaxReconnectAttempts bounds consecutive failed (re)connect
	// attempts before Run gives up with a fatal_error, mirroring
	// original_source's monitorConnectionState (spec.md §7). The
	// counter resets to zero every time a connection is successfully
	// established, so this bounds runs of failures, not lifetime
	// attempts. Zero uses defaultMaxReconnectAttempts.
	MaxReconnectAttempts int
}

const defaultMaxReconnectAttempts = 10

// state is the Connection Supervisor's state machine (spec.md §4.F).
type state int32

const (
	stateDisconnected state = iota
	stateConnecting
	stateAuthenticating
	stateOpen
	stateReconnecting
	stateClosed
)

// Supervisor owns one logical broker session.
type Supervisor struct {
	opts Options
	log  *zap.Logger
	disp Dispatcher

	tlsConfig *tls.Config

	mu      sync.Mutex // guards conn and writes to it
	conn    *websocket.Conn
	current atomic.Int32 // state

	// consecutivePongTimeouts, and the timer that drives it, are shared
	// between the heartbeat goroutine and the pong-handler callback
	// (invoked from the reader goroutine); guarded by their own mutex
	// per spec.md §5, deliberately not folded into a larger lock since
	// those callbacks must not block on unrelated state.
	pongMu                  sync.Mutex
	pongTimer               *time.Timer
	consecutivePongTimeouts int

	loggedIn atomic.Bool
}

// New builds a Supervisor. TLS material is loaded eagerly so a
// misconfigured cert/key/CA fails fast at startup (fatal_error, per
// spec.md §7).
func New(opts Options, disp Dispatcher, log *zap.Logger) (*Supervisor, error) {
	tlsConfig, err := loadTLSConfig(opts.CACertPath, opts.ClientCertPath, opts.ClientKeyPath)
	if err != nil {
		return nil, &pxperrors.FatalError{Op: "load TLS configuration", Err: err}
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 30 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 2 * time.Second
	}
	if opts.MsgTimeout <= 0 {
		opts.MsgTimeout = 10 * time.Second
	}
	return &Supervisor{opts: opts, log: log, disp: disp, tlsConfig: tlsConfig}, nil
}

// SetDispatcher wires the Request Processor in after construction, since
// the Processor's own dependencies (via reply.Sender) require a
// Transport that only the Supervisor itself can provide.
func (s *Supervisor) SetDispatcher(disp Dispatcher) {
	s.disp = disp
}

func loadTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read ca-crt: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ca-crt %s contains no usable certificates", caPath)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Run drives the supervisor until ctx is cancelled, reconnecting on
// failure. It returns a fatal_error if the broker URL itself is
// unusable, or once MaxReconnectAttempts consecutive connection
// attempts fail without ever reaching stateOpen again, matching
// original_source's monitorConnectionState (spec.md §6, §7).
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := url.Parse(s.opts.BrokerURL); err != nil {
		return &pxperrors.FatalError{Op: "parse broker-url", Err: err}
	}

	maxAttempts := s.opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}

	var attempts int
	var lastErr error
	for {
		s.setState(stateConnecting)
		connected, err := s.openAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(stateClosed)
			return nil
		}
		if connected {
			attempts = 0
		} else {
			attempts++
			lastErr = err
		}
		if err != nil {
			s.log.Warn("connection lost, reconnecting", zap.Error(err), zap.Int("attempt", attempts))
		}

		if attempts >= maxAttempts {
			s.setState(stateClosed)
			return &pxperrors.FatalError{
				Op:  "connect to broker",
				Err: fmt.Errorf("exhausted %d consecutive reconnect attempts: %w", maxAttempts, lastErr),
			}
		}

		s.setState(stateReconnecting)
		select {
		case <-ctx.Done():
			s.setState(stateClosed)
			return nil
		case <-time.After(s.opts.ReconnectBackoff):
		}
	}
}

func (s *Supervisor) setState(st state) {
	s.current.Store(int32(st))
}

// SendText implements reply.Transport: the Reply Sender's one
// dependency on the live connection.
func (s *Supervisor) SendText(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.opts.MsgTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &pxperrors.ConnectionError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return &pxperrors.ConnectionError{Op: "set write deadline", Err: err}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &pxperrors.ConnectionError{Op: "write", Err: err}
	}
	return nil
}
