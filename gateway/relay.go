package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// keepaliveInterval is how often the relay probes the caller-side socket.
const keepaliveInterval = 20 * time.Second

// Relay bridges one caller-side WebSocket and one target-system WebSocket as
// a byte-for-byte, frame-type-preserving duplex pipe. One session exists per
// upgraded connection; both sockets' lifetimes are coupled.
type Relay struct {
	target    *url.URL
	session   *TokenSession
	client    *http.Client
	logger    *slog.Logger
	keepalive time.Duration
}

// NewRelay wires a relay dialling the configured target with ws(s) scheme.
func NewRelay(cfg TargetConfig, session *TokenSession, logger *slog.Logger) (*Relay, error) {
	target, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}
	return &Relay{
		target:  target,
		session: session,
		client: &http.Client{
			Transport: newTargetTransport(cfg),
		},
		logger:    logger,
		keepalive: keepaliveInterval,
	}, nil
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin enforcement happens at the identity proxy in front of
		// the gateway.
		InsecureSkipVerify: true,
	})
	if err != nil {
		rl.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	caller.SetReadLimit(-1)

	ctx := r.Context()

	token, err := rl.session.Token(ctx)
	if err != nil {
		rl.logger.Error("relay aborted: target authentication failed",
			"path", r.URL.Path, "error", err)
		_ = caller.Close(websocket.StatusInternalError, "target authentication failed")
		return
	}

	outURL := *rl.target
	outURL.Path = rl.target.Path + ensureLeadingSlash(r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	backend, resp, err := websocket.Dial(ctx, outURL.String(), &websocket.DialOptions{
		HTTPClient: rl.client,
		HTTPHeader: hdr,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		rerr := &RelayError{Reason: "target dial failed", Err: err}
		rl.logger.Error("relay aborted",
			"path", r.URL.Path, "target", outURL.String(), "status", status, "error", rerr)
		_ = caller.Close(websocket.StatusInternalError, "target dial failed")
		return
	}
	backend.SetReadLimit(-1)

	rl.logger.Info("relay session established", "path", r.URL.Path)

	sess := &relaySession{
		caller:    caller,
		backend:   backend,
		keepalive: rl.keepalive,
		logger:    rl.logger,
	}
	sess.run(ctx)
}

// relaySession is one live bridge between caller and target. It dies as a
// whole: the first side to close or error tears down the other with a
// protocol-legal status code, and the keepalive timer with it.
type relaySession struct {
	caller    *websocket.Conn
	backend   *websocket.Conn
	keepalive time.Duration
	logger    *slog.Logger

	closeOnce sync.Once
}

func (s *relaySession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.keepaliveLoop(ctx)

	done := make(chan websocket.StatusCode, 2)
	go func() { done <- s.pipe(ctx, s.backend, s.caller) }()
	go func() { done <- s.pipe(ctx, s.caller, s.backend) }()

	// Close before cancelling: cancelling first tears down both
	// connections mid-handshake and the peer would see an abnormal
	// closure instead of the derived code.
	code := <-done
	s.close(code)
	cancel()
}

// pipe relays frames from src to dst verbatim, preserving the text/binary
// distinction; losing it would corrupt how a browser-side client decodes
// the payload. Returns the sanitized status code to close the peer with.
func (s *relaySession) pipe(ctx context.Context, dst, src *websocket.Conn) websocket.StatusCode {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return sanitizeCloseCode(websocket.CloseStatus(err))
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return sanitizeCloseCode(websocket.CloseStatus(err))
		}
	}
}

// keepaliveLoop probes the caller-side socket on a fixed interval. A probe
// unanswered before the next one fires marks the connection dead, and it is
// forcibly terminated rather than gracefully closed: the socket may be
// unresponsive, and a close handshake would block.
func (s *relaySession) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.keepalive)
			err := s.caller.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("keepalive pong missed, terminating caller connection")
				_ = s.caller.CloseNow()
				return
			}
		}
	}
}

func (s *relaySession) close(code websocket.StatusCode) {
	s.closeOnce.Do(func() {
		_ = s.caller.Close(code, "relay closed")
		_ = s.backend.Close(code, "relay closed")
		s.logger.Info("relay session closed", "code", int(code))
	})
}

// sanitizeCloseCode remaps codes that are meaningful locally but illegal to
// send on the wire (reserved codes and anything outside 1000-4999) to a
// normal closure.
func sanitizeCloseCode(code websocket.StatusCode) websocket.StatusCode {
	switch code {
	case 1004, websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusNormalClosure
	}
	if code < 1000 || code > 4999 {
		return websocket.StatusNormalClosure
	}
	return code
}
