// Package dealer implements the persistent WebSocket connection to
// Spotify's "dealer" endpoint: frame parsing, the messages/requests
// streams, heartbeat, and reconnection with backoff.
package dealer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-spotconnect/spotconnect/internal/pubsub"
)

// ConnectionState is the dealer connection state machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Resolver resolves the ordered list of dealer hostnames to try, e.g. via
// apresolve.spotify.com?type=dealer.
type Resolver interface {
	ResolveDealer(ctx context.Context) ([]string, error)
}

// AccessTokenSource supplies a fresh OAuth access token for the dealer
// WebSocket query string. Implemented by internal/session.Session.
type AccessTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

const (
	heartbeatInterval = 30 * time.Second
	pongTimeout       = 3 * time.Second
	writeTimeout      = 10 * time.Second

	readBackpressureHigh = 1 << 20   // 1 MiB, pause producer
	readBackpressureLow  = 512 << 10 // 512 KiB, resume producer
)

// ErrResolveFailed is returned when the resolver yields no candidates.
var ErrResolveFailed = errors.New("dealer: resolve failed: no dealer hosts returned")

// ErrConnectionFailed is returned when every candidate host refused the
// WebSocket handshake.
var ErrConnectionFailed = errors.New("dealer: connection failed: all candidate hosts refused")

// ErrHeartbeatTimeout is surfaced on the connection-state stream's
// disconnection when no pong arrives within pongTimeout of a ping.
var ErrHeartbeatTimeout = errors.New("dealer: heartbeat timeout")

// Dealer owns a single WebSocket connection and demultiplexes inbound
// frames into the messages/requests streams. All outbound writes go
// through writeMu so ping/pong and application
// replies never interleave corrupt bytes.
type Dealer struct {
	resolver Resolver
	tokens   AccessTokenSource
	dialer   *websocket.Dialer

	connState *pubsub.Value[ConnectionState]
	messages  *pubsub.Stream[Message]
	requests  *pubsub.Stream[Request]

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	lastPong   time.Time
	lastPongMu sync.Mutex
}

// New creates a Dealer using resolver to find hosts and tokens to
// authenticate.
func New(resolver Resolver, tokens AccessTokenSource) *Dealer {
	return &Dealer{
		resolver: resolver,
		tokens:   tokens,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		connState: pubsub.NewValue(Disconnected, func(a, b ConnectionState) bool {
			return a == b
		}),
		messages: pubsub.NewStream[Message](),
		requests: pubsub.NewStream[Request](),
	}
}

// ConnectionState returns an observable that immediately yields the
// current connection state and then every subsequent transition.
func (d *Dealer) ConnectionState() (<-chan ConnectionState, func()) {
	return d.connState.Subscribe()
}

// CurrentConnectionState returns the connection state right now.
func (d *Dealer) CurrentConnectionState() ConnectionState {
	return d.connState.Get()
}

// Messages returns the stream of decoded "message" frames.
func (d *Dealer) Messages() (<-chan Message, func()) {
	return d.messages.Subscribe()
}

// Requests returns the stream of decoded "request" frames. Every request
// delivered here must eventually be answered via SendReply.
func (d *Dealer) Requests() (<-chan Request, func()) {
	return d.requests.Subscribe()
}

// Connect resolves the dealer endpoint and opens the WebSocket, trying
// each candidate host in order.
func (d *Dealer) Connect(ctx context.Context) error {
	d.connState.Set(Connecting)

	hosts, err := d.resolver.ResolveDealer(ctx)
	if err != nil {
		d.connState.Set(Disconnected)
		return fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	if len(hosts) == 0 {
		d.connState.Set(Disconnected)
		return ErrResolveFailed
	}

	token, err := d.tokens.AccessToken(ctx)
	if err != nil {
		d.connState.Set(Disconnected)
		return fmt.Errorf("dealer: access token: %w", err)
	}

	var lastErr error
	for _, host := range hosts {
		u := url.URL{Scheme: "wss", Host: host, RawQuery: "access_token=" + url.QueryEscape(token)}
		conn, _, err := d.dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			lastErr = err
			slog.Debug("dealer: candidate host failed", "host", host, "err", err)
			continue
		}
		d.connMu.Lock()
		d.conn = conn
		d.connMu.Unlock()
		d.lastPongMu.Lock()
		d.lastPong = time.Now()
		d.lastPongMu.Unlock()
		d.connState.Set(Connected)
		slog.Info("dealer: connected", "host", host)
		return nil
	}

	d.connState.Set(Disconnected)
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
	}
	return ErrConnectionFailed
}

// Run drives one connection's lifetime: the read loop and the heartbeat
// loop, both cancelled by ctx or by a fatal I/O error. It returns when
// the connection is lost; callers that want automatic reconnection
// should call Run in a loop (see RunWithReconnect).
func (d *Dealer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- d.readLoop(runCtx) }()
	go func() { errCh <- d.heartbeatLoop(runCtx) }()

	err := <-errCh
	cancel()
	<-errCh // wait for the other goroutine to notice cancellation and exit
	d.closeConn()
	d.connState.Set(Disconnected)
	return err
}

// RunWithReconnect connects and runs the dealer forever, reconnecting
// with exponential backoff (initial 1s, multiplier 2, cap 30s, infinite
// attempts) whenever the connection drops. Each attempt re-resolves the
// endpoint list and fetches a fresh access token.
func (d *Dealer) RunWithReconnect(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.Connect(ctx); err != nil {
			slog.Warn("dealer: connect failed, backing off", "err", err, "backoff", backoff)
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Second
		if err := d.Run(ctx); err != nil {
			slog.Warn("dealer: connection lost", "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Kick forces the current connection closed so RunWithReconnect notices
// immediately instead of waiting for a read error or the heartbeat
// timeout, and reconnects on its next loop iteration. Callers such as
// internal/netwatch use it when connectivity returns after an outage. A
// no-op if the dealer is not currently connected: it does not cut short
// a backoff sleep that RunWithReconnect is already in after a failed
// connect attempt.
func (d *Dealer) Kick() {
	d.closeConn()
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dealer) closeConn() {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

// readLoop reads whole frames (one gorilla ReadMessage call already
// yields exactly one frame) and dispatches each one synchronously before
// reading the next, so a slow dispatch holds off further socket reads.
// No frames are queued between the socket and dispatch: queuedBytes is
// only a byte counter checked against the back-pressure watermarks, and
// both branches below dispatch at once and differ only in when the
// counter is reset.
func (d *Dealer) readLoop(ctx context.Context) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return errors.New("dealer: readLoop called without a connection")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var queuedBytes int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("dealer: read: %w", err)
		}
		queuedBytes += len(data)
		if queuedBytes >= readBackpressureHigh {
			// At or over the high watermark: dispatch this frame and
			// reset the counter.
			d.dispatch(data)
			queuedBytes = 0
			continue
		}
		d.dispatch(data)
		if queuedBytes <= readBackpressureLow {
			queuedBytes = 0
		}
	}
}

func (d *Dealer) dispatch(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		slog.Warn("dealer: discarding malformed frame", "err", err, "trace", string(data))
		return
	}
	switch f.Type {
	case frameTypePing:
		d.sendPong()
	case frameTypePong:
		d.recordPong()
	case frameTypeMessage:
		msg, err := decodeMessage(f)
		if err != nil {
			slog.Warn("dealer: discarding malformed message frame", "err", err, "uri", f.URI)
			return
		}
		d.messages.Publish(*msg)
	case frameTypeRequest:
		req := decodeRequest(f)
		d.requests.Publish(*req)
	default:
		slog.Debug("dealer: discarding frame of unknown type", "type", f.Type)
	}
}

func (d *Dealer) recordPong() {
	d.lastPongMu.Lock()
	d.lastPong = time.Now()
	d.lastPongMu.Unlock()
}

func (d *Dealer) sendPong() {
	if err := d.writeRaw(pongFrameBytes); err != nil {
		slog.Warn("dealer: failed to send pong", "err", err)
	}
}

// SendReply answers a previously-received Request. Replies are sent even
// on failure (success=false).
func (d *Dealer) SendReply(key string, success bool) error {
	data, err := buildReply(key, success)
	if err != nil {
		return fmt.Errorf("dealer: encode reply: %w", err)
	}
	return d.writeRaw(data)
}

func (d *Dealer) writeRaw(data []byte) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return errors.New("dealer: not connected")
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeatLoop sends a ping every heartbeatInterval and triggers
// reconnection (by returning an error) if no pong arrives within
// pongTimeout afterward.
func (d *Dealer) heartbeatLoop(ctx context.Context) error {
	pingFrame, err := json.Marshal(map[string]string{"type": "ping"})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.writeRaw(pingFrame); err != nil {
				return fmt.Errorf("dealer: ping write failed: %w", err)
			}
			sentAt := time.Now()
			if !d.awaitPong(ctx, sentAt) {
				return ErrHeartbeatTimeout
			}
		}
	}
}

func (d *Dealer) awaitPong(ctx context.Context, sentAt time.Time) bool {
	deadline := time.NewTimer(pongTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return true // shutting down, not a heartbeat failure
		case <-deadline.C:
			d.lastPongMu.Lock()
			ok := d.lastPong.After(sentAt) || d.lastPong.Equal(sentAt)
			d.lastPongMu.Unlock()
			return ok
		case <-poll.C:
			d.lastPongMu.Lock()
			ok := d.lastPong.After(sentAt)
			d.lastPongMu.Unlock()
			if ok {
				return true
			}
		}
	}
}
