// Package stream owns the physical connection to the KIS streaming endpoint
// and drives the connect/subscribe/receive/reconnect state machine.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang-kis-streamer/internal/quote"
	"golang-kis-streamer/internal/subs"
	"golang-kis-streamer/internal/token"
	"golang-kis-streamer/internal/wire"

	"github.com/gorilla/websocket"
)

// State names the session's position in its lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribing    State = "subscribing"
	StateLive           State = "live"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

var (
	// ErrNotConnected is returned for sends attempted without a live socket.
	ErrNotConnected = errors.New("streaming session is not connected")

	// ErrSessionClosed is returned for operations on an explicitly closed session.
	ErrSessionClosed = errors.New("streaming session is closed")

	// ErrReconnectExhausted marks the terminal state after the reconnect
	// ceiling; recovering requires operator intervention.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// TransportError wraps connect/send failures on the streaming socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TokenSource supplies and invalidates the streaming approval key.
// *token.Store is the production implementation.
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

// QuoteSink receives every successfully decoded quote record.
// *quote.Cache is the production implementation.
type QuoteSink interface {
	Put(ctx context.Context, q quote.Quote) error
}

// Options tunes the session's pacing and reconnect behavior. Zero values
// take the production defaults.
type Options struct {
	URL                  string
	SubscribeInterval    time.Duration // between base subscribe frames
	AdditionalInterval   time.Duration // between additional add/remove frames
	RetryInterval        time.Duration // between token-recovery retries
	RecoveryGrace        time.Duration // wait after invalidating a bad key
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MaxAdditional        int
	DialTimeout          time.Duration
}

func (o *Options) applyDefaults() {
	if o.SubscribeInterval == 0 {
		o.SubscribeInterval = time.Second
	}
	if o.AdditionalInterval == 0 {
		o.AdditionalInterval = 500 * time.Millisecond
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.RecoveryGrace == 0 {
		o.RecoveryGrace = 5 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 3
	}
	if o.MaxAdditional == 0 {
		o.MaxAdditional = subs.DefaultMaxAdditional
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// SessionStatus is the operator-facing snapshot of the session.
type SessionStatus struct {
	Connected               bool        `json:"connected"`
	State                   State       `json:"state"`
	ReconnectAttempts       int         `json:"reconnect_attempts"`
	SuccessfulSubscriptions int         `json:"successful_subscriptions"`
	FailedSubscriptions     []string    `json:"failed_subscriptions"`
	Subscriptions           subs.Status `json:"subscriptions"`
	LastError               string      `json:"last_error,omitempty"`
}

// Session owns one websocket connection to the streaming endpoint. A
// dedicated goroutine runs the receive loop; outbound sends from arbitrary
// goroutines are serialized by a send mutex so frames never interleave.
type Session struct {
	opts   Options
	tokens TokenSource
	quotes QuoteSink
	watch  *subs.Set

	// sendMu serializes every write to the socket, including the base
	// subscribe burst and heartbeat replies.
	sendMu sync.Mutex

	mu                sync.RWMutex
	conn              *websocket.Conn
	state             State
	closed            bool
	recovering        bool
	reconnectAttempts int
	successfulSubs    int
	failedSubs        map[string]struct{}
	lastError         string
}

// NewSession creates a session. It owns no connection until Connect.
func NewSession(tokens TokenSource, quotes QuoteSink, opts Options) *Session {
	opts.applyDefaults()

	return &Session{
		opts:       opts,
		tokens:     tokens,
		quotes:     quotes,
		watch:      subs.NewSet(opts.MaxAdditional, opts.AdditionalInterval),
		state:      StateDisconnected,
		failedSubs: make(map[string]struct{}),
	}
}

// Connect opens the streaming socket and subscribes the base watch-list.
// Additional subscriptions are session-scoped: a fresh Connect (including
// the automatic reconnect path) starts with an empty additional set, and
// callers must re-request codes they still care about.
func (s *Session) Connect(ctx context.Context, baseCodes []string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.watch.SetBase(baseCodes)
	return s.connect(ctx)
}

// connect performs one connect attempt: acquire credential, dial, start the
// receive loop, kick off the subscribe burst.
func (s *Session) connect(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}

	// Additional subscriptions are not carried across a (re)connect
	s.watch.ResetAdditional()

	s.setState(StateConnecting)
	log.Printf("🔴 Connecting to streaming endpoint %s", s.opts.URL)

	// Fail fast on credential problems before touching the socket. The key
	// itself is re-fetched from the store at every send.
	s.setState(StateAuthenticating)
	key, err := s.tokens.Acquire(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.setLastError(err)
		return fmt.Errorf("credential acquisition failed: %w", err)
	}
	if !token.IsFormatValid(key) {
		log.Printf("⚠️ Approval key has unexpected format, upstream may reject subscriptions")
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		s.setLastError(err)
		return &TransportError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	// Close may have landed while dialing; never publish a socket after it
	if s.closed {
		s.state = StateClosed
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.state = StateSubscribing
	s.successfulSubs = 0
	s.failedSubs = make(map[string]struct{})
	s.lastError = ""
	s.mu.Unlock()

	log.Printf("🎉 Streaming socket connected")

	go s.receiveLoop(conn)
	go s.subscribeAll(conn)

	return nil
}

// subscribeAll walks the effective watch-list (base order first, then any
// additional codes already present) with fixed inter-send pacing against
// the upstream per-second subscription limit.
func (s *Session) subscribeAll(conn *websocket.Conn) {
	codes := s.watch.Effective()

	for i, code := range codes {
		if i > 0 {
			time.Sleep(s.opts.SubscribeInterval)
		}

		if !s.owns(conn) {
			log.Printf("⚠️ Socket replaced during subscribe burst, aborting")
			return
		}

		log.Printf("📡 Subscribing %d/%d: %s", i+1, len(codes), code)
		if err := s.sendControl(code, true); err != nil {
			log.Printf("❌ Subscribe send failed for %s: %v", code, err)
			return
		}
	}

	// Only the burst that still owns the socket reaches Live
	s.mu.Lock()
	if s.conn == conn && s.state == StateSubscribing {
		s.state = StateLive
		s.reconnectAttempts = 0
		log.Printf("✅ Session live with %d subscriptions requested", len(codes))
	}
	s.mu.Unlock()
}

// owns reports whether conn is still the session's current socket.
func (s *Session) owns(conn *websocket.Conn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == conn
}

// sendControl builds and sends one subscribe/unsubscribe frame. The
// approval key is fetched from the store at send time so a mid-session
// refresh is picked up transparently.
func (s *Session) sendControl(code string, register bool) error {
	key, err := s.tokens.Acquire(context.Background())
	if err != nil {
		return fmt.Errorf("credential acquisition failed: %w", err)
	}
	if !token.IsFormatValid(key) {
		return fmt.Errorf("refusing to send with malformed approval key")
	}

	frame, err := wire.EncodeSubscribe(key, code, register)
	if err != nil {
		return err
	}

	return s.writeFrame(frame)
}

// writeFrame writes one frame under the send mutex.
func (s *Session) writeFrame(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// receiveLoop owns all inbound-frame handling for one socket. Decode errors
// are logged and dropped; only a transport error ends the loop.
func (s *Session) receiveLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			log.Printf("⚠️ Dropping undecodable frame: %v", err)
			continue
		}

		switch f := frame.(type) {
		case *wire.ControlFrame:
			s.handleControl(f)
		case *wire.DataFrame:
			s.handleData(f)
		case wire.Unrecognized:
			log.Printf("❓ Unrecognized frame: %.50s", f.Raw)
		}
	}
}

// handleControl processes heartbeats and subscription acknowledgements.
// Acks are keyed strictly by the embedded instrument code: they may arrive
// out of order relative to send order.
func (s *Session) handleControl(f *wire.ControlFrame) {
	if f.IsPingPong() {
		if err := s.writeFrame(wire.EncodePingPong()); err != nil {
			log.Printf("⚠️ Heartbeat reply failed: %v", err)
		}
		return
	}

	if f.TrID != wire.TrIDQuote {
		return
	}

	if f.IsSuccess() {
		s.mu.Lock()
		s.successfulSubs++
		delete(s.failedSubs, f.TrKey)
		count := s.successfulSubs
		s.mu.Unlock()

		log.Printf("🎉 Subscription acknowledged (%d): %s", count, f.TrKey)
		return
	}

	log.Printf("❌ Subscription failed: %s - RT_CD: %s, MSG: %s", f.TrKey, f.RtCd, f.Message)

	s.mu.Lock()
	if f.TrKey != "" {
		s.failedSubs[f.TrKey] = struct{}{}
	}
	shouldRecover := f.IsAuthFailure() && !s.recovering
	if shouldRecover {
		s.recovering = true
	}
	s.mu.Unlock()

	if shouldRecover {
		log.Printf("⚠️ Credential problem detected in ack - starting approval key recovery")
		go s.recoverFromTokenError()
	}
}

// recoverFromTokenError refreshes the approval key and retries every
// instrument in the failed set, without tearing down the socket.
func (s *Session) recoverFromTokenError() {
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	ctx := context.Background()
	s.tokens.Invalidate(ctx)
	time.Sleep(s.opts.RecoveryGrace)

	if _, err := s.tokens.Acquire(ctx); err != nil {
		log.Printf("❌ Approval key recovery failed: %v", err)
		s.setLastError(err)
		return
	}
	log.Printf("✅ Approval key refreshed, retrying failed subscriptions")

	s.mu.RLock()
	retry := make([]string, 0, len(s.failedSubs))
	for code := range s.failedSubs {
		retry = append(retry, code)
	}
	s.mu.RUnlock()

	for i, code := range retry {
		if i > 0 {
			time.Sleep(s.opts.RetryInterval)
		}

		log.Printf("🔄 Re-subscribing %s", code)
		if err := s.sendControl(code, true); err != nil {
			log.Printf("❌ Re-subscribe failed for %s: %v", code, err)
		}
	}
}

// handleData writes every parsed record into the quote cache.
func (s *Session) handleData(f *wire.DataFrame) {
	if f.TrID != wire.TrIDQuote {
		return
	}

	ctx := context.Background()
	for _, record := range f.Records {
		q := quote.Quote{
			Code:         record.Code,
			Price:        record.Price,
			ChangeAmount: record.ChangeAmount,
			ChangeRate:   record.ChangeRate,
			Sign:         record.Sign,
			TradeTime:    record.TradeTime,
			ObservedAt:   time.Now(),
		}

		if err := s.quotes.Put(ctx, q); err != nil {
			log.Printf("⚠️ Failed to cache quote for %s: %v", record.Code, err)
		}
	}
}

// handleDisconnect reacts to a transport close: bounded reconnect with the
// base watch-list, or terminal disconnection past the ceiling. An explicit
// Close never reconnects.
func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		// A stale receive loop outlived its socket
		s.mu.Unlock()
		return
	}
	s.conn = nil
	conn.Close()

	if s.closed {
		s.state = StateClosed
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Printf("🔌 Streaming socket closed: %v", cause)
	s.setLastError(cause)
	s.reconnectLoop()
}

// reconnectLoop drives bounded reconnect attempts. Each attempt counts,
// whether dial fails or a fresh socket closes again before going Live.
func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.state = StateClosed
			s.mu.Unlock()
			return
		}
		if s.reconnectAttempts >= s.opts.MaxReconnectAttempts {
			s.state = StateDisconnected
			s.lastError = ErrReconnectExhausted.Error()
			s.mu.Unlock()
			log.Printf("❌ Reconnect ceiling (%d) reached, giving up", s.opts.MaxReconnectAttempts)
			return
		}
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.state = StateReconnecting
		s.mu.Unlock()

		log.Printf("🔄 Reconnect attempt %d/%d in %v", attempt, s.opts.MaxReconnectAttempts, s.opts.ReconnectDelay)
		time.Sleep(s.opts.ReconnectDelay)

		if err := s.connect(context.Background()); err != nil {
			log.Printf("❌ Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		return
	}
}

// AddWatch registers additional subscriptions on the live session.
func (s *Session) AddWatch(codes []string) subs.AddResult {
	return s.watch.AddAdditional(codes, func(code string) error {
		return s.sendControl(code, true)
	})
}

// RemoveWatch unregisters additional subscriptions. Base codes are never
// removed.
func (s *Session) RemoveWatch(codes []string) int {
	return s.watch.RemoveAdditional(codes, func(code string) error {
		return s.sendControl(code, false)
	})
}

// ClearWatch removes every additional subscription.
func (s *Session) ClearWatch() int {
	return s.watch.ClearAdditional(func(code string) error {
		return s.sendControl(code, false)
	})
}

// Watching reports whether code is in the effective watch-list.
func (s *Session) Watching(code string) bool {
	return s.watch.Contains(code)
}

// Close shuts the session down for good. Idempotent; the receive loop exits
// without scheduling a reconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		s.sendMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		s.sendMu.Unlock()
		conn.Close()
	}

	log.Printf("✅ Streaming session closed")
	return nil
}

// Status reflects true connection and subscription state so operators can
// tell "temporarily degraded" from "fully down".
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := make([]string, 0, len(s.failedSubs))
	for code := range s.failedSubs {
		failed = append(failed, code)
	}

	return SessionStatus{
		Connected:               s.state == StateSubscribing || s.state == StateLive,
		State:                   s.state,
		ReconnectAttempts:       s.reconnectAttempts,
		SuccessfulSubscriptions: s.successfulSubs,
		FailedSubscriptions:     failed,
		Subscriptions:           s.watch.Status(),
		LastError:               s.lastError,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}
