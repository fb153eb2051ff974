package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang-kis-streamer/internal/quote"
	"golang-kis-streamer/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "a1b2c3d4-e5f6-a7b8-c9d0-e1f2a3b4c5d6"

// fakeTokens is an in-memory TokenSource.
type fakeTokens struct {
	mu          sync.Mutex
	key         string
	err         error
	acquires    int
	invalidates int
}

func (f *fakeTokens) Acquire(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return "", f.err
	}
	return f.key, nil
}

func (f *fakeTokens) Invalidate(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
}

func (f *fakeTokens) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.invalidates
}

// memSink collects quotes written by the session.
type memSink struct {
	mu     sync.Mutex
	quotes map[string]quote.Quote
}

func newMemSink() *memSink {
	return &memSink{quotes: make(map[string]quote.Quote)}
}

func (m *memSink) Put(ctx context.Context, q quote.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Code] = q
	return nil
}

func (m *memSink) get(code string) (quote.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[code]
	return q, ok
}

// upstream is a fake KIS streaming endpoint. Client frames are pumped into
// the frames channel; server-side conns are exposed so tests can push acks
// and data frames.
type upstream struct {
	server   *httptest.Server
	conns    chan *websocket.Conn
	frames   chan []byte
	upgrades int32
	dropConn bool // close each conn right after the upgrade
}

func newUpstream(t *testing.T, dropConn bool) *upstream {
	t.Helper()

	up := &upstream{
		conns:    make(chan *websocket.Conn, 16),
		frames:   make(chan []byte, 64),
		dropConn: dropConn,
	}

	upgrader := websocket.Upgrader{}
	up.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&up.upgrades, 1)

		if up.dropConn {
			conn.Close()
			return
		}

		up.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			up.frames <- msg
		}
	}))
	t.Cleanup(up.server.Close)

	return up
}

func (up *upstream) url() string {
	return "ws" + strings.TrimPrefix(up.server.URL, "http")
}

func (up *upstream) upgradeCount() int {
	return int(atomic.LoadInt32(&up.upgrades))
}

// nextFrame returns the next client frame decoded as a subscribe message.
func (up *upstream) nextFrame(t *testing.T) (trKey, trType, approvalKey string) {
	t.Helper()

	select {
	case raw := <-up.frames:
		var msg struct {
			Header struct {
				ApprovalKey string `json:"approval_key"`
				TrType      string `json:"tr_type"`
				TrID        string `json:"tr_id"`
			} `json:"header"`
			Body struct {
				Input struct {
					TrKey string `json:"tr_key"`
				} `json:"input"`
			} `json:"body"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg.Body.Input.TrKey, msg.Header.TrType, msg.Header.ApprovalKey
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return "", "", ""
	}
}

func (up *upstream) serverConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-up.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil
	}
}

func sendAck(t *testing.T, conn *websocket.Conn, code, rtCd, msg string) {
	t.Helper()
	raw := fmt.Sprintf(`{"header":{"tr_id":"%s","tr_key":"%s"},"body":{"rt_cd":"%s","msg1":"%s"}}`,
		wire.TrIDQuote, code, rtCd, msg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func fastOptions(url string) Options {
	return Options{
		URL:                  url,
		SubscribeInterval:    10 * time.Millisecond,
		AdditionalInterval:   time.Millisecond,
		RetryInterval:        10 * time.Millisecond,
		RecoveryGrace:        10 * time.Millisecond,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newTestSession(t *testing.T, up *upstream) (*Session, *fakeTokens, *memSink) {
	t.Helper()

	tokens := &fakeTokens{key: validKey}
	sink := newMemSink()
	session := NewSession(tokens, sink, fastOptions(up.url()))
	t.Cleanup(func() { session.Close() })

	return session, tokens, sink
}

func waitForState(t *testing.T, session *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.State() == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached state %s", want)
}

func TestConnectSubscribesBaseInOrder(t *testing.T) {
	up := newUpstream(t, false)
	session, _, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930", "000660"}))

	key1, trType1, approval1 := up.nextFrame(t)
	key2, trType2, _ := up.nextFrame(t)

	assert.Equal(t, "005930", key1)
	assert.Equal(t, "000660", key2)
	assert.Equal(t, "1", trType1)
	assert.Equal(t, "1", trType2)
	assert.Equal(t, validKey, approval1)

	waitForState(t, session, StateLive)
	status := session.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, 2, status.Subscriptions.BaseCount)
}

func TestAckRoundTripClearsFailedSet(t *testing.T) {
	up := newUpstream(t, false)
	session, _, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	// Failed ack lands the instrument in the failed set
	sendAck(t, conn, "005930", "9", "SUBSCRIBE ERROR")
	require.Eventually(t, func() bool {
		return len(session.Status().FailedSubscriptions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Success ack clears it and bumps the success count
	sendAck(t, conn, "005930", "0", "SUBSCRIBE SUCCESS")
	require.Eventually(t, func() bool {
		status := session.Status()
		return status.SuccessfulSubscriptions == 1 && len(status.FailedSubscriptions) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDataFrameReachesQuoteSink(t *testing.T) {
	up := newUpstream(t, false)
	session, _, sink := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)

	fields := make([]string, 14)
	copy(fields, []string{"005930", "093012", "71500", "2", "700", "0.99"})
	frame := fmt.Sprintf("0|%s|1|%s", wire.TrIDQuote, strings.Join(fields, "^"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool {
		q, ok := sink.get("005930")
		return ok && q.Price == 71500
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedDataFrameDoesNotCrashOrWrite(t *testing.T) {
	up := newUpstream(t, false)
	session, _, sink := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	// Only 10 caret-delimited fields, below the minimum 14
	short := make([]string, 10)
	copy(short, []string{"005930", "093012", "71500", "2", "700", "0.99"})
	frame := fmt.Sprintf("0|%s|1|%s", wire.TrIDQuote, strings.Join(short, "^"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	// The loop survives: a later well-formed control frame is still handled
	sendAck(t, conn, "005930", "0", "SUBSCRIBE SUCCESS")
	require.Eventually(t, func() bool {
		return session.Status().SuccessfulSubscriptions == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := sink.get("005930")
	assert.False(t, ok, "malformed frame must not reach the cache")
}

func TestPingPongIsAnswered(t *testing.T) {
	up := newUpstream(t, false)
	session, _, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"header":{"tr_id":"PINGPONG","datetime":"20240102030405"}}`)))

	select {
	case raw := <-up.frames:
		assert.Contains(t, string(raw), "PINGPONG")
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reply received")
	}
}

func TestTokenErrorRecoveryResubscribes(t *testing.T) {
	up := newUpstream(t, false)
	session, tokens, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	sendAck(t, conn, "005930", "9", "INVALID APPROVAL KEY NOT FOUND")

	// Recovery: invalidate, re-acquire, re-subscribe the failed instrument
	key, trType, _ := up.nextFrame(t)
	assert.Equal(t, "005930", key)
	assert.Equal(t, "1", trType)

	_, invalidates := tokens.counts()
	assert.Equal(t, 1, invalidates)
}

func TestReconnectCeilingIsTerminal(t *testing.T) {
	up := newUpstream(t, true) // server drops every connection immediately
	tokens := &fakeTokens{key: validKey}
	opts := fastOptions(up.url())
	opts.SubscribeInterval = 50 * time.Millisecond
	session := NewSession(tokens, newMemSink(), opts)
	t.Cleanup(func() { session.Close() })

	// Initial dial succeeds; the connection dies before the session can go
	// Live, so every subsequent close counts against the ceiling.
	require.NoError(t, session.Connect(context.Background(), []string{"005930", "000660", "035720"}))

	require.Eventually(t, func() bool {
		status := session.Status()
		return status.State == StateDisconnected && status.LastError == ErrReconnectExhausted.Error()
	}, 5*time.Second, 20*time.Millisecond)

	// 1 initial + 3 reconnect attempts, nothing more
	finalUpgrades := up.upgradeCount()
	assert.Equal(t, 4, finalUpgrades)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, finalUpgrades, up.upgradeCount(), "terminal session must not keep dialing")

	status := session.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, 3, status.ReconnectAttempts)
}

func TestCloseSuppressesReconnect(t *testing.T) {
	up := newUpstream(t, false)
	session, _, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	before := up.upgradeCount()
	require.NoError(t, session.Close())
	require.NoError(t, session.Close(), "close must be idempotent")

	waitForState(t, session, StateClosed)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, up.upgradeCount(), "closed session must not reconnect")

	assert.ErrorIs(t, session.Connect(context.Background(), nil), ErrSessionClosed)
}

func TestCloseDuringReconnectDelayStaysClosed(t *testing.T) {
	up := newUpstream(t, false)
	tokens := &fakeTokens{key: validKey}
	opts := fastOptions(up.url())
	opts.ReconnectDelay = 300 * time.Millisecond
	session := NewSession(tokens, newMemSink(), opts)
	t.Cleanup(func() { session.Close() })

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	conn := up.serverConn(t)
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	// Kill the socket from the server side to start the reconnect delay,
	// then close the session before the delay elapses
	conn.Close()
	waitForState(t, session, StateReconnecting)
	require.NoError(t, session.Close())

	time.Sleep(500 * time.Millisecond)
	waitForState(t, session, StateClosed)
	assert.Equal(t, 1, up.upgradeCount(), "closed session must not dial a fresh connection")
}

func TestCredentialFailureAbortsConnect(t *testing.T) {
	up := newUpstream(t, false)
	tokens := &fakeTokens{err: fmt.Errorf("approval endpoint down")}
	session := NewSession(tokens, newMemSink(), fastOptions(up.url()))
	t.Cleanup(func() { session.Close() })

	err := session.Connect(context.Background(), []string{"005930"})
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, session.State())
	assert.Zero(t, up.upgradeCount(), "no socket may be opened without a credential")
}

func TestAddAndRemoveWatchOverLiveSession(t *testing.T) {
	up := newUpstream(t, false)
	session, _, _ := newTestSession(t, up)

	require.NoError(t, session.Connect(context.Background(), []string{"005930"}))
	up.nextFrame(t)
	waitForState(t, session, StateLive)

	result := session.AddWatch([]string{"035720", "005930"})
	assert.Equal(t, []string{"035720"}, result.Accepted)
	assert.Equal(t, []string{"005930"}, result.Already)

	code, trType, _ := up.nextFrame(t)
	assert.Equal(t, "035720", code)
	assert.Equal(t, "1", trType)

	removed := session.RemoveWatch([]string{"035720"})
	assert.Equal(t, 1, removed)

	code, trType, _ = up.nextFrame(t)
	assert.Equal(t, "035720", code)
	assert.Equal(t, "2", trType)
}

func TestAddWatchWithoutConnectionFails(t *testing.T) {
	tokens := &fakeTokens{key: validKey}
	session := NewSession(tokens, newMemSink(), Options{URL: "ws://127.0.0.1:1"})
	t.Cleanup(func() { session.Close() })

	result := session.AddWatch([]string{"035720"})
	assert.Empty(t, result.Accepted)
	assert.Equal(t, []string{"035720"}, result.Failed)
	assert.False(t, session.Watching("035720"))
}

func TestSupervisorLazySingleton(t *testing.T) {
	created := 0
	sv := NewSupervisor(func() *Session {
		created++
		return NewSession(&fakeTokens{key: validKey}, newMemSink(), Options{URL: "ws://127.0.0.1:1"})
	})

	assert.False(t, sv.Active())

	first := sv.Session()
	second := sv.Session()
	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
	assert.True(t, sv.Active())

	require.NoError(t, sv.Shutdown())
	require.NoError(t, sv.Shutdown())
}
