package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	typ  int
	data string
}

// fakeUpstream holds every handshake until gate is opened, then records the
// frames it receives.
type fakeUpstream struct {
	srv      *httptest.Server
	gate     chan struct{}
	gateOnce sync.Once
	got      chan frame
	conns    chan *websocket.Conn
	closed   chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		gate:   make(chan struct{}),
		got:    make(chan frame, 64),
		conns:  make(chan *websocket.Conn, 1),
		closed: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-u.gate:
		case <-r.Context().Done():
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(u.closed)
		defer c.Close()
		u.conns <- c
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			u.got <- frame{typ: mt, data: string(msg)}
		}
	}))
	t.Cleanup(u.srv.Close)
	t.Cleanup(u.open)
	return u
}

func (u *fakeUpstream) open() { u.gateOnce.Do(func() { close(u.gate) }) }

func (u *fakeUpstream) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-u.got:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return frame{}
	}
}

func (u *fakeUpstream) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case f := <-u.got:
		t.Fatalf("unexpected upstream frame %q", f.data)
	case <-time.After(150 * time.Millisecond):
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(u *fakeUpstream) Config {
	return Config{
		Upstream:      wsURL(u.srv),
		DefaultSub:    true,
		DefaultMethod: "sub.dealDepth",
		DefaultSymbol: "BTC_USDT",
		DefaultLimit:  20,
	}
}

// newRelay starts a relay in front of u and returns it with a connected
// downstream client.
func newRelay(t *testing.T, cfg Config, onQueue func(int)) (*Handler, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(ctx, cfg, nil, discardLogger())
	h.onQueue = onQueue
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return h, client
}

func TestBridge_FlushesQueueInArrivalOrder(t *testing.T) {
	up := newFakeUpstream(t)
	queued := make(chan int, 8)
	_, client := newRelay(t, testConfig(up), func(n int) { queued <- n })

	msgs := []string{`{"method":"m1"}`, `{"method":"m2"}`, `{"method":"m3"}`}
	for _, m := range msgs {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(m)))
	}
	for i := 1; i <= len(msgs); i++ {
		select {
		case n := <-queued:
			require.Equal(t, i, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d was not queued", i)
		}
	}

	up.open()
	for _, m := range msgs {
		assert.Equal(t, m, up.next(t).data)
	}
	// Queued traffic suppresses the default subscription.
	up.expectSilence(t)
}

func TestBridge_TranslatesQueuedAndLiveMessages(t *testing.T) {
	up := newFakeUpstream(t)
	queued := make(chan int, 8)
	_, client := newRelay(t, testConfig(up), func(n int) { queued <- n })

	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"sub.depth","params":{"symbol":"BTC-USDT"}}`)))
	<-queued
	up.open()
	assert.Equal(t, `{"method":"sub.depth","param":{"symbol":"BTC_USDT"}}`, up.next(t).data)

	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"sub.deal","params":["ETH-USDT"]}`)))
	assert.Equal(t, `{"method":"sub.deal","param":["ETH_USDT"]}`, up.next(t).data)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "ping", up.next(t).data)
}

func TestBridge_DefaultSubscriptionWhenIdle(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	newRelay(t, testConfig(up), nil)

	f := up.next(t)
	assert.Equal(t, websocket.TextMessage, f.typ)
	assert.JSONEq(t, `{"method":"sub.dealDepth","param":{"symbol":"BTC_USDT","limit":20}}`, f.data)
	up.expectSilence(t)
}

func TestBridge_DefaultSubscriptionDisabled(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	cfg := testConfig(up)
	cfg.DefaultSub = false
	_, client := newRelay(t, cfg, nil)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"method":"sub.ticker"}`)))
	assert.Equal(t, `{"method":"sub.ticker"}`, up.next(t).data)
	up.expectSilence(t)
}

func TestBridge_RelaysUpstreamVerbatim(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	_, client := newRelay(t, testConfig(up), nil)

	var conn *websocket.Conn
	select {
	case conn = <-up.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never connected")
	}

	binary := []byte{0x1f, 0x8b, 0x00, 0xff}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, binary))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"pong","data":1}`)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, binary, data)

	mt, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"channel":"pong","data":1}`, string(data))
}

func TestBridge_QueueOverflowClosesDownstream(t *testing.T) {
	up := newFakeUpstream(t)
	cfg := testConfig(up)
	cfg.MaxQueue = 2
	_, client := newRelay(t, cfg, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"method":"sub.deal"}`)))
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestBridge_UpstreamCloseClosesDownstream(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	_, client := newRelay(t, testConfig(up), nil)

	conn := <-up.conns
	up.next(t) // default subscription
	conn.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestBridge_DownstreamCloseClosesUpstream(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	_, client := newRelay(t, testConfig(up), nil)

	<-up.conns
	up.next(t)
	client.Close()

	select {
	case <-up.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stayed open after downstream closed")
	}
}

func TestHandler_CloseAll(t *testing.T) {
	up := newFakeUpstream(t)
	up.open()
	h, client := newRelay(t, testConfig(up), nil)

	require.Eventually(t, func() bool { return h.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.CloseAll()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return h.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}
