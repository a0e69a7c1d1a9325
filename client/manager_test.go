package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret key"

// gameServer 模拟 spe_ed 服务端：校验密钥后按脚本发送回合并记录客户端应答
type gameServer struct {
	script   func(conn *websocket.Conn, g *gameServer)
	budget   time.Duration // 每回合截止时间距离发送时刻，默认 2s
	upgrades atomic.Int32

	mu      sync.Mutex
	actions []string
}

func (g *gameServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get(KeyParam) != testKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	g.upgrades.Add(1)
	g.script(conn, g)
}

// round 发送一个进行中的回合并读取应答
func (g *gameServer) round(conn *websocket.Conn) bool {
	budget := g.budget
	if budget == 0 {
		budget = 2 * time.Second
	}
	frame := stepFrame(true, time.Now().Add(budget))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(budget + time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var am ActionMessage
	if err := json.Unmarshal(msg, &am); err != nil {
		return false
	}
	g.mu.Lock()
	g.actions = append(g.actions, string(am.Action))
	g.mu.Unlock()
	return true
}

func (g *gameServer) Actions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.actions...)
}

func newTimeServer(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		now := time.Now().UTC()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"time":         now.Truncate(time.Second).Format(time.RFC3339),
			"milliseconds": now.Nanosecond() / int(time.Millisecond),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(gameURL, timeURL string) Config {
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(gameURL, "http")
	cfg.Key = testKey
	cfg.TimeURL = timeURL
	cfg.TimeSamples = 2
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ConnectRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func TestPlayFinished(t *testing.T) {
	g := &gameServer{script: func(conn *websocket.Conn, g *gameServer) {
		for i := 0; i < 3; i++ {
			if !g.round(conn) {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(stepFrame(false, time.Now())))
		// 等待客户端的关闭帧
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	}}
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	mgr, err := NewConnectionManager(testConfig(gameSrv.URL, timeSrv.URL))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnRight))
	require.NoError(t, err)

	assert.Equal(t, Finished, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.NotEmpty(t, outcome.SessionID)
	assert.Equal(t, []string{"turn_right", "turn_right", "turn_right"}, g.Actions())
	assert.Equal(t, int64(3), outcome.Metrics["rounds_received"])
	assert.Equal(t, int64(3), outcome.Metrics["answered_in_time"])
	assert.Equal(t, StateClosed, mgr.Current().State())
}

func TestPlayServerClosesConnection(t *testing.T) {
	g := &gameServer{script: func(conn *websocket.Conn, g *gameServer) {
		if !g.round(conn) {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	}}
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	mgr, err := NewConnectionManager(testConfig(gameSrv.URL, timeSrv.URL))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(SlowDown))
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome.Kind)
	assert.Equal(t, []string{"slow_down"}, g.Actions())
}

func TestPlayMalformedFrame(t *testing.T) {
	g := &gameServer{script: func(conn *websocket.Conn, g *gameServer) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"width":2}`))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	}}
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	mgr, err := NewConnectionManager(testConfig(gameSrv.URL, timeSrv.URL))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.ErrorIs(t, err, ErrParse)
	assert.Equal(t, Failed, outcome.Kind)
	assert.Equal(t, err, outcome.Err)
	assert.Empty(t, g.Actions())
}

func TestPlayTimeSyncFailure(t *testing.T) {
	g := &gameServer{script: func(*websocket.Conn, *gameServer) {}}
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusBadGateway)

	mgr, err := NewConnectionManager(testConfig(gameSrv.URL, timeSrv.URL))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.ErrorIs(t, err, ErrTimeRequest)
	assert.Equal(t, Failed, outcome.Kind)
	assert.Equal(t, int32(0), g.upgrades.Load(), "no connection without a clock offset")
	assert.Nil(t, mgr.Current())
}

func TestPlayRejectedKey(t *testing.T) {
	g := &gameServer{script: func(*websocket.Conn, *gameServer) {}}
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	cfg := testConfig(gameSrv.URL, timeSrv.URL)
	cfg.Key = "wrong"
	mgr, err := NewConnectionManager(cfg)
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.ErrorIs(t, err, ErrConnectionInitialization)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, Failed, outcome.Kind)
}

type fixedTimeSource struct{}

func (fixedTimeSource) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

func TestPlayRetriesHandshake(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.ConnectRetries = 2

	var dials atomic.Int32
	dial := func(context.Context, string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	mgr, err := NewConnectionManager(cfg, WithDialer(dial), WithTimeSource(fixedTimeSource{}))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.ErrorIs(t, err, ErrConnectionInitialization)
	assert.Equal(t, Failed, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int32(3), dials.Load())
}

func TestPlayRetrySucceeds(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.ConnectRetries = 3

	conn := newFakeConn()
	var dials atomic.Int32
	dial := func(context.Context, string) (Conn, error) {
		if dials.Add(1) < 2 {
			return nil, errors.New("connection refused")
		}
		conn.push(stepFrame(false, time.Now()))
		return conn, nil
	}
	mgr, err := NewConnectionManager(cfg, WithDialer(dial), WithTimeSource(fixedTimeSource{}))
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestNewConnectionManagerInvalid(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewConnectionManager(cfg)
	assert.ErrorContains(t, err, "key is required")

	cfg.Key = "k"
	cfg.URL = "ftp://msoll.de/spe_ed"
	_, err = NewConnectionManager(cfg)
	assert.ErrorIs(t, err, ErrMalformedTarget)
}

func TestCalculateBackoff(t *testing.T) {
	m := &ConnectionManager{cfg: Config{RetryBaseDelay: time.Second, RetryMaxDelay: 2 * time.Second}}

	first := m.calculateBackoff(1)
	assert.GreaterOrEqual(t, first, 900*time.Millisecond)
	assert.LessOrEqual(t, first, 1100*time.Millisecond)

	second := m.calculateBackoff(2)
	assert.GreaterOrEqual(t, second, 1350*time.Millisecond)
	assert.LessOrEqual(t, second, 1650*time.Millisecond)

	capped := m.calculateBackoff(10)
	assert.LessOrEqual(t, capped, 2200*time.Millisecond)
}

// finishingGame 一回合后宣布结束
func finishingGame(budget time.Duration) *gameServer {
	return &gameServer{budget: budget, script: func(conn *websocket.Conn, g *gameServer) {
		if !g.round(conn) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(stepFrame(false, time.Now())))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	}}
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestPlayServesStatus(t *testing.T) {
	g := finishingGame(5 * time.Second)
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	cfg := testConfig(gameSrv.URL, timeSrv.URL)
	cfg.StatusAddr = freeAddr(t)
	mgr, err := NewConnectionManager(cfg)
	require.NoError(t, err)

	pending := make(chan struct{})
	release := make(chan struct{})
	decide := func(context.Context, *GameStep) Action {
		close(pending)
		<-release
		return SpeedUp
	}

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := mgr.Play(context.Background(), decide)
		done <- result{outcome, err}
	}()

	select {
	case <-pending:
	case <-time.After(3 * time.Second):
		t.Fatal("no round reached the decision")
	}

	httpClient := &http.Client{Timeout: time.Second}
	var body map[string]any
	require.Eventually(t, func() bool {
		resp, err := httpClient.Get("http://" + cfg.StatusAddr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 2*time.Second, 20*time.Millisecond)
	close(release)

	assert.Equal(t, "awaiting_decision", body["state"])
	assert.Equal(t, float64(1), body["metrics"].(map[string]any)["rounds_received"])

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("game did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, Finished, res.outcome.Kind)
	assert.Equal(t, []string{"speed_up"}, g.Actions())

	// 对局结束后状态接口随之关闭
	_, err = httpClient.Get("http://" + cfg.StatusAddr + "/healthz")
	assert.Error(t, err)
}

func TestPlayStatusListenFailure(t *testing.T) {
	g := finishingGame(2 * time.Second)
	gameSrv := httptest.NewServer(g)
	defer gameSrv.Close()
	timeSrv := newTimeServer(t, http.StatusOK)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(gameSrv.URL, timeSrv.URL)
	cfg.StatusAddr = taken.Addr().String()
	mgr, err := NewConnectionManager(cfg)
	require.NoError(t, err)

	outcome, err := mgr.Play(context.Background(), constant(TurnLeft))
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome.Kind)
	assert.Equal(t, []string{"turn_left"}, g.Actions())
}

func TestPlayBackoffUsesClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.ConnectRetries = 2
	cfg.RetryBaseDelay = 10 * time.Second
	cfg.RetryMaxDelay = 20 * time.Second

	clock := clockwork.NewFakeClockAt(gameStart)
	var dials atomic.Int32
	dial := func(context.Context, string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	mgr, err := NewConnectionManager(cfg,
		WithClock(clock),
		WithDialer(dial),
		WithTimeSource(fixedTimeSource{}),
	)
	require.NoError(t, err)

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := mgr.Play(ctx, constant(TurnLeft))
		done <- result{outcome, err}
	}()

	for attempt := int32(1); attempt <= 2; attempt++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, attempt, dials.Load())
		clock.Advance(cfg.RetryMaxDelay + 5*time.Second)
	}

	res := <-done
	require.ErrorIs(t, res.err, ErrConnectionInitialization)
	assert.Equal(t, Failed, res.outcome.Kind)
	assert.Equal(t, 3, res.outcome.Attempts)
	assert.Equal(t, int32(3), dials.Load())
}
