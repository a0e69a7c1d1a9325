package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SessionConfig 会话的连接与调度参数
type SessionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration // 空闲读超时，回合之间可能等待很久
	PingInterval    time.Duration // <=0 关闭心跳
	MaxMessageSize  int64
	DecisionWorkers int // 决策池容量，包含超时未返回的任务
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     time.Hour,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1 << 20, // 1MB
		DecisionWorkers: 2,
	}
}

type SessionOption func(*Session)

func WithSessionConfig(cfg SessionConfig) SessionOption {
	return func(s *Session) { s.cfg = cfg }
}

func WithSessionClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = clock }
}

// Session 独占一条连接的协议会话：解码回合 → 限时决策 → 编码发送。
// 所有行为由状态机驱动，保证每回合只有一个决策在途、只应答一次。
type Session struct {
	id      string
	target  string
	dial    DialFunc
	decide  DecisionFunc
	offset  ClockOffset
	clock   clockwork.Clock
	cfg     SessionConfig
	metrics *SessionMetrics

	conn   Conn
	runner *decisionRunner

	state    atomic.Int32
	mu       sync.Mutex
	err      error
	done     chan struct{}
	doneOnce sync.Once

	// 以下字段只在会话循环中访问
	round    int
	lastSent int
	prev     *GameStep
}

// NewSession 创建处于 Connecting 状态的会话，Run 时才握手
func NewSession(target string, dial DialFunc, decide DecisionFunc, offset ClockOffset, opts ...SessionOption) *Session {
	s := &Session{
		id:      uuid.New().String(),
		target:  target,
		dial:    dial,
		decide:  decide,
		offset:  offset,
		clock:   clockwork.NewRealClock(),
		cfg:     DefaultSessionConfig(),
		metrics: &SessionMetrics{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(int32(StateConnecting))
	s.metrics.SetClockOffset(offset.Offset)
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Metrics() *SessionMetrics { return s.metrics }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err 返回导致 Failed 的原因；Closed 时为 nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run 握手并处理回合，直到会话进入终态。返回值与 Err() 相同。
func (s *Session) Run(ctx context.Context) error {
	if s.State() != StateConnecting {
		return errors.New("session: already started")
	}
	log := Log.With("session", s.id)

	conn, err := s.dial(ctx, s.target)
	if err != nil {
		return s.fail(newError(KindConnectionInitialization, err, "handshake failed"))
	}
	s.conn = conn

	runner, err := newDecisionRunner(s.decide, s.cfg.DecisionWorkers, s.clock)
	if err != nil {
		_ = conn.Close()
		return s.fail(newError(KindConnectionInitialization, err, "failed to create decision pool"))
	}
	s.runner = runner

	var beats sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		// 心跳协程退出后才关闭连接，终态之后不再发送 ping
		beats.Wait()
		s.closeConn()
		runner.Release()
	}()

	if !s.transition(StateOpen) {
		return s.Err()
	}
	log.Infow("connection opened", "offset", s.offset.Offset, "safety", s.offset.Safety)

	frames := make(chan inbound)
	go s.readPump(ctx, frames)
	beats.Add(1)
	go func() {
		defer beats.Done()
		s.heartbeat(ctx)
	}()

	// 核心循环：严格按到达顺序处理入站帧
	for !s.State().Terminal() {
		select {
		case <-ctx.Done():
			s.fail(newError(KindConnectionTermination, ctx.Err(), "session cancelled"))
		case in := <-frames:
			s.handleFrame(ctx, in, frames)
		}
	}

	if s.State() == StateClosed {
		log.Infow("connection closed", "rounds", s.round)
	}
	return s.Err()
}

// handleFrame 处理 Open 状态下收到的一帧
func (s *Session) handleFrame(ctx context.Context, in inbound, frames <-chan inbound) {
	if in.err != nil {
		s.handleReadError(in.err)
		return
	}

	round := s.round + 1
	step, err := Decode(in.data, round, s.prev)
	if err != nil {
		Log.Errorw("malformed frame", "session", s.id, "round", round, "size", len(in.data), "frame", truncateFrame(in.data))
		s.fail(err)
		return
	}
	s.round = round

	if !step.Running {
		self := step.Self()
		Log.Infow("game over", "session", s.id, "round", round, "you", step.You, "alive", self.Active)
		s.transition(StateClosed)
		return
	}

	s.metrics.IncReceived()
	if !s.transition(StateAwaitingDecision) {
		return
	}
	action, ok := s.awaitDecision(ctx, step, frames)
	if !ok {
		return
	}
	if !s.transition(StateSending) {
		return
	}
	if err := s.send(step.Round, action); err != nil {
		s.metrics.IncSendFailures()
		s.fail(err)
		return
	}
	s.prev = step
	s.transition(StateOpen)
}

// awaitDecision 在本地截止时间内等待决策结果。
// 超时、panic、池满时返回中性操作；会话进入终态时返回 ok=false。
func (s *Session) awaitDecision(ctx context.Context, step *GameStep, frames <-chan inbound) (Action, bool) {
	log := Log.With("session", s.id, "round", step.Round)
	local := s.offset.LocalDeadline(step.Deadline)
	budget := s.clock.Until(local)
	if budget <= 0 {
		s.metrics.IncForfeited()
		log.Warnw("deadline already passed on arrival, forfeiting round", "budget", budget)
		return ChangeNothing, true
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results, err := s.runner.Submit(dctx, step)
	if err != nil {
		s.metrics.IncPoolRejected()
		s.metrics.IncForfeited()
		log.Warnw("decision pool saturated, forfeiting round", "running", s.runner.Running(), "err", err)
		return ChangeNothing, true
	}

	timer := s.clock.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-results:
		switch {
		case res.panicked:
			s.metrics.IncPanics()
			s.metrics.IncForfeited()
			log.Warnw("decision failed, forfeiting round", "elapsed", res.elapsed)
			return ChangeNothing, true
		case !res.action.Valid():
			s.metrics.IncForfeited()
			log.Warnw("decision returned unknown action, forfeiting round", "action", res.action)
			return ChangeNothing, true
		}
		s.metrics.AddAnswered(res.elapsed)
		log.Debugw("decision ready", "action", res.action, "elapsed", res.elapsed, "budget", budget)
		return res.action, true

	case <-timer.Chan():
		// 迟到的结果写入带缓冲的通道后被丢弃
		s.metrics.IncForfeited()
		log.Warnw("decision overrun, forfeiting round", "budget", budget)
		return ChangeNothing, true

	case in := <-frames:
		if in.err != nil {
			s.handleReadError(in.err)
		} else {
			s.fail(newError(KindConnectionTermination, nil, "protocol violation: frame received before round %d was answered", step.Round))
		}
		return "", false

	case <-ctx.Done():
		s.fail(newError(KindConnectionTermination, ctx.Err(), "session cancelled"))
		return "", false
	}
}

// send 发送本回合应答；同一回合绝不发送第二次
func (s *Session) send(round int, action Action) error {
	if round <= s.lastSent {
		return newError(KindMessageSend, nil, "round %d already answered", round)
	}
	msg := Encode(action)
	if err := s.writeFrame(msg); err != nil {
		return newError(KindMessageSend, err, "could not send response %s", msg)
	}
	s.lastSent = round
	Log.Debugw("response sent", "session", s.id, "round", round, "action", action)
	return nil
}

func (s *Session) handleReadError(err error) {
	if isServerClose(err) {
		Log.Infow("connection closed by server", "session", s.id, "err", err)
		s.transition(StateClosed)
		return
	}
	s.fail(newError(KindConnectionTermination, err, "connection lost"))
}

// transition 按迁移表切换状态；非法迁移视为协议违规并进入 Failed
func (s *Session) transition(to SessionState) bool {
	from := s.State()
	if !CanTransition(from, to) {
		s.fail(newError(KindConnectionTermination, nil, "protocol violation: illegal transition %s -> %s", from, to))
		return false
	}
	s.state.Store(int32(to))
	Log.Debugw("state changed", "session", s.id, "from", from, "to", to)
	if to.Terminal() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return true
}

// fail 记录原因并进入 Failed；已是终态时保持原状
func (s *Session) fail(err error) error {
	from := s.State()
	if from.Terminal() {
		return s.Err()
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	Log.Errorw("session failed", "session", s.id, "state", from, "err", err)
	s.doneOnce.Do(func() { close(s.done) })
	return err
}

// maxLoggedFrame 日志中保留的帧内容上限
const maxLoggedFrame = 512

func truncateFrame(data []byte) string {
	if len(data) <= maxLoggedFrame {
		return string(data)
	}
	return string(data[:maxLoggedFrame]) + "...(truncated)"
}
