package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// OutcomeKind 一局游戏的结束方式
type OutcomeKind int

const (
	Finished OutcomeKind = iota + 1 // 服务端宣布游戏结束或正常关闭
	Failed                          // 任一环节出错
)

func (k OutcomeKind) String() string {
	if k == Finished {
		return "finished"
	}
	return "failed"
}

// Outcome Play 的最终结果
type Outcome struct {
	Kind      OutcomeKind
	SessionID string
	Offset    ClockOffset
	Attempts  int // 握手尝试次数
	Metrics   map[string]any
	Err       error
}

// ManagerOption 用于替换外部依赖（测试或自定义传输）
type ManagerOption func(*ConnectionManager)

func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = clock }
}

func WithDialer(dial DialFunc) ManagerOption {
	return func(m *ConnectionManager) { m.dial = dial }
}

func WithTimeSource(src TimeSource) ManagerOption {
	return func(m *ConnectionManager) { m.timeSource = src }
}

// ConnectionManager 负责一局游戏的完整生命周期：
// 对时 → 握手（可重试）→ 会话运行到终态 → 汇报结果
type ConnectionManager struct {
	cfg        Config
	target     *url.URL
	clock      clockwork.Clock
	dial       DialFunc
	timeSource TimeSource

	current atomic.Pointer[Session] // 供状态接口读取
}

// NewConnectionManager 校验配置并生成连接地址
func NewConnectionManager(cfg Config, opts ...ManagerOption) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target, err := BuildTarget(cfg.URL, cfg.Key)
	if err != nil {
		return nil, err
	}
	m := &ConnectionManager{
		cfg:        cfg,
		target:     target,
		clock:      clockwork.NewRealClock(),
		dial:       NewDialer(cfg.HandshakeTimeout),
		timeSource: NewHTTPTimeSource(cfg.TimeURL, cfg.TimeRequestTimeout),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Current 当前（或最近一次）会话，可能为 nil
func (m *ConnectionManager) Current() *Session {
	return m.current.Load()
}

// Play 阻塞直到游戏结束或连接失败。返回的 error 与 Outcome.Err 相同。
func (m *ConnectionManager) Play(ctx context.Context, decide DecisionFunc) (Outcome, error) {
	var outcome Outcome

	g, gctx := errgroup.WithContext(ctx)
	playCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		outcome = m.play(playCtx, decide)
		return nil
	})
	if m.cfg.StatusAddr != "" {
		status := NewStatusServer(m.cfg.StatusAddr, m)
		g.Go(func() error { return status.Serve(playCtx) })
	}
	_ = g.Wait()

	if outcome.Kind == Finished {
		Log.Infow("game finished", "session", outcome.SessionID, "metrics", outcome.Metrics)
	} else {
		Log.Errorw("game failed", "session", outcome.SessionID, "err", outcome.Err, "metrics", outcome.Metrics)
	}
	return outcome, outcome.Err
}

func (m *ConnectionManager) play(ctx context.Context, decide DecisionFunc) Outcome {
	Log.Infow("connecting", "target", redactedTarget(m.target), "time_url", m.cfg.TimeURL)

	syncer := NewTimeSynchronizer(m.timeSource, m.clock, m.cfg.TimeSamples, m.cfg.SafetyBuffer)
	offset, err := syncer.MeasureOffset(ctx)
	if err != nil {
		return Outcome{Kind: Failed, Err: err}
	}

	var sess *Session
	attempt := 0
	for {
		attempt++
		sess = NewSession(m.target.String(), m.dial, decide, offset,
			WithSessionConfig(m.cfg.Session()),
			WithSessionClock(m.clock),
		)
		m.current.Store(sess)

		err = sess.Run(ctx)
		if err == nil || !errors.Is(err, ErrConnectionInitialization) || !m.canRetry(attempt) {
			break
		}
		delay := m.calculateBackoff(attempt)
		Log.Warnw("handshake failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-m.clock.After(delay):
		case <-ctx.Done():
			return Outcome{Kind: Failed, SessionID: sess.ID(), Offset: offset, Attempts: attempt, Err: err}
		}
	}

	outcome := Outcome{
		Kind:      Finished,
		SessionID: sess.ID(),
		Offset:    offset,
		Attempts:  attempt,
		Metrics:   sess.Metrics().Snapshot(),
		Err:       err,
	}
	if sess.State() != StateClosed {
		outcome.Kind = Failed
	}
	return outcome
}

func (m *ConnectionManager) canRetry(attempt int) bool {
	return attempt <= m.cfg.ConnectRetries
}

// calculateBackoff 指数退避（1.5 倍）并加入 ±10% 抖动，上限 RetryMaxDelay
func (m *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	backoff := float64(m.cfg.RetryBaseDelay) * math.Pow(1.5, float64(attempt-1))
	backoff = math.Min(backoff, float64(m.cfg.RetryMaxDelay))
	return time.Duration(backoff * (0.9 + 0.2*rand.Float64()))
}
