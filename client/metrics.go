package client

import (
	"sync/atomic"
	"time"
)

// SessionMetrics 记录会话运行期的关键指标（用于监控与调试）
type SessionMetrics struct {
	RoundsReceived  int64 // 收到的 running 回合数
	AnsweredInTime  int64 // 决策在截止前完成的回合数
	Forfeited       int64 // 超时后以中性操作应答的回合数
	DecisionPanics  int64 // 决策函数 panic 次数
	PoolRejected    int64 // 决策池已满被拒绝的次数
	SendFailures    int64 // 发送失败次数
	TotalDecisionNs int64 // 决策累计耗时（纳秒）
	ClockOffsetNs   int64 // 本次会话测得的时钟差
}

func (m *SessionMetrics) IncReceived() { atomic.AddInt64(&m.RoundsReceived, 1) }
func (m *SessionMetrics) IncForfeited() { atomic.AddInt64(&m.Forfeited, 1) }
func (m *SessionMetrics) IncPanics() { atomic.AddInt64(&m.DecisionPanics, 1) }
func (m *SessionMetrics) IncPoolRejected() { atomic.AddInt64(&m.PoolRejected, 1) }
func (m *SessionMetrics) IncSendFailures() { atomic.AddInt64(&m.SendFailures, 1) }
func (m *SessionMetrics) SetClockOffset(d time.Duration) {
	atomic.StoreInt64(&m.ClockOffsetNs, int64(d))
}
func (m *SessionMetrics) AddAnswered(elapsed time.Duration) {
	atomic.AddInt64(&m.AnsweredInTime, 1)
	atomic.AddInt64(&m.TotalDecisionNs, int64(elapsed))
}

// Snapshot 返回只读副本，便于 HTTP 输出与结束时汇报
func (m *SessionMetrics) Snapshot() map[string]any {
	answered := atomic.LoadInt64(&m.AnsweredInTime)
	total := atomic.LoadInt64(&m.TotalDecisionNs)
	var avgMs float64
	if answered > 0 {
		avgMs = float64(total) / float64(answered) / 1e6
	}
	return map[string]any{
		"rounds_received":  atomic.LoadInt64(&m.RoundsReceived),
		"answered_in_time": answered,
		"forfeited":        atomic.LoadInt64(&m.Forfeited),
		"decision_panics":  atomic.LoadInt64(&m.DecisionPanics),
		"pool_rejected":    atomic.LoadInt64(&m.PoolRejected),
		"send_failures":    atomic.LoadInt64(&m.SendFailures),
		"avg_decision_ms":  avgMs,
		"clock_offset_ms":  float64(atomic.LoadInt64(&m.ClockOffsetNs)) / 1e6,
	}
}
