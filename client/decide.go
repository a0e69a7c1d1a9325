package client

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
)

// DecisionFunc 外部决策函数：根据回合局面给出操作。
// 可能阻塞，截止时间由会话在外部保证；ctx 在超时或会话结束后被取消。
type DecisionFunc func(ctx context.Context, step *GameStep) Action

// decisionResult 一次决策任务的结果
type decisionResult struct {
	action   Action
	elapsed  time.Duration
	panicked bool
}

// decisionRunner 在有界的 ants 协程池中执行决策任务。
// 超时的任务不会被强制结束，只是结果被丢弃；池满时拒绝提交。
type decisionRunner struct {
	pool   *ants.Pool
	decide DecisionFunc
	clock  clockwork.Clock
}

func newDecisionRunner(decide DecisionFunc, workers int, clock clockwork.Clock) (*decisionRunner, error) {
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		return nil, err
	}
	return &decisionRunner{pool: pool, decide: decide, clock: clock}, nil
}

// Submit 提交一次决策，结果通过容量为 1 的通道返回，迟到的结果无人读取也不会阻塞
func (r *decisionRunner) Submit(ctx context.Context, step *GameStep) (<-chan decisionResult, error) {
	out := make(chan decisionResult, 1)
	err := r.pool.Submit(func() {
		start := r.clock.Now()
		res := decisionResult{action: ChangeNothing}
		func() {
			defer func() {
				if e := recover(); e != nil {
					res.panicked = true
					Log.Errorf("decision panic in round %d => %v\n%s", step.Round, e, debug.Stack())
				}
			}()
			res.action = r.decide(ctx, step)
		}()
		res.elapsed = r.clock.Since(start)
		out <- res
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Running 正在执行（含已超时未返回）的任务数
func (r *decisionRunner) Running() int {
	return r.pool.Running()
}

func (r *decisionRunner) Release() {
	r.pool.Release()
}
