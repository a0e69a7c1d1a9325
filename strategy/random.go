// Package strategy 提供基础决策函数，用于联调与兜底。
package strategy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"speedclient/client"
)

// jumpInterval 每隔若干回合，速度大于 2 的玩家会跳过中间格子
const jumpInterval = 6

// Survives 模拟自己执行 action 后的下一步，判断是否仍然存活（只看静态棋盘，不预测对手）
func Survives(step *client.GameStep, action client.Action) bool {
	self := step.Self()
	if !self.Active {
		return false
	}

	speed := self.Speed
	switch action {
	case client.SpeedUp:
		speed++
	case client.SlowDown:
		speed--
	}
	if speed < client.MinSpeed || speed > client.MaxSpeed {
		return false
	}

	dir := self.Direction.Turn(action)
	dx, dy := dir.Vector()
	nextRound := step.Round + 1
	jump := nextRound%jumpInterval == 0 && speed > 2

	for i := 1; i <= speed; i++ {
		// 跳跃回合只占据第一格和最后一格
		if jump && i != 1 && i != speed {
			continue
		}
		x, y := self.X+dx*i, self.Y+dy*i
		if step.Cell(x, y) != client.CellEmpty {
			return false
		}
	}
	return true
}

// Random 在能存活的操作中随机选择一个，全部必死时返回 change_nothing
func Random(seed int64) client.DecisionFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(ctx context.Context, step *client.GameStep) client.Action {
		var alive []client.Action
		for _, a := range client.AllActions() {
			if Survives(step, a) {
				alive = append(alive, a)
			}
		}
		if len(alive) == 0 {
			return client.ChangeNothing
		}
		mu.Lock()
		defer mu.Unlock()
		return alive[rng.Intn(len(alive))]
	}
}

// Idle 永远不改变方向和速度
func Idle() client.DecisionFunc {
	return func(context.Context, *client.GameStep) client.Action {
		return client.ChangeNothing
	}
}

// New 按名称创建决策函数
func New(name string) (client.DecisionFunc, bool) {
	switch name {
	case "random":
		return Random(time.Now().UnixNano()), true
	case "idle":
		return Idle(), true
	default:
		return nil, false
	}
}
