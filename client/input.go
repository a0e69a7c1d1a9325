package client

import (
	"fmt"

	"github.com/samber/lo"
)

// Action 客户端每回合提交的操作（方向/速度变化），取值为封闭集合
type Action string

const (
	TurnLeft      Action = "turn_left"
	TurnRight     Action = "turn_right"
	SlowDown      Action = "slow_down"
	SpeedUp       Action = "speed_up"
	ChangeNothing Action = "change_nothing" // 中性操作：超时或决策失败时使用
)

// actions 全部合法操作，顺序固定；对外只暴露副本
var actions = []Action{TurnLeft, TurnRight, SlowDown, SpeedUp, ChangeNothing}

// AllActions 返回全部合法操作的副本
func AllActions() []Action {
	return append([]Action(nil), actions...)
}

// Valid 判断是否属于合法操作集合
func (a Action) Valid() bool {
	return lo.Contains(actions, a)
}

func (a Action) String() string { return string(a) }

// ParseAction 将文本解析为操作，未知文本返回错误
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return ChangeNothing, fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ActionMessage 出站消息结构
// 示例：{"action":"turn_left"}
type ActionMessage struct {
	Action Action `json:"action"`
}
