package client

import (
	"fmt"

	"github.com/samber/lo"
)

// SessionState 会话状态机的状态
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateAwaitingDecision
	StateSending
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Terminal Closed 与 Failed 为终态
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// 合法迁移表；任何状态都可以进入 Failed
var transitions = map[SessionState][]SessionState{
	StateConnecting:       {StateOpen},
	StateOpen:             {StateAwaitingDecision, StateClosed},
	StateAwaitingDecision: {StateSending, StateClosed},
	StateSending:          {StateOpen},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return lo.Contains(transitions[from], to)
}
