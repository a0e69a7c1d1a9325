package client

import "fmt"

// Direction 玩家朝向，按顺时针排列
type Direction int

const (
	DirUp Direction = iota
	DirRight
	DirDown
	DirLeft
)

var directionNames = [...]string{"up", "right", "down", "left"}

func (d Direction) String() string {
	if d < DirUp || d > DirLeft {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

// ParseDirection 解析服务端的方向文本
func ParseDirection(s string) (Direction, bool) {
	for i, name := range directionNames {
		if name == s {
			return Direction(i), true
		}
	}
	return DirUp, false
}

// Turn 返回执行操作后的朝向（只有左右转会改变方向）
func (d Direction) Turn(a Action) Direction {
	switch a {
	case TurnLeft:
		return (d + 3) % 4
	case TurnRight:
		return (d + 1) % 4
	default:
		return d
	}
}

// Vector 单位移动向量，y 轴向下
func (d Direction) Vector() (dx, dy int) {
	switch d {
	case DirUp:
		return 0, -1
	case DirRight:
		return 1, 0
	case DirDown:
		return 0, 1
	default:
		return -1, 0
	}
}

const (
	MinSpeed = 1
	MaxSpeed = 10
)

// PlayerState 某一回合中单个玩家的只读状态
type PlayerState struct {
	ID        int
	Active    bool
	Direction Direction
	Speed     int
	X         int
	Y         int
	// Round 玩家最后一次存活时的回合，已出局玩家可能小于当前回合
	Round int
}
