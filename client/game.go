package client

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// CellValue 棋盘格子取值：0 为空，1..6 为占据该格的玩家，-1 为多名玩家同时撞入
type CellValue int

const (
	CellCollision CellValue = -1
	CellEmpty     CellValue = 0
	maxCellValue  CellValue = 6
)

// Valid 判断格子取值是否在游戏定义的范围内
func (c CellValue) Valid() bool {
	return c >= CellCollision && c <= maxCellValue
}

// GameStep 单个回合的完整局面，构造后只读
type GameStep struct {
	Round    int
	Width    int
	Height   int
	Cells    [][]CellValue // Cells[y][x]
	Players  map[int]PlayerState
	You      int
	Running  bool
	Deadline time.Time // 服务端时钟；running=false 的最后一帧可能为空
}

// Self 返回自己的状态
func (g *GameStep) Self() PlayerState {
	return g.Players[g.You]
}

// Enemies 返回其他玩家，按 ID 升序
func (g *GameStep) Enemies() []PlayerState {
	enemies := lo.Filter(lo.Values(g.Players), func(p PlayerState, _ int) bool {
		return p.ID != g.You
	})
	sort.Slice(enemies, func(i, j int) bool { return enemies[i].ID < enemies[j].ID })
	return enemies
}

// InBounds 判断坐标是否在棋盘内
func (g *GameStep) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.Width && y < g.Height
}

// Cell 返回坐标处的格子值，越界时视为碰撞
func (g *GameStep) Cell(x, y int) CellValue {
	if !g.InBounds(x, y) {
		return CellCollision
	}
	return g.Cells[y][x]
}
