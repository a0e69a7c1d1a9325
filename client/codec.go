package client

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// 入站回合消息的原始结构；指针字段用于区分“缺失”和“零值”
// 示例：{"width":2,"height":1,"cells":[[0,1]],"players":{"1":{...}},"you":1,"running":true,"deadline":"2024-01-01T00:00:05Z"}
type wireStep struct {
	Width    *int                   `json:"width"`
	Height   *int                   `json:"height"`
	Cells    [][]int                `json:"cells"`
	Players  map[string]*wirePlayer `json:"players"`
	You      *int                   `json:"you"`
	Running  *bool                  `json:"running"`
	Deadline *string                `json:"deadline"`
}

type wirePlayer struct {
	X         *int    `json:"x"`
	Y         *int    `json:"y"`
	Direction *string `json:"direction"`
	Speed     *int    `json:"speed"`
	Active    *bool   `json:"active"`
}

// 时间接口的响应结构
// 示例：{"time":"1999-04-10T03:50:37Z","milliseconds":123}
type wireServerTime struct {
	Time         *string `json:"time"`
	Milliseconds int     `json:"milliseconds"`
}

// Decode 将一帧回合消息解析为 GameStep。
// round 为本帧的回合序号；prev 为上一回合（可为 nil），用于推算已出局玩家的回合。
// 任一字段缺失、类型错误或超出取值范围都返回 ParseError，不做裁剪。
func Decode(raw []byte, round int, prev *GameStep) (*GameStep, error) {
	if len(raw) == 0 {
		return nil, parseError("", "empty frame")
	}
	var w wireStep
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, jsonParseError(err)
	}

	if w.Running == nil {
		return nil, parseError("running", "missing")
	}
	if w.Width == nil {
		return nil, parseError("width", "missing")
	}
	if w.Height == nil {
		return nil, parseError("height", "missing")
	}
	if *w.Width <= 0 || *w.Height <= 0 {
		return nil, parseError("width", "board must be at least 1x1, got %dx%d", *w.Width, *w.Height)
	}
	if w.Cells == nil {
		return nil, parseError("cells", "missing")
	}
	if w.Players == nil {
		return nil, parseError("players", "missing")
	}
	if w.You == nil {
		return nil, parseError("you", "missing")
	}

	step := &GameStep{
		Round:   round,
		Width:   *w.Width,
		Height:  *w.Height,
		You:     *w.You,
		Running: *w.Running,
	}

	// 最后一帧（running=false）服务端可能不再下发 deadline
	if w.Deadline != nil {
		deadline, err := time.Parse(time.RFC3339, *w.Deadline)
		if err != nil {
			return nil, &Error{Kind: KindParse, Field: "deadline", Msg: "invalid timestamp", Err: err}
		}
		step.Deadline = deadline
	} else if step.Running {
		return nil, parseError("deadline", "missing")
	}

	cells, err := decodeCells(w.Cells, step.Width, step.Height)
	if err != nil {
		return nil, err
	}
	step.Cells = cells

	players, err := decodePlayers(w.Players, round, prev)
	if err != nil {
		return nil, err
	}
	step.Players = players

	if _, ok := players[step.You]; !ok {
		return nil, parseError("you", "player %d is not listed in players", step.You)
	}
	return step, nil
}

func decodeCells(rows [][]int, width, height int) ([][]CellValue, error) {
	if len(rows) != height {
		return nil, parseError("cells", "expected %d rows, got %d", height, len(rows))
	}
	cells := make([][]CellValue, height)
	for y, row := range rows {
		if len(row) != width {
			return nil, parseError("cells", "row %d: expected %d columns, got %d", y, width, len(row))
		}
		cells[y] = make([]CellValue, width)
		for x, v := range row {
			c := CellValue(v)
			if !c.Valid() {
				return nil, parseError("cells", "value %d at (%d,%d) out of range", v, x, y)
			}
			cells[y][x] = c
		}
	}
	return cells, nil
}

func decodePlayers(in map[string]*wirePlayer, round int, prev *GameStep) (map[int]PlayerState, error) {
	players := make(map[int]PlayerState, len(in))
	for key, wp := range in {
		field := "players." + key
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, parseError(field, "player id is not an integer")
		}
		if wp == nil {
			return nil, parseError(field, "null player")
		}
		switch {
		case wp.X == nil:
			return nil, parseError(field+".x", "missing")
		case wp.Y == nil:
			return nil, parseError(field+".y", "missing")
		case wp.Direction == nil:
			return nil, parseError(field+".direction", "missing")
		case wp.Speed == nil:
			return nil, parseError(field+".speed", "missing")
		case wp.Active == nil:
			return nil, parseError(field+".active", "missing")
		}
		dir, ok := ParseDirection(*wp.Direction)
		if !ok {
			return nil, parseError(field+".direction", "unknown direction %q", *wp.Direction)
		}
		if *wp.Speed < MinSpeed || *wp.Speed > MaxSpeed {
			return nil, parseError(field+".speed", "speed %d outside [%d,%d]", *wp.Speed, MinSpeed, MaxSpeed)
		}

		p := PlayerState{
			ID:        id,
			Active:    *wp.Active,
			Direction: dir,
			Speed:     *wp.Speed,
			X:         *wp.X,
			Y:         *wp.Y,
			Round:     round,
		}
		if !p.Active && prev != nil {
			if old, ok := prev.Players[id]; ok {
				p.Round = old.Round
			}
		}
		players[id] = p
	}
	return players, nil
}

// Encode 将操作编码为出站消息。非法操作按 change_nothing 处理，因此不会失败。
func Encode(a Action) []byte {
	if !a.Valid() {
		a = ChangeNothing
	}
	b, _ := json.Marshal(ActionMessage{Action: a})
	return b
}

// DecodeServerTime 解析时间接口的响应，返回带毫秒精度的服务端时间（UTC）
func DecodeServerTime(raw []byte) (time.Time, error) {
	var w wireServerTime
	if err := json.Unmarshal(raw, &w); err != nil {
		return time.Time{}, jsonParseError(err)
	}
	if w.Time == nil {
		return time.Time{}, parseError("time", "missing")
	}
	base, err := time.Parse(time.RFC3339, *w.Time)
	if err != nil {
		return time.Time{}, &Error{Kind: KindParse, Field: "time", Msg: "invalid timestamp", Err: err}
	}
	if w.Milliseconds < 0 || w.Milliseconds > 999 {
		return time.Time{}, parseError("milliseconds", "value %d outside [0,999]", w.Milliseconds)
	}
	return base.Add(time.Duration(w.Milliseconds) * time.Millisecond).UTC(), nil
}

// jsonParseError 把 encoding/json 的错误转换为带字段名的 ParseError
func jsonParseError(err error) *Error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &Error{Kind: KindParse, Field: typeErr.Field, Msg: "expected " + typeErr.Type.String() + ", got " + typeErr.Value, Err: err}
	}
	return &Error{Kind: KindParse, Msg: "invalid json", Err: err}
}
