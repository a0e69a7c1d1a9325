package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// heartbeat 按固定间隔发送 ping，保持长连接；回合间隔可能很长
func (s *Session) heartbeat(ctx context.Context) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.State().Terminal() {
				return
			}
			// WriteControl 可与会话循环的写并发
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				Log.Debugw("ping failed", "session", s.id, "err", err)
				return
			}
		}
	}
}
