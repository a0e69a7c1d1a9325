package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 会话使用的连接能力，*websocket.Conn 直接满足。
// 同一时刻最多一个读者、一个写者；WriteControl 与 Close 可并发调用。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc 建立到目标地址的连接（完成握手）
type DialFunc func(ctx context.Context, target string) (Conn, error)

// NewDialer 基于 gorilla websocket 的握手实现
func NewDialer(handshakeTimeout time.Duration) DialFunc {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
	return func(ctx context.Context, target string) (Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		return conn, nil
	}
}

// inbound 读协程交给会话循环的一帧（或读错误）
type inbound struct {
	data []byte
	err  error
}

// readPump 独立协程，按到达顺序把入站帧交给会话循环；出错或 ctx 结束时退出
func (s *Session) readPump(ctx context.Context, frames chan<- inbound) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err == nil && msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err == nil {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		select {
		case frames <- inbound{data: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// writeFrame 带写超时地发送一条文本消息
func (s *Session) writeFrame(msg []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// isServerClose 服务端主动正常关闭连接
func isServerClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// closeConn 尝试发送关闭帧后关闭底层连接
func (s *Session) closeConn() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		Log.Debugw("close frame not sent", "session", s.id, "err", err)
	}
	if err := s.conn.Close(); err != nil {
		Log.Warnw("close connection failed", "session", s.id, "err", err)
	}
}
