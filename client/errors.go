package client

import (
	"errors"
	"fmt"
)

// ErrorKind 区分对外暴露的错误类别
type ErrorKind int

const (
	KindConnectionInitialization ErrorKind = iota + 1
	KindConnectionTermination
	KindMessageSend
	KindMalformedTarget
	KindTimeRequest
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionInitialization:
		return "connection initialization"
	case KindConnectionTermination:
		return "connection termination"
	case KindMessageSend:
		return "message send"
	case KindMalformedTarget:
		return "malformed target"
	case KindTimeRequest:
		return "time request"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// 哨兵错误，配合 errors.Is 按类别判断
var (
	ErrConnectionInitialization = &Error{Kind: KindConnectionInitialization}
	ErrConnectionTermination    = &Error{Kind: KindConnectionTermination}
	ErrMessageSend              = &Error{Kind: KindMessageSend}
	ErrMalformedTarget          = &Error{Kind: KindMalformedTarget}
	ErrTimeRequest              = &Error{Kind: KindTimeRequest}
	ErrParse                    = &Error{Kind: KindParse}
)

// Error 携带类别、可读原因以及底层错误
type Error struct {
	Kind  ErrorKind
	Msg   string
	Field string // 仅解析错误：出错的字段
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按类别匹配，忽略消息与底层错误
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func parseError(field string, format string, args ...any) *Error {
	return &Error{Kind: KindParse, Field: field, Msg: fmt.Sprintf(format, args...)}
}
