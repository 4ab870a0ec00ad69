package global

import (
	"errors"

	"SProject/tools/errs"
)

type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Sucess(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

// Fail 把内部错误翻成统一应答；非 CodeError 一律按内部错误处理。
func Fail(err error) *Msg {
	var codeErr *errs.CodeError
	if errors.As(errs.Unwrap(err), &codeErr) {
		m := codeErr.Msg
		if codeErr.Detail != "" {
			m += ": " + codeErr.Detail
		}
		return &Msg{Code: codeErr.Code, Msg: m}
	}
	return &Msg{Code: errs.ServerInternalError, Msg: "server internal error"}
}
