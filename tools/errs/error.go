package errs

import (
	"SProject/tools/errs/stack"
	"errors"
	"fmt"
	"strings"
)

type Error interface {
	Is(err error) bool
	Wrap() error
	WrapMsg(msg string, kv ...any) error
	error
}

type ErrWrapper interface {
	Unwrap() error
	error
}

// New 直接构造一个带 kv 详情的普通错误（无错误码）。
func New(s string, kv ...any) Error {
	return &errorString{s: toString(s, kv)}
}

type errorString struct {
	s string
}

func (e *errorString) Is(err error) bool {
	if err == nil {
		return false
	}
	var es *errorString
	if !errors.As(err, &es) {
		return false
	}
	return e.s == es.s
}

func (e *errorString) Error() string { return e.s }

func (e *errorString) Wrap() error { return stack.New(e, stackSkip) }

func (e *errorString) WrapMsg(msg string, kv ...any) error {
	return stack.New(NewErrorWrapper(e, toString(msg, kv)), stackSkip)
}

func NewErrorWrapper(err error, s string) error {
	return &errorWrapper{err: err, s: s}
}

type errorWrapper struct {
	err error
	s   string
}

func (e *errorWrapper) Error() string {
	if e.s == "" {
		return e.err.Error()
	}
	return e.s + ": " + e.err.Error()
}

func (e *errorWrapper) Unwrap() error { return e.err }

func toString(s string, kv []any) string {
	if len(kv) == 0 {
		return s
	}
	var sb strings.Builder
	sb.WriteString(s)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || s != "" {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
