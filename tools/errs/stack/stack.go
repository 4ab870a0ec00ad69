package stack

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// stackError 包装底层错误并记录调用位置（file:line）。
type stackError struct {
	err   error
	frame string
}

// New wraps err with the caller location, skipping skip frames.
func New(err error, skip int) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return &stackError{err: err}
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	return &stackError{err: err, frame: file + ":" + strconv.Itoa(line)}
}

func (e *stackError) Error() string {
	if e.frame == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s [%s]", e.err.Error(), e.frame)
}

func (e *stackError) Unwrap() error { return e.err }
