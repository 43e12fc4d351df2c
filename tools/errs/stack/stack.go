package stack

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// stackError 携带调用栈的错误包装
type stackError struct {
	err   error
	stack string
}

// New 包装 err 并捕获调用栈，skip 为跳过的栈帧数
func New(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stackError{err: err, stack: capture(skip)}
}

func (e *stackError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.err.Error())
	if e.stack != "" {
		sb.WriteString(" | ")
		sb.WriteString(e.stack)
	}
	return sb.String()
}

func (e *stackError) Unwrap() error { return e.err }

func capture(skip int) string {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	parts := make([]string, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			parts = append(parts, f.Function+":"+strconv.Itoa(f.Line))
		}
		if !more {
			break
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, " -> "))
}
