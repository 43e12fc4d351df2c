package safe

import (
	"PPulse/logger"
	"PPulse/tools/errs"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", errs.ErrPanic(r))
			}
		}()
		f()
	}()
}
