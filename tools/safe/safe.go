package safe

import (
	"SProject/logger"
	"SProject/tools/errs"
	"context"
	"time"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic so a background
// task never takes down the whole process.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered",
					zap.String("name", name), zap.Error(errs.ErrPanic(r)))
			}
		}()
		f()
	}()
}

// GoTicker 周期任务：每 interval 执行一次 f，直到 ctx 结束。
// 单次执行内 panic 只记录，不中断后续轮次。
func GoTicker(ctx context.Context, name string, interval time.Duration, f func(ctx context.Context)) {
	Go(name, func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				runOnce(ctx, name, f)
			}
		}
	})
}

func runOnce(ctx context.Context, name string, f func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ticker task panic recovered",
				zap.String("name", name), zap.Error(errs.ErrPanic(r)))
		}
	}()
	f(ctx)
}
