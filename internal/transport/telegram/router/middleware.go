package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	logx "chanpost/pkg/logx"
)

// slowCommand is the duration past which a successful command logs at info.
const slowCommand = 750 * time.Millisecond

type Middleware func(next HandlerFunc) HandlerFunc

// Wrap applies mws around h. The first middleware runs outermost.
func Wrap(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("command panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logged records each command's outcome on the request logger.
func Logged() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowCommand:
				req.Logger.Info("command done", logx.Duration("took", took))
			default:
				req.Logger.Debug("command done", logx.Duration("took", took))
			}
			return err
		}
	}
}

// Deadline bounds the handler by d. Zero or negative leaves ctx alone.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
