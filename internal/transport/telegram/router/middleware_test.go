package router

import (
	"context"
	"strings"
	"testing"
	"time"

	logx "chanpost/pkg/logx"
)

func TestWrapOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				trace = append(trace, name)
				return next(ctx, req)
			}
		}
	}
	h := Wrap(func(context.Context, *Request) error {
		trace = append(trace, "handler")
		return nil
	}, mark("outer"), mark("inner"))
	if err := h(context.Background(), &Request{Logger: logx.Nop()}); err != nil {
		t.Fatalf("h: %v", err)
	}
	if got := strings.Join(trace, ","); got != "outer,inner,handler" {
		t.Fatalf("trace = %s", got)
	}
}

func TestRecoverReturnsError(t *testing.T) {
	h := Wrap(func(context.Context, *Request) error { panic("boom") }, Recover())
	err := h(context.Background(), &Request{Logger: logx.Nop()})
	if err == nil || err.Error() != "panic: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestDeadline(t *testing.T) {
	var has bool
	h := Wrap(func(ctx context.Context, _ *Request) error {
		_, has = ctx.Deadline()
		return nil
	}, Deadline(time.Minute))
	_ = h(context.Background(), &Request{Logger: logx.Nop()})
	if !has {
		t.Fatalf("expected a deadline")
	}

	h = Wrap(func(ctx context.Context, _ *Request) error {
		_, has = ctx.Deadline()
		return nil
	}, Deadline(0))
	_ = h(context.Background(), &Request{Logger: logx.Nop()})
	if has {
		t.Fatalf("zero duration should not set a deadline")
	}
}
