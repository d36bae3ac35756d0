package coaputil

import (
	"context"

	"github.com/ironzhang/lwm2m"
)

// responseWaiter 等待 SendRequest 的回调.
type responseWaiter struct {
	done chan struct{}
	resp *lwm2m.Response
	err  error
}

func newResponseWaiter() *responseWaiter {
	return &responseWaiter{
		done: make(chan struct{}),
	}
}

func (w *responseWaiter) Done(resp *lwm2m.Response, err error) {
	w.resp = resp
	w.err = err
	close(w.done)
}

func (w *responseWaiter) Wait(ctx context.Context) (*lwm2m.Response, error) {
	select {
	case <-w.done:
		return w.resp, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
