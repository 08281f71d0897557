package client

import (
	"context"
	"time"

	"github.com/joeycumines/go-catrate"
)

// rateGateCategory is the single category used for the process-wide gate —
// there is exactly one window that applies across every outbound call,
// regardless of endpoint or connection.
const rateGateCategory = "global"

// RateGate enforces the minimum 1-second interval between any two outbound
// calls to the external account service, across all endpoints and
// connections. Built on catrate's sliding-window limiter with a single
// category and a {1s: 1} window, which is exactly "at most one event per
// second" — i.e. a minimum-interval gate.
type RateGate struct {
	limiter *catrate.Limiter
}

// NewRateGate constructs the process-wide gate.
func NewRateGate() *RateGate {
	return &RateGate{
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
	}
}

// Wait blocks until the next outbound call may proceed, or ctx is done.
func (g *RateGate) Wait(ctx context.Context) error {
	for {
		next, ok := g.limiter.Allow(rateGateCategory)
		if ok {
			return nil
		}
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
