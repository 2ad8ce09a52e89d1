// Package middleware supplies ready-made two-phase middlewares for the RPC
// pipeline. Each one follows the forward/backward contract: do work, call
// next exactly once, and optionally push a backward callback that unwinds
// after the transition.
package middleware

import (
	"log"
	"time"

	"github.com/dbsheta/avsc/ipc"
	"golang.org/x/time/rate"
)

// Logging records each call's message name, duration, and outcome. The
// timestamp is taken in the forward phase and read back in the backward
// phase through the backward callback's closure.
func Logging() ipc.Middleware {
	return func(ctx *ipc.CallContext, wreq *ipc.WrappedRequest, wres *ipc.WrappedResponse, next ipc.Next) {
		start := time.Now()
		next(nil, func(err error, cont func(error)) {
			name := ctx.Message.Name
			if name == "" {
				name = "(ping)"
			}
			log.Printf("rpc %s: %s", name, time.Since(start))
			if err != nil {
				log.Printf("rpc %s: error: %v", name, err)
			} else if wres.HasError {
				log.Printf("rpc %s: remote error: %v", name, wres.Error)
			}
			cont(err)
		})
	}
}

// RateLimit rejects calls beyond a token-bucket budget of r tokens per
// second with the given burst, failing the forward phase so neither the
// transition nor later middleware runs.
func RateLimit(r float64, burst int) ipc.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(ctx *ipc.CallContext, wreq *ipc.WrappedRequest, wres *ipc.WrappedResponse, next ipc.Next) {
		if !limiter.Allow() {
			next(ipc.Errorf(ipc.CodeInternalServerError, "rate limit exceeded"), nil)
			return
		}
		next(nil, nil)
	}
}

// Headers injects static entries into every outgoing request's header map;
// existing per-call entries win.
func Headers(headers map[string][]byte) ipc.Middleware {
	return func(ctx *ipc.CallContext, wreq *ipc.WrappedRequest, wres *ipc.WrappedResponse, next ipc.Next) {
		for k, v := range headers {
			if _, ok := wreq.Headers[k]; !ok {
				wreq.Headers[k] = v
			}
		}
		next(nil, nil)
	}
}
