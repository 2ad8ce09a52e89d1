package ipc

import (
	"github.com/dbsheta/avsc/avro"
)

// CallContext carries per-call state through middleware and callbacks:
// the message being exchanged, the channel carrying it, and a Locals map
// for threading values between the forward and backward phases without
// globals.
type CallContext struct {
	Message *avro.Message
	Channel Channel
	Locals  map[string]any
}

func newCallContext(msg *avro.Message, ch Channel) *CallContext {
	return &CallContext{Message: msg, Channel: ch, Locals: make(map[string]any)}
}

// Next advances the forward phase. It must be called exactly once per
// middleware; a non-nil err (or settling wres before the call: SetError, or
// a non-nil Response) skips the remaining forward middleware and the
// transition. Other changes to wres, such as added headers, do not. The
// optional back callback is pushed onto the backward stack.
type Next func(err error, back Backward)

// Backward is one backward-phase step. It receives the propagating error
// and must invoke cont exactly once with the error to keep propagating —
// pass the received err through unchanged, or a different value (possibly
// nil) to replace it.
type Backward func(err error, cont func(error))

// Middleware observes and may mutate the request/response envelopes on both
// the client (around emission) and the server (around dispatch).
type Middleware func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next)

// runChain drives the two-phase pipeline: middleware in insertion order,
// then the transition (send-over-wire on the client, handler dispatch on
// the server), then the backward callbacks in LIFO order, then completion.
//
// transition receives a done callback to invoke when its asynchronous work
// finishes; it is skipped entirely when a middleware short-circuits.
// onError reports protocol violations (duplicate next calls) out of band.
func runChain(
	ctx *CallContext,
	wreq *WrappedRequest,
	wres *WrappedResponse,
	mws []Middleware,
	transition func(done func(error)),
	onError func(error),
	onCompletion func(error),
) {
	var backs []Backward

	var backward func(err error)
	backward = func(err error) {
		if len(backs) == 0 {
			onCompletion(err)
			return
		}
		back := backs[len(backs)-1]
		backs = backs[:len(backs)-1]
		back(err, backward)
	}

	var forward func(i int)
	forward = func(i int) {
		if wres.settled() {
			backward(nil)
			return
		}
		if i == len(mws) {
			transition(backward)
			return
		}
		called := false
		mws[i](ctx, wreq, wres, func(err error, back Backward) {
			if called {
				if onError != nil {
					onError(Errorf(CodeInternalServerError, "duplicate middleware forward call"))
				}
				return
			}
			called = true
			if back != nil {
				backs = append(backs, back)
			}
			if err != nil {
				backward(err)
				return
			}
			forward(i + 1)
		})
	}

	forward(0)
}
