package ipc

import (
	"errors"
	"testing"

	"github.com/dbsheta/avsc/avro"
)

func chainFixture() (*CallContext, *WrappedRequest, *WrappedResponse) {
	msg, _ := avro.NewMessage("m", &avro.RecordType{FullName: "mRequest"}, avro.String, nil, false)
	ctx := newCallContext(msg, nil)
	return ctx, &WrappedRequest{Message: msg}, &WrappedResponse{}
}

// With middlewares M1, M2, M3 each pushing a backward callback, the order is
// M1 → M2 → M3 → transition → b3 → b2 → b1 → completion.
func TestChainOrdering(t *testing.T) {
	ctx, wreq, wres := chainFixture()
	var order []string
	step := func(name string) Middleware {
		return func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
			order = append(order, name)
			next(nil, func(err error, cont func(error)) {
				order = append(order, "b"+name[1:])
				cont(err)
			})
		}
	}

	done := make(chan error, 1)
	runChain(ctx, wreq, wres, []Middleware{step("m1"), step("m2"), step("m3")},
		func(finish func(error)) {
			order = append(order, "transition")
			finish(nil)
		},
		nil,
		func(err error) {
			order = append(order, "completion")
			done <- err
		})
	if err := <-done; err != nil {
		t.Fatalf("completion error: %v", err)
	}

	want := []string{"m1", "m2", "m3", "transition", "b3", "b2", "b1", "completion"}
	if len(order) != len(want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

// A middleware that settles the response bypasses the rest of the forward
// phase and the transition, but earlier backward callbacks still run.
func TestChainBypass(t *testing.T) {
	ctx, wreq, wres := chainFixture()
	var order []string
	m1 := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		order = append(order, "m1")
		next(nil, func(err error, cont func(error)) {
			order = append(order, "b1")
			cont(err)
		})
	}
	m2 := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		order = append(order, "m2")
		wres.SetResponse("shortcut")
		next(nil, nil)
	}
	m3 := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		order = append(order, "m3")
		next(nil, nil)
	}

	completed := false
	runChain(ctx, wreq, wres, []Middleware{m1, m2, m3},
		func(finish func(error)) { t.Error("transition must not run") },
		nil,
		func(err error) { completed = true })

	if !completed {
		t.Fatal("completion never ran")
	}
	want := []string{"m1", "m2", "b1"}
	if len(order) != len(want) || order[2] != "b1" {
		t.Fatalf("order %v, want %v", order, want)
	}
	if wres.Response != "shortcut" {
		t.Errorf("settled response lost: %v", wres.Response)
	}
}

// A forward error skips the transition and propagates through backward
// callbacks, which may replace it.
func TestChainForwardError(t *testing.T) {
	ctx, wreq, wres := chainFixture()
	replaced := errors.New("replaced")
	m1 := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		next(nil, func(err error, cont func(error)) {
			if err == nil || err.Error() != "boom" {
				t.Errorf("backward must see the forward error, got %v", err)
			}
			cont(replaced)
		})
	}
	m2 := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		next(errors.New("boom"), nil)
	}

	var final error
	runChain(ctx, wreq, wres, []Middleware{m1, m2},
		func(finish func(error)) { t.Error("transition must not run") },
		nil,
		func(err error) { final = err })
	if final != replaced {
		t.Errorf("completion error: got %v, want %v", final, replaced)
	}
}

func TestChainDuplicateNext(t *testing.T) {
	ctx, wreq, wres := chainFixture()
	var reported error
	mw := func(ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) {
		next(nil, nil)
		next(nil, nil) // protocol violation
	}
	completions := 0
	runChain(ctx, wreq, wres, []Middleware{mw},
		func(finish func(error)) { finish(nil) },
		func(err error) { reported = err },
		func(err error) { completions++ })

	if reported == nil {
		t.Fatal("duplicate next must be reported via onError")
	}
	if completions != 1 {
		t.Errorf("original call must continue exactly once, got %d completions", completions)
	}
}
