package middleware

import (
	"testing"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/ipc"
)

func TestLoggingPassesThrough(t *testing.T) {
	msg, err := avro.NewMessage("probe", &avro.RecordType{FullName: "probeRequest"}, avro.String, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	mw := Logging()
	var back ipc.Backward
	mw(&ipc.CallContext{Message: msg}, &ipc.WrappedRequest{Message: msg}, &ipc.WrappedResponse{},
		func(err error, b ipc.Backward) {
			if err != nil {
				t.Fatalf("forward phase must pass: %v", err)
			}
			back = b
		})
	if back == nil {
		t.Fatal("logging must register a backward callback")
	}
	propagated := false
	back(nil, func(err error) {
		propagated = true
		if err != nil {
			t.Errorf("backward must propagate nil: %v", err)
		}
	})
	if !propagated {
		t.Fatal("backward continuation never called")
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	mw := RateLimit(0.001, 1) // one token, essentially no refill
	wreq := &ipc.WrappedRequest{}
	wres := &ipc.WrappedResponse{}
	ctx := &ipc.CallContext{}

	var errs []error
	for i := 0; i < 3; i++ {
		mw(ctx, wreq, wres, func(err error, _ ipc.Backward) {
			errs = append(errs, err)
		})
	}
	if errs[0] != nil {
		t.Fatalf("first call must pass: %v", errs[0])
	}
	for i, err := range errs[1:] {
		if err == nil {
			t.Errorf("call %d must be rejected", i+2)
		}
	}
}

func TestHeadersInjection(t *testing.T) {
	mw := Headers(map[string][]byte{"tenant": []byte("acme"), "trace": []byte("mw")})
	wreq := &ipc.WrappedRequest{Headers: map[string][]byte{"trace": []byte("per-call")}}
	called := false
	mw(&ipc.CallContext{}, wreq, &ipc.WrappedResponse{}, func(err error, _ ipc.Backward) {
		called = true
		if err != nil {
			t.Errorf("headers middleware must not fail: %v", err)
		}
	})
	if !called {
		t.Fatal("next never called")
	}
	if string(wreq.Headers["tenant"]) != "acme" {
		t.Errorf("static header not injected")
	}
	if string(wreq.Headers["trace"]) != "per-call" {
		t.Errorf("per-call header must win over the static one")
	}
}
