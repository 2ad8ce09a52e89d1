package ipc

import (
	"github.com/dbsheta/avsc/avro"
)

// WrappedRequest is the in-flight request envelope middleware observes and
// mutates: headers, the message being called, and the request record value.
//
// Wire form: encode(headers) ‖ encode(name) ‖ requestType.encode(request).
type WrappedRequest struct {
	Message *avro.Message
	Headers map[string][]byte
	Request map[string]any
}

func (w *WrappedRequest) encode() ([]byte, error) {
	buf := avro.AppendBytesMap(nil, w.Headers)
	buf = avro.AppendString(buf, w.Message.Name)
	return w.Message.Request.Encode(buf, w.Request)
}

// WrappedResponse is the in-flight response envelope. Exactly one of Error
// and Response is meaningful for non-one-way calls, discriminated by
// HasError.
//
// Wire form: encode(headers) ‖ encode(hasError) ‖
// (hasError ? errorType.encode(error) : responseType.encode(response)).
type WrappedResponse struct {
	Headers  map[string][]byte
	HasError bool
	Error    any
	Response any
}

// SetError marks the response as errored; middleware uses this to
// short-circuit the forward phase.
func (w *WrappedResponse) SetError(v any) {
	w.HasError = true
	w.Error = v
}

// SetResponse installs a response value; middleware uses this to
// short-circuit the forward phase.
func (w *WrappedResponse) SetResponse(v any) {
	w.Response = v
}

// settled reports whether a middleware already produced an outcome, which
// bypasses the rest of the forward phase and the transition.
func (w *WrappedResponse) settled() bool {
	return w.HasError || w.Response != nil
}

func (w *WrappedResponse) encode(msg *avro.Message) ([]byte, error) {
	buf := avro.AppendBytesMap(nil, w.Headers)
	buf = avro.AppendBool(buf, w.HasError)
	if w.HasError {
		return msg.Errors.Encode(buf, w.Error)
	}
	return msg.Response.Encode(buf, w.Response)
}

// pingMessage is the reserved connection probe: empty name, empty request,
// response ["string"], no declared errors. Stateful channels use it to
// carry the opening handshake.
var pingMessage = &avro.Message{
	Name:     "",
	Request:  &avro.RecordType{FullName: "PingRequest"},
	Response: &avro.UnionType{Branches: []avro.Type{avro.String}},
	Errors:   &avro.UnionType{Branches: []avro.Type{avro.String}},
}

// oneWayResponseBody is the synthetic wire-less response for one-way calls:
// empty headers and the no-error flag; a null response consumes no bytes.
func oneWayResponseBody() []byte {
	buf := avro.AppendBytesMap(nil, nil)
	return avro.AppendBool(buf, false)
}
