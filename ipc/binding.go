package ipc

import (
	"fmt"
	"reflect"
	"unicode"

	"github.com/dbsheta/avsc/avro"
)

// Invoker is a typed per-message caller: positional arguments are packed
// into the request record in declaration order.
type Invoker func(args []any, opts *CallOptions, cb ResponseCallback)

// Invoker returns the tabular-dispatch entry for one message.
func (c *Client) Invoker(name string) (Invoker, error) {
	msg := c.service.Message(name)
	if msg == nil {
		return nil, Errorf(CodeNotImplemented, "no message %q in protocol %s", name, c.service.Name())
	}
	fields := msg.Request.Fields
	return func(args []any, opts *CallOptions, cb ResponseCallback) {
		if len(args) != len(fields) {
			c.fail(cb, nil, Errorf(CodeInvalidRequest, "message %q takes %d arguments, got %d", name, len(fields), len(args)))
			return
		}
		req := make(map[string]any, len(fields))
		for i, f := range fields {
			req[f.Name] = args[i]
		}
		c.EmitMessage(name, req, opts, cb)
	}, nil
}

// Invokers returns the full dispatch table, one entry per message.
func (c *Client) Invokers() map[string]Invoker {
	out := make(map[string]Invoker)
	for _, name := range c.service.MessageNames() {
		inv, _ := c.Invoker(name)
		out[name] = inv
	}
	return out
}

var (
	errType = reflect.TypeOf((*error)(nil)).Elem()
	ctxType = reflect.TypeOf((*CallContext)(nil))
)

// BindReceiver scans rcvr's exported methods and registers one handler per
// message whose capitalized name matches a method. Accepted signatures:
//
//	func ([ctx *CallContext,] p1 T1, ... pn Tn) (resp R, err error)
//	func ([ctx *CallContext,] p1 T1, ... pn Tn) error
//
// where p1..pn correspond to the message's request parameters in order.
// Every message must find a method; anything left unbound is an error.
func (s *Server) BindReceiver(rcvr any) error {
	v := reflect.ValueOf(rcvr)
	for _, name := range s.service.MessageNames() {
		msg := s.service.Message(name)
		m := v.MethodByName(exportedName(name))
		if !m.IsValid() {
			return Errorf(CodeNotImplemented, "receiver %T has no method for message %q", rcvr, name)
		}
		h, err := reflectHandler(msg, m)
		if err != nil {
			return err
		}
		if err := s.OnMessage(name, h); err != nil {
			return err
		}
	}
	return nil
}

func exportedName(name string) string {
	r := []rune(name)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func reflectHandler(msg *avro.Message, fn reflect.Value) (Handler, error) {
	ft := fn.Type()
	in := 0
	wantsCtx := ft.NumIn() > 0 && ft.In(0) == ctxType
	if wantsCtx {
		in = 1
	}
	if ft.NumIn()-in != len(msg.Request.Fields) {
		return nil, Errorf(CodeNotImplemented, "method for %q takes %d parameters, message declares %d",
			msg.Name, ft.NumIn()-in, len(msg.Request.Fields))
	}
	if ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != errType || ft.NumOut() > 2 {
		return nil, Errorf(CodeNotImplemented, "method for %q must return (result, error) or error", msg.Name)
	}
	hasResult := ft.NumOut() == 2

	return func(ctx *CallContext, req map[string]any, respond Respond) {
		args := make([]reflect.Value, ft.NumIn())
		i := 0
		if wantsCtx {
			args[0] = reflect.ValueOf(ctx)
			i = 1
		}
		for j, f := range msg.Request.Fields {
			av, err := convertArg(req[f.Name], ft.In(i+j))
			if err != nil {
				if respond != nil {
					respond(Errorf(CodeInvalidRequest, "parameter %q: %v", f.Name, err), nil)
				}
				return
			}
			args[i+j] = av
		}

		out := fn.Call(args)
		errOut := out[len(out)-1]
		if respond == nil {
			return
		}
		if !errOut.IsNil() {
			respond(errOut.Interface().(error), nil)
			return
		}
		if hasResult {
			respond(nil, out[0].Interface())
			return
		}
		respond(nil, nil)
	}, nil
}

// convertArg adapts a decoded Avro value to the method's parameter type,
// widening the integer and float kinds as needed.
func convertArg(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String:
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}
