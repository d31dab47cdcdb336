// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/ejbd-project/ejbd/lib/codec"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Method is one invocable operation of a view. Supported signatures
// take an optional leading context.Context and any number of
// arguments, and return (R, error), error, R, or nothing.
type Method struct {
	Name string

	fn          reflect.Value
	withContext bool
	params      []reflect.Type
	result      reflect.Type
	withError   bool
}

// Params returns the argument types, not counting a leading context.
func (m *Method) Params() []reflect.Type { return m.params }

// Result returns the result type, or nil when the method returns only
// an error or nothing.
func (m *Method) Result() reflect.Type { return m.result }

// methodsOf returns the invocable methods of target, keyed by name.
// Exported methods with other shapes (variadic, more than two
// results, a non-error second result) are skipped.
func methodsOf(target any) map[string]*Method {
	value := reflect.ValueOf(target)
	valueType := value.Type()
	methods := make(map[string]*Method)
	for i := range valueType.NumMethod() {
		declared := valueType.Method(i)
		if !declared.IsExported() {
			continue
		}
		if method, ok := newMethod(declared.Name, value.Method(i)); ok {
			methods[declared.Name] = method
		}
	}
	return methods
}

func newMethod(name string, fn reflect.Value) (*Method, bool) {
	fnType := fn.Type()
	if fnType.IsVariadic() {
		return nil, false
	}
	method := &Method{Name: name, fn: fn}

	first := 0
	if fnType.NumIn() > 0 && fnType.In(0) == contextType {
		method.withContext = true
		first = 1
	}
	for i := first; i < fnType.NumIn(); i++ {
		method.params = append(method.params, fnType.In(i))
	}

	switch fnType.NumOut() {
	case 0:
	case 1:
		if fnType.Out(0) == errorType {
			method.withError = true
		} else {
			method.result = fnType.Out(0)
		}
	case 2:
		if fnType.Out(1) != errorType {
			return nil, false
		}
		method.result = fnType.Out(0)
		method.withError = true
	default:
		return nil, false
	}
	return method, true
}

func sortedNames(methods map[string]*Method) []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeArgs decodes CBOR arguments into the parameter types.
func (m *Method) decodeArgs(raw []codec.RawMessage) ([]reflect.Value, error) {
	if len(raw) != len(m.params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArguments, m.Name, len(m.params), len(raw))
	}
	values := make([]reflect.Value, len(raw))
	for i, encoded := range raw {
		target := reflect.New(m.params[i])
		if err := codec.Unmarshal(encoded, target.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %w", ErrBadArguments, m.Name, i, err)
		}
		values[i] = target.Elem()
	}
	return values, nil
}

// valueArgs converts in-process arguments to the parameter types. A nil
// argument becomes the zero value.
func (m *Method) valueArgs(args []any) ([]reflect.Value, error) {
	if len(args) != len(m.params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArguments, m.Name, len(m.params), len(args))
	}
	values := make([]reflect.Value, len(args))
	for i, arg := range args {
		param := m.params[i]
		if arg == nil {
			values[i] = reflect.Zero(param)
			continue
		}
		value := reflect.ValueOf(arg)
		switch {
		case value.Type().AssignableTo(param):
		case value.Type().ConvertibleTo(param) && value.Kind() != reflect.String && param.Kind() != reflect.String:
			value = value.Convert(param)
		default:
			return nil, fmt.Errorf("%w: %s argument %d: %s is not assignable to %s", ErrBadArguments, m.Name, i, value.Type(), param)
		}
		values[i] = value
	}
	return values, nil
}

// call invokes the method. Panics are returned as *SystemError.
func (m *Method) call(ctx context.Context, args []reflect.Value) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &SystemError{Panic: recovered, Err: fmt.Errorf("%s panicked: %v", m.Name, recovered)}
		}
	}()

	in := args
	if m.withContext {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	}
	out := m.fn.Call(in)

	if m.withError {
		if errValue := out[len(out)-1]; !errValue.IsNil() {
			err = errValue.Interface().(error)
		}
	}
	if m.result != nil {
		result = out[0].Interface()
	}
	return result, err
}
