package inject

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/moolen/apptest/internal/config"
)

const tagName = "inject"

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Fields resolves and sets every `inject`-tagged field of the struct target
// points to, exported or not.
func Fields(ctx context.Context, target any, src Source) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return config.NewConfigError(fmt.Sprintf("injection target must be a pointer to a struct, got %T", target))
	}

	elem := v.Elem()
	structType := elem.Type()
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		tag, ok := field.Tag.Lookup(tagName)
		if !ok {
			continue
		}

		site := structType.String() + "." + field.Name
		req, err := RequestFor(field.Type, tag, site)
		if err != nil {
			return err
		}

		value, err := Resolve(ctx, req, src)
		if err != nil {
			return fmt.Errorf("failed to inject %s: %w", site, err)
		}

		settable(elem.Field(i)).Set(reflect.ValueOf(value))
	}
	return nil
}

// settable returns a settable view of f, bypassing export restrictions.
func settable(f reflect.Value) reflect.Value {
	if f.CanSet() {
		return f
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
}

// Invoke calls hook with resolved arguments. A hook is a function whose
// parameters are all injectable or context.Context, returning nothing or a
// single error. Anything else is a configuration error.
func Invoke(ctx context.Context, hook any, src Source) error {
	fn := reflect.ValueOf(hook)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return config.NewConfigError(fmt.Sprintf("hook %T is not a function", hook))
	}

	name := FuncName(hook)
	fnType := fn.Type()

	switch {
	case fnType.IsVariadic():
		return config.NewConfigError(fmt.Sprintf("hook %s must not be variadic", name))
	case fnType.NumOut() > 1, fnType.NumOut() == 1 && fnType.Out(0) != errorType:
		return config.NewConfigError(fmt.Sprintf("hook %s must return nothing or an error", name))
	}

	args := make([]reflect.Value, fnType.NumIn())
	for i := range args {
		in := fnType.In(i)
		if in == contextType {
			args[i] = reflect.ValueOf(ctx)
			continue
		}

		req, err := RequestFor(in, "", fmt.Sprintf("%s parameter %d", name, i))
		if err != nil {
			return err
		}
		value, err := Resolve(ctx, req, src)
		if err != nil {
			return fmt.Errorf("failed to resolve %s for hook %s: %w", req.Kind, name, err)
		}
		args[i] = reflect.ValueOf(value)
	}

	out := fn.Call(args)
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

// FuncName returns the qualified name of a function value.
func FuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%T", fn)
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return v.Type().String()
}
