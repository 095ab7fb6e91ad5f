// Package ctxkey provides context keys that carry the type of their value, so lookups need no type assertion at
// the call site. See https://adithayyil.tech/posts/go-type-safe-contexts/
package ctxkey

import (
	"context"
	"fmt"
)

// Key is a context key whose values have type T. Keys are compared by name and T.
type Key[T any] struct {
	name string
}

func New[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string {
	return fmt.Sprintf("ctxkey.Key[%T](%s)", *new(T), k.name)
}

// With returns a copy of ctx carrying v under k.
func (k Key[T]) With(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

// From returns the value stored under k, if any.
func (k Key[T]) From(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}
