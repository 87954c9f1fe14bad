package adapter

import (
	"context"
	"fmt"
	"runtime"
)

// Runtime is the execution context a backend needs around every call.
// Attach returns a release func that must run on every exit path.
type Runtime interface {
	Attach(ctx context.Context) (release func(), err error)
}

// NopRuntime is used by backends without thread affinity
type NopRuntime struct{}

func (NopRuntime) Attach(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// ThreadRuntime pins the calling goroutine to its OS thread for the
// duration of the call, for backends bound to thread-local state
type ThreadRuntime struct{}

func (ThreadRuntime) Attach(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}

// RuntimeFunc adapts a function to the Runtime interface
type RuntimeFunc func(ctx context.Context) (func(), error)

func (f RuntimeFunc) Attach(ctx context.Context) (func(), error) {
	return f(ctx)
}

// NewRuntime returns the runtime registered under name
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "", "nop":
		return NopRuntime{}, nil
	case "thread":
		return ThreadRuntime{}, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
}
