// Package api defines the contracts shared between the Module Registry,
// the External Module Invoker, and the Request Processor: a uniform
// way to execute an action and describe what came back, per spec.md
// §9's "dynamic dispatch to modules" design note (a tagged-variant
// Outcome selected at lookup, rather than deep inheritance).
package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Handler executes a single action against structured parameters and
// returns a tagged Outcome. Built-in modules implement this directly;
// external modules are adapted onto it by pkg/invoker.
type Handler interface {
	Execute(ctx context.Context, action string, params *structpb.Struct) (Outcome, error)
}

// HandlerFunc adapts a plain function to Handler, for built-ins with a
// single action or trivial dispatch.
type HandlerFunc func(ctx context.Context, action string, params *structpb.Struct) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, action string, params *structpb.Struct) (Outcome, error) {
	return f(ctx, action, params)
}
