package registry

import (
	"context"
	"runtime"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pxp-agent/pxp-agent/pkg/api"
	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
)

// echoHandler returns its "message" param as "outcome", the reference
// round-trip fixture used by spec.md §8.
func echoHandler(_ context.Context, action string, params *structpb.Struct) (api.Outcome, error) {
	if action != "run" {
		return api.Outcome{}, &pxperrors.RequestError{Module: "echo", Action: action, Err: errUnknownAction(action)}
	}
	message := ""
	if params != nil {
		if v, ok := params.Fields["message"]; ok {
			message = v.GetStringValue()
		}
	}
	results, err := structpb.NewStruct(map[string]any{"outcome": message})
	if err != nil {
		return api.Outcome{}, err
	}
	return api.NewInternalOutcome(results), nil
}

// inventoryHandler reports the agent's platform and runtime facts.
func inventoryHandler(_ context.Context, action string, _ *structpb.Struct) (api.Outcome, error) {
	if action != "run" {
		return api.Outcome{}, &pxperrors.RequestError{Module: "inventory", Action: action, Err: errUnknownAction(action)}
	}
	results, err := structpb.NewStruct(map[string]any{
		"os":     runtime.GOOS,
		"arch":   runtime.GOARCH,
		"go":     runtime.Version(),
		"numcpu": float64(runtime.NumCPU()),
	})
	if err != nil {
		return api.Outcome{}, err
	}
	return api.NewInternalOutcome(results), nil
}

// pingHandler echoes back the "sender" value from its params (empty if
// absent) and a server-side timestamp so the requester can compute
// round-trip time (SPEC_FULL.md §4.C). The envelope's own sender is not
// passed to handlers, so it is not read here.
func pingHandler(_ context.Context, action string, params *structpb.Struct) (api.Outcome, error) {
	if action != "run" {
		return api.Outcome{}, &pxperrors.RequestError{Module: "ping", Action: action, Err: errUnknownAction(action)}
	}
	sender := ""
	if params != nil {
		if v, ok := params.Fields["sender"]; ok {
			sender = v.GetStringValue()
		}
	}
	results, err := structpb.NewStruct(map[string]any{
		"sender":          sender,
		"agent_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return api.Outcome{}, err
	}
	return api.NewInternalOutcome(results), nil
}

func errUnknownAction(action string) error {
	return &unknownActionError{action: action}
}

type unknownActionError struct{ action string }

func (e *unknownActionError) Error() string { return "unknown action: " + e.action }

func builtinModules() []api.ModuleDescriptor {
	return []api.ModuleDescriptor{
		{
			ModuleName: "echo",
			Handler:    api.HandlerFunc(echoHandler),
			Actions:    map[string]api.ActionSchema{"run": {}},
		},
		{
			ModuleName: "inventory",
			Handler:    api.HandlerFunc(inventoryHandler),
			Actions:    map[string]api.ActionSchema{"run": {}},
		},
		{
			ModuleName: "ping",
			Handler:    api.HandlerFunc(pingHandler),
			Actions:    map[string]api.ActionSchema{"run": {}},
		},
	}
}
