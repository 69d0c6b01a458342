package api

import "google.golang.org/protobuf/types/known/structpb"

// Kind distinguishes the two variants of Outcome (spec.md §3, "Action outcome").
type Kind int

const (
	// Internal is a pure in-process handler result.
	Internal Kind = iota
	// External is the result of running a plugin as a child process.
	External
)

// Outcome is a tagged union: Internal outcomes carry only a results
// value; External outcomes additionally carry the raw child-process
// stdio and exit code.
type Outcome struct {
	Kind     Kind
	Results  *structpb.Struct
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

// NewInternalOutcome builds an Internal outcome.
func NewInternalOutcome(results *structpb.Struct) Outcome {
	return Outcome{Kind: Internal, Results: results}
}

// NewExternalOutcome builds an External outcome.
func NewExternalOutcome(stdout, stderr []byte, exitCode int32, results *structpb.Struct) Outcome {
	return Outcome{
		Kind:     External,
		Results:  results,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}
}
