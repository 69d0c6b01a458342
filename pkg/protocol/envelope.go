// Package protocol implements the wire-level JSON envelope described in
// spec.md §6: routing metadata wrapped around a schema-identified
// payload, exchanged as text frames over the broker connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Version is the only envelope version this agent speaks.
const Version = "1"

// Well-known data_schema URIs, preserved verbatim from the historical
// PXP wire protocol (see original_source/src/agent/agent_endpoint.cpp).
const (
	SchemaLogin            = "http://puppetlabs.com/loginschema"
	SchemaCNCRequest       = "http://puppetlabs.com/cncschema"
	SchemaBlockingResponse = "http://puppetlabs.com/rpc_blocking_response"
	SchemaProvisionalReply = "http://puppetlabs.com/rpc_provisional_response"
	SchemaNonBlockingReply = "http://puppetlabs.com/rpc_non_blocking_response"
	SchemaError            = "http://puppetlabs.com/rpc_error"
)

// Envelope is the outer JSON structure carrying routing metadata around
// a payload, per spec.md §3/§6. Data and Debug are *structpb.Struct
// values: the well-known JSON mapping for google.protobuf.Struct is a
// plain JSON object, so protojson round-trips them exactly as the wire
// format requires while giving the rest of the agent a typed,
// self-describing container instead of map[string]any.
type Envelope struct {
	ID         string
	Version    string
	Sender     string
	Expires    time.Time
	Endpoints  []string
	Hops       []json.RawMessage
	DataSchema string
	Data       *structpb.Struct
	Debug      []*structpb.Struct
}

type envelopeWire struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Sender     string            `json:"sender"`
	Expires    time.Time         `json:"expires"`
	Endpoints  []string          `json:"endpoints"`
	Hops       []json.RawMessage `json:"hops"`
	DataSchema string            `json:"data_schema"`
	Data       json.RawMessage   `json:"data"`
	Debug      []json.RawMessage `json:"debug,omitempty"`
}

// MarshalJSON renders the envelope in the exact shape spec.md §6 documents.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		ID:         e.ID,
		Version:    e.Version,
		Sender:     e.Sender,
		Expires:    e.Expires,
		Endpoints:  e.Endpoints,
		Hops:       e.Hops,
		DataSchema: e.DataSchema,
	}
	if w.Endpoints == nil {
		w.Endpoints = []string{}
	}
	if w.Hops == nil {
		w.Hops = []json.RawMessage{}
	}
	if e.Data != nil {
		raw, err := protojson.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		w.Data = raw
	} else {
		w.Data = json.RawMessage("{}")
	}
	for _, d := range e.Debug {
		raw, err := protojson.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal debug chunk: %w", err)
		}
		w.Debug = append(w.Debug, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses an inbound frame into an Envelope.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Version = w.Version
	e.Sender = w.Sender
	e.Expires = w.Expires
	e.Endpoints = w.Endpoints
	e.Hops = w.Hops
	e.DataSchema = w.DataSchema
	if len(w.Data) > 0 {
		data := &structpb.Struct{}
		if err := protojson.Unmarshal(w.Data, data); err != nil {
			return fmt.Errorf("unmarshal envelope data: %w", err)
		}
		e.Data = data
	}
	for _, raw := range w.Debug {
		chunk := &structpb.Struct{}
		if err := protojson.Unmarshal(raw, chunk); err != nil {
			return fmt.Errorf("unmarshal debug chunk: %w", err)
		}
		e.Debug = append(e.Debug, chunk)
	}
	return nil
}

// ToStruct converts an arbitrary JSON-tagged Go value into a
// *structpb.Struct by round-tripping it through JSON. It is the one
// place plain Go structs (LoginData, ActionRequestData, ...) cross into
// the canonical structured-value representation.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal to struct: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("unmarshal to struct: %w", err)
	}
	return s, nil
}

// FromStruct decodes a *structpb.Struct into a JSON-tagged Go value.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("from struct: nil struct")
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("from struct: marshal: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// LoginData is the payload of a login envelope.
type LoginData struct {
	Type string `json:"type"`
}

// ActionRequestData is the payload of an inbound cncschema request.
type ActionRequestData struct {
	TransactionID string           `json:"transaction_id"`
	Module        string           `json:"module"`
	Action        string           `json:"action"`
	Params        *structpb.Struct `json:"params,omitempty"`
	NotifyOutcome bool             `json:"notify_outcome,omitempty"`
}

// BlockingResponseData is the payload of an rpc_blocking_response.
type BlockingResponseData struct {
	TransactionID string           `json:"transaction_id"`
	Results       *structpb.Struct `json:"results"`
}

// ProvisionalResponseData is the payload of an rpc_provisional_response.
type ProvisionalResponseData struct {
	TransactionID string `json:"transaction_id"`
	Success       bool   `json:"success"`
	JobID         string `json:"job_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NonBlockingResponseData is the payload of an rpc_non_blocking_response.
type NonBlockingResponseData struct {
	TransactionID string           `json:"transaction_id"`
	JobID         string           `json:"job_id"`
	Results       *structpb.Struct `json:"results"`
}

// ErrorData is the payload of an rpc_error.
type ErrorData struct {
	TransactionID string `json:"transaction_id"`
	ID            string `json:"id"`
	Description   string `json:"description"`
}
