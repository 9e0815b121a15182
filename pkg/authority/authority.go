// Package authority defines the boundary to the remote service that holds
// the canonical values of every entity.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cbodonnell/tally/pkg/authority"

// Request is one logical operation sent to the authority.
type Request struct {
	ID        uuid.UUID       `json:"id"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is the authority's definitive answer. CanonicalValue is a JSON
// object mapping entity ids to entities; a null entry means the entity no
// longer exists.
type Response struct {
	RequestID      uuid.UUID       `json:"requestId"`
	Success        bool            `json:"success"`
	CanonicalValue json.RawMessage `json:"canonicalValue,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
}

// Authority executes requests. A non-nil error means no definitive answer
// was received; a rejection is a Response with Success false.
type Authority interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Authority interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NewRequest marshals params and assigns a fresh request id.
func NewRequest(operation string, params any) (*Request, error) {
	req := &Request{
		ID:        uuid.New(),
		Operation: operation,
	}
	if params == nil {
		return req, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		req.Params = raw
		return req, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", operation, err)
	}
	req.Params = b
	return req, nil
}

// Success builds a successful response carrying canonical entities.
func Success(req *Request, canonical any) (*Response, error) {
	resp := &Response{RequestID: req.ID, Success: true}
	if canonical == nil {
		return resp, nil
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical value: %w", err)
	}
	resp.CanonicalValue = b
	return resp, nil
}

// Reject builds a rejection response.
func Reject(req *Request, code, message string) *Response {
	return &Response{RequestID: req.ID, ErrorCode: code, ErrorMessage: message}
}

// Err converts a rejection into an AuthorityRejectedError.
func (r *Response) Err(operation string) error {
	if r.Success {
		return nil
	}
	return &errs.AuthorityRejectedError{Operation: operation, Code: r.ErrorCode, Message: r.ErrorMessage}
}

// DecodeEntities decodes a canonical value. Nil map values mark removals.
func DecodeEntities[V any](raw json.RawMessage) (map[string]*V, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var entities map[string]*V
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("failed to decode canonical value: %w", err)
	}
	return entities, nil
}

// Traced wraps an authority with an OpenTelemetry span per request.
func Traced(a Authority) Authority {
	tracer := otel.Tracer(tracerName)
	return Func(func(ctx context.Context, req *Request) (*Response, error) {
		ctx, span := tracer.Start(ctx, req.Operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("tally.request_id", req.ID.String()),
				attribute.String("tally.operation", req.Operation),
			),
		)
		defer span.End()

		start := time.Now()
		resp, err := a.Do(ctx, req)
		span.SetAttributes(attribute.Int64("tally.duration_ms", time.Since(start).Milliseconds()))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "no answer")
		case !resp.Success:
			span.SetAttributes(attribute.String("tally.error_code", resp.ErrorCode))
			span.SetStatus(codes.Error, "rejected")
		default:
			span.SetStatus(codes.Ok, "")
		}
		return resp, err
	})
}
