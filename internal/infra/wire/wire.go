// Package wire defines the JSON messages exchanged between the document-store server and
// its clients.
package wire

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

// Filter is one (field, operator, value) triple.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Ordering is the optional sort clause.
type Ordering struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// QueryRequest is the body of POST /v1/query and the first frame of a subscription.
type QueryRequest struct {
	Collection string    `json:"collection"`
	Filters    []Filter  `json:"filters,omitempty"`
	OrderBy    *Ordering `json:"orderBy,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// QueryResponse is the body of a successful query.
type QueryResponse struct {
	Records []schema.Record `json:"records"`
}

// ErrorBody carries a classified error code.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of a failed HTTP request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// FrameType discriminates subscription frames.
type FrameType string

const (
	// FrameBatch carries the full current result set.
	FrameBatch FrameType = "batch"
	// FrameError carries a channel failure; the server closes the socket after it.
	FrameError FrameType = "error"
)

// Frame is one server-to-client subscription message.
type Frame struct {
	Type    FrameType       `json:"type"`
	Records []schema.Record `json:"records,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// DocumentRequest is the body of PUT /v1/collections/{c}/documents/{id}.
type DocumentRequest struct {
	Fields map[string]any `json:"fields"`
}

// FromConstraintSet renders cs as a request.
func FromConstraintSet(cs query.ConstraintSet) QueryRequest {
	req := QueryRequest{Collection: cs.Collection()}
	for _, f := range cs.Filters() {
		req.Filters = append(req.Filters, Filter{Field: f.Field, Op: string(f.Op), Value: f.Value})
	}
	if ordering, ok := cs.Ordering(); ok {
		req.OrderBy = &Ordering{Field: ordering.Field, Direction: string(ordering.Direction)}
	}
	if limit, ok := cs.Cap(); ok {
		req.Limit = limit
	}
	return req
}

// ConstraintSet validates the request and rebuilds the constraint set.
func (r QueryRequest) ConstraintSet() (query.ConstraintSet, error) {
	collection := strings.TrimSpace(r.Collection)
	if collection == "" {
		return query.ConstraintSet{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("collection required"))
	}
	cs := query.New(collection)
	for _, f := range r.Filters {
		field := strings.TrimSpace(f.Field)
		if field == "" {
			return query.ConstraintSet{}, errs.New("wire", errs.CodeInvalid,
				errs.WithMessage("filter field required"), errs.WithCollection(collection))
		}
		op, err := query.ParseOperator(f.Op)
		if err != nil {
			return query.ConstraintSet{}, errs.New("wire", errs.CodeInvalid,
				errs.WithMessage(err.Error()), errs.WithCollection(collection))
		}
		cs = cs.WithFilter(field, op, f.Value)
	}
	if r.OrderBy != nil && strings.TrimSpace(r.OrderBy.Field) != "" {
		cs = cs.WithOrdering(strings.TrimSpace(r.OrderBy.Field), query.ParseDirection(r.OrderBy.Direction))
	}
	if r.Limit < 0 {
		return query.ConstraintSet{}, errs.New("wire", errs.CodeInvalid,
			errs.WithMessage("limit must be >= 0"), errs.WithCollection(collection))
	}
	return cs.WithCap(r.Limit), nil
}

// ErrorFrom renders err as a wire error body.
func ErrorFrom(err error) ErrorBody {
	envelope := errs.From("wire", err)
	return ErrorBody{Code: string(envelope.Code), Message: envelope.Message}
}

// Envelope converts the body back into a classified error.
func (b ErrorBody) Envelope(store string, opts ...errs.Option) *errs.E {
	return errs.FromWire(store, b.Code, b.Message, opts...)
}

// Encode marshals v.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals data into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
