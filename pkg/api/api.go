// Package api holds the types shared by the gateway, the dispatcher and the service handlers.
package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"cloudemu/pkg/awsid"
	"cloudemu/pkg/blob"
	"cloudemu/pkg/config"
	"cloudemu/pkg/metadata"
	"cloudemu/pkg/wire"
)

// State is the one shared value every handler receives. Handlers never hold state of their own.
type State struct {
	Config  *config.Config
	Meta    *metadata.Store
	Blobs   *blob.Store
	Started time.Time

	// Clock is overridden in tests; nil means time.Now.
	Clock func() time.Time
}

// Now returns the current UTC time.
func (s *State) Now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

// Region returns the configured region.
func (s *State) Region() string {
	return s.Config.Region
}

// AccountID returns the configured account id.
func (s *State) AccountID() string {
	return s.Config.AccountID
}

// ARN builds a regional ARN for resource in service.
func (s *State) ARN(service, resource string) string {
	return awsid.ARN(service, s.Config.Region, s.Config.AccountID, resource)
}

// GlobalARN builds an ARN without a region, as IAM uses.
func (s *State) GlobalARN(service, resource string) string {
	return awsid.ARN(service, "", s.Config.AccountID, resource)
}

// Request is a classified request handed to a handler. Handlers own body decoding.
type Request struct {
	Service   string
	Operation string
	Dialect   wire.Dialect
	RequestID string

	Method string
	Path   string
	Host   string
	Header http.Header
	Query  url.Values

	// Body is the whole request body. It is nil when Stream is set.
	Body []byte
	// Stream carries the body of S3 uploads, already stripped of aws-chunked framing.
	Stream io.Reader
	// ContentLength is the decoded body length, or -1 when unknown.
	ContentLength int64

	// Params is the parsed form of AWS-Query requests.
	Params wire.Params
	// PathParams holds REST path parameters.
	PathParams map[string]string

	Bucket string
	Key    string
}

// DecodeJSON decodes the JSON body into v.
func (r *Request) DecodeJSON(v any) error {
	return wire.DecodeJSON(r.Body, v)
}

// PathParam returns a REST path parameter.
func (r *Request) PathParam(name string) string {
	return r.PathParams[name]
}

// BodyReader returns the request body as a reader, whichever way it arrived.
func (r *Request) BodyReader() io.Reader {
	if r.Stream != nil {
		return r.Stream
	}
	return bytesReader(r.Body)
}

// Response is what a handler produces. Exactly one of Body and Stream is used.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
	// ContentLength applies to Stream; -1 lets the server chunk the response.
	ContentLength int64
}

// SetHeader sets a response header, allocating the map when needed.
func (r *Response) SetHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set(key, value)
	return r
}

// HandlerFunc executes one operation.
type HandlerFunc func(ctx context.Context, st *State, req *Request) (*Response, error)
