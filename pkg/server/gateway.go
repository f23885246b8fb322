package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/telemetry"
	"cloudemu/pkg/wire"
)

// gateway serves every request no fixed route claimed: S3, AWS-JSON and AWS-Query.
func (s *Server) gateway(c echo.Context) error {
	r := c.Request()
	body, stream, length, err := readBody(r)
	if err != nil {
		return s.fail(c, &dispatch.Route{Service: "s3", Dialect: wire.RESTXML}, err)
	}
	route, err := s.classifier.Classify(r, body)
	if err != nil {
		return s.fail(c, route, err)
	}
	req := s.newRequest(c, route, body, stream, length)
	req.Bucket, req.Key = route.Bucket, route.Key
	return s.serve(c, route, req)
}

// restHandler serves one REST-JSON route. Path parameters come from the echo route.
func (s *Server) restHandler(rt dispatch.RESTRoute) echo.HandlerFunc {
	return func(c echo.Context) error {
		route := &dispatch.Route{Service: rt.Service, Operation: rt.Operation, Dialect: wire.RESTJSON}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return s.fail(c, route, awserr.IO(err))
		}
		req := s.newRequest(c, route, body, nil, int64(len(body)))
		for i, name := range c.ParamNames() {
			req.PathParams[name] = c.ParamValues()[i]
		}
		return s.serve(c, route, req)
	}
}

// readBody buffers the body, except for S3 uploads which are streamed. aws-chunked framing is
// removed either way.
func readBody(r *http.Request) ([]byte, io.Reader, int64, error) {
	var in io.Reader = r.Body
	length := r.ContentLength
	if wire.IsAWSChunked(r.Header) {
		in = wire.NewChunkedReader(r.Body)
		length = wire.DecodedLength(r.Header)
	}
	if dispatch.StreamsBody(r) {
		return nil, in, length, nil
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return nil, nil, 0, awserr.From(err)
	}
	return body, nil, int64(len(body)), nil
}

func (s *Server) newRequest(c echo.Context, route *dispatch.Route, body []byte, stream io.Reader, length int64) *api.Request {
	r := c.Request()
	return &api.Request{
		Service:       route.Service,
		Operation:     route.Operation,
		Dialect:       route.Dialect,
		RequestID:     requestID(c),
		Method:        r.Method,
		Path:          r.URL.Path,
		Host:          r.Host,
		Header:        r.Header,
		Query:         r.URL.Query(),
		Body:          body,
		Stream:        stream,
		ContentLength: length,
		Params:        route.Params,
		PathParams:    map[string]string{},
	}
}

// serve authenticates, runs the handler inside a span and writes its response.
func (s *Server) serve(c echo.Context, route *dispatch.Route, req *api.Request) error {
	if s.verifier != nil {
		if err := s.verifier.verify(c.Request(), req.Body); err != nil {
			return s.fail(c, route, err)
		}
	}
	h, err := s.registry.Lookup(route.Service, route.Operation)
	if err != nil {
		return s.fail(c, route, err)
	}

	started := time.Now()
	var done func(string, string, int, time.Time)
	if s.metrics != nil {
		done = s.metrics.Begin()
	}
	ctx, span := telemetry.Tracer().Start(c.Request().Context(), route.Service+"."+route.Operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "aws-api"),
			attribute.String("rpc.service", route.Service),
			attribute.String("rpc.method", route.Operation),
			attribute.String("aws.request_id", req.RequestID),
		))
	defer span.End()

	resp, err := s.call(ctx, h, req)
	var status int
	if err != nil {
		e := awserr.From(err)
		status = e.Status()
		span.SetStatus(codes.Error, e.ErrorCode())
		err = s.fail(c, route, e)
	} else {
		status = resp.Status
		err = writeResponse(c, req, resp)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if done != nil {
		done(route.Service, route.Operation, status, started)
	}
	return err
}

// call runs h, turning a panic into an internal error so it renders in the request's dialect.
func (s *Server) call(ctx context.Context, h api.HandlerFunc, req *api.Request) (resp *api.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("request_id", req.RequestID).Str("service", req.Service).Str("operation", req.Operation).
				Interface("panic", p).Msg("Handler panicked")
			resp, err = nil, awserr.Internal(fmt.Errorf("panic: %v", p))
		}
	}()
	resp, err = h(ctx, s.state, req)
	if err == nil && resp == nil {
		err = awserr.Internal(fmt.Errorf("%s.%s returned no response", req.Service, req.Operation))
	}
	return resp, err
}

// fail renders err in the route's dialect.
func (s *Server) fail(c echo.Context, route *dispatch.Route, err error) error {
	e := awserr.From(err)
	id := requestID(c)
	l := log.WithRequest(id, route.Service, route.Operation)
	if e.Status() >= http.StatusInternalServerError {
		l.Error().Err(e).Str("code", e.ErrorCode()).Msg("Request failed")
	} else {
		l.Debug().Str("code", e.ErrorCode()).Str("message", e.Message).Msg("Request rejected")
	}
	if s.metrics != nil {
		s.metrics.Error(route.Service, e.ErrorCode())
	}

	status, header, body := wire.RenderError(route.Dialect, e, id)
	for k, v := range header {
		c.Response().Header()[k] = v
	}
	if c.Request().Method == http.MethodHead {
		body = nil
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	c.Response().WriteHeader(status)
	_, werr := c.Response().Write(body)
	return werr
}

func writeResponse(c echo.Context, req *api.Request, resp *api.Response) error {
	h := c.Response().Header()
	for k, v := range resp.Header {
		h[k] = v
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Stream != nil {
		defer func() {
			if err := resp.Stream.Close(); err != nil {
				log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to close response stream")
			}
		}()
		if resp.ContentLength >= 0 {
			h.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
		}
		c.Response().WriteHeader(status)
		if req.Method == http.MethodHead {
			return nil
		}
		_, err := io.Copy(c.Response(), resp.Stream)
		return err
	}

	if h.Get(echo.HeaderContentLength) == "" && status != http.StatusNoContent {
		h.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}
	c.Response().WriteHeader(status)
	if req.Method == http.MethodHead || len(resp.Body) == 0 {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}
