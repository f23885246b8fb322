package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// Reply encodes v in the request's dialect with status 200.
func Reply(req *Request, v any) (*Response, error) {
	return ReplyStatus(req, http.StatusOK, v)
}

// ReplyStatus encodes v in the request's dialect.
//
// AWS-JSON and REST-JSON marshal v directly. AWS-Query wraps it in the
// <ActionResponse><ActionResult> envelope; EC2 requires v to embed wire.EC2Meta.
// REST-XML marshals v as a document.
func ReplyStatus(req *Request, status int, v any) (*Response, error) {
	var (
		body []byte
		err  error
	)
	switch req.Dialect {
	case wire.JSON10, wire.JSON11, wire.RESTJSON:
		body, err = wire.EncodeJSON(v)
	case wire.Query:
		body, err = wire.EncodeQueryResponse(req.Operation, wire.QueryAPIs[req.Service].Namespace, v, req.RequestID)
	case wire.EC2Query:
		result, ok := v.(wire.EC2Result)
		if !ok {
			return nil, awserr.Internal(fmt.Errorf("%s: result does not embed wire.EC2Meta", req.Operation))
		}
		body, err = wire.EncodeEC2Response(req.Operation, result, req.RequestID)
	default:
		if v == nil {
			return &Response{Status: status}, nil
		}
		body, err = wire.EncodeXML(v)
	}
	if err != nil {
		return nil, err
	}
	resp := &Response{Status: status, Body: body}
	resp.SetHeader("Content-Type", req.Dialect.ContentType())
	return resp, nil
}

// Empty is a success with no body.
func Empty(status int) *Response {
	return &Response{Status: status}
}

// NoContent is the 204 returned by deletes.
func NoContent() *Response {
	return Empty(http.StatusNoContent)
}
