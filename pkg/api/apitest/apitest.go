// Package apitest builds in-memory handler state and requests for service tests.
package apitest

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/blob"
	"cloudemu/pkg/config"
	"cloudemu/pkg/metadata"
	"cloudemu/pkg/wire"
)

// NewState returns a State backed by an in-memory metadata store and a temporary blob root.
// Everything is released when the test ends.
func NewState(t testing.TB) *api.State {
	t.Helper()
	meta, err := metadata.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	blobs, err := blob.New(filepath.Join(t.TempDir(), config.ObjectsDirName))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.InMemory = true
	return &api.State{Config: cfg, Meta: meta, Blobs: blobs, Started: time.Now()}
}

// JSON builds an AWS-JSON or REST-JSON request whose body is v encoded.
func JSON(t testing.TB, service, operation string, dialect wire.Dialect, v any) *api.Request {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case nil:
	case string:
		body = []byte(b)
	case []byte:
		body = b
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return &api.Request{
		Service:       service,
		Operation:     operation,
		Dialect:       dialect,
		RequestID:     awsid.RequestID(),
		Method:        http.MethodPost,
		Path:          "/",
		Header:        http.Header{},
		Query:         url.Values{},
		Body:          body,
		ContentLength: int64(len(body)),
		PathParams:    map[string]string{},
	}
}

// Query builds an AWS-Query request from flat parameters.
func Query(service, action string, params map[string]string) *api.Request {
	p := wire.Params{}
	for k, v := range params {
		p[k] = []string{v}
	}
	p["Action"] = []string{action}
	dialect := wire.Query
	if qa, ok := wire.QueryAPIs[service]; ok {
		dialect = qa.Dialect
	}
	return &api.Request{
		Service:    service,
		Operation:  action,
		Dialect:    dialect,
		RequestID:  awsid.RequestID(),
		Method:     http.MethodPost,
		Path:       "/",
		Header:     http.Header{},
		Query:      url.Values{},
		Params:     p,
		PathParams: map[string]string{},
	}
}

// Call invokes h and fails the test on error.
func Call(t testing.TB, st *api.State, h api.HandlerFunc, req *api.Request) *api.Response {
	t.Helper()
	resp, err := h(context.Background(), st, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

// DecodeJSON decodes a JSON response body into v.
func DecodeJSON(t testing.TB, resp *api.Response, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body, v))
}
