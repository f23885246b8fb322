// Package dispatch classifies raw HTTP requests into (service, operation, dialect) and holds
// the handler registry. It never decodes bodies beyond what routing needs.
package dispatch

import (
	"mime"
	"net"
	"net/http"
	"strings"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

// Route is the classification of one request.
type Route struct {
	Service   string
	Operation string
	Dialect   wire.Dialect
	Bucket    string
	Key       string
	// Params is set for AWS-Query requests.
	Params wire.Params
}

// Classifier applies the routing rules against a registry.
type Classifier struct {
	registry *Registry
}

// NewClassifier returns a classifier that resolves AWS-Query actions against registry.
func NewClassifier(registry *Registry) *Classifier {
	return &Classifier{registry: registry}
}

// Classify decides which service, operation and dialect r belongs to. body is the full request
// body, or nil for streamed S3 uploads. The returned route is never nil: on error it still
// carries the dialect the error must be rendered in.
//
// Rules, in order: an x-amz-target header selects an AWS-JSON service; a form-encoded POST
// (or an Action query parameter) is AWS-Query; a reserved first path segment that reached
// here has no route; anything else is S3. Checking S3 last matches S3-first precedence: S3
// requests carry no x-amz-target, S3 POSTs are never form-urlencoded, and an Action parameter
// only means AWS-Query on the root path.
func (c *Classifier) Classify(r *http.Request, body []byte) (*Route, error) {
	if t := r.Header.Get("X-Amz-Target"); t != "" {
		return classifyTarget(t, r.Header.Get("Content-Type"))
	}
	if IsQuery(r) {
		return c.classifyQuery(r, body)
	}

	if first := firstSegment(r.URL.Path); reserved[first] {
		return &Route{Dialect: wire.RESTJSON}, awserr.NotImplemented(r.Method + " " + r.URL.Path)
	}
	return classifyS3(r)
}

// IsQuery reports whether r is an AWS-Query request.
func IsQuery(r *http.Request) bool {
	if r.Method == http.MethodPost {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/x-www-form-urlencoded" {
			return true
		}
	}
	return r.URL.Query().Has("Action") && (r.URL.Path == "/" || r.URL.Path == "")
}

// StreamsBody reports whether the gateway should hand the body to the handler as a stream
// instead of buffering it: S3 object and part uploads.
func StreamsBody(r *http.Request) bool {
	if r.Method != http.MethodPut || r.Header.Get("X-Amz-Target") != "" {
		return false
	}
	if reserved[firstSegment(r.URL.Path)] {
		return false
	}
	q := r.URL.Query()
	if q.Has("tagging") || q.Has("acl") {
		return false
	}
	_, key := splitBucketKey(r)
	return key != ""
}

func classifyTarget(value, contentType string) (*Route, error) {
	prefix, op, ok := strings.Cut(value, ".")
	t, known := targets[prefix]
	if !ok || !known || op == "" {
		return &Route{Dialect: wire.JSON11}, awserr.NotImplemented(value).WithCode("UnknownOperationException")
	}
	dialect := t.dialect
	switch {
	case strings.Contains(contentType, "x-amz-json-1.0"):
		dialect = wire.JSON10
	case strings.Contains(contentType, "x-amz-json-1.1"):
		dialect = wire.JSON11
	}
	return &Route{Service: t.service, Operation: op, Dialect: dialect}, nil
}

func (c *Classifier) classifyQuery(r *http.Request, body []byte) (*Route, error) {
	route := &Route{Dialect: wire.Query}
	params, err := wire.ParseQuery(r.URL.RawQuery, body)
	if err != nil {
		return route, err
	}
	route.Params = params
	action := params.Get("Action")
	if action == "" {
		return route, awserr.MissingParameter("Action").WithCode("MissingAction")
	}
	route.Operation = action

	service := c.queryService(r, params, action)
	if service == "" {
		return route, awserr.NotImplemented(action).WithCode("InvalidAction")
	}
	route.Service = service
	route.Dialect = wire.QueryAPIs[service].Dialect
	return route, nil
}

// queryService resolves the target of an AWS-Query request by path prefix, then SigV4
// credential scope, then the Version parameter, then the services implementing the action.
func (c *Classifier) queryService(r *http.Request, params wire.Params, action string) string {
	if first := firstSegment(r.URL.Path); first != "" {
		if _, ok := wire.QueryAPIs[first]; ok {
			return first
		}
	}
	if scope := CredentialScope(r); scope.Service != "" {
		if _, ok := wire.QueryAPIs[scope.Service]; ok {
			return scope.Service
		}
	}
	if name, ok := wire.QueryServiceForVersion(params.Get("Version")); ok {
		return name
	}
	for _, name := range c.registry.Services() {
		if _, ok := wire.QueryAPIs[name]; ok && c.registry.Has(name, action) {
			return name
		}
	}
	return ""
}

// Scope is the credential scope of a SigV4-signed request.
type Scope struct {
	AccessKey string
	Date      string
	Region    string
	Service   string
}

// CredentialScope extracts the SigV4 credential scope from the Authorization header or, for
// presigned URLs, the X-Amz-Credential query parameter.
func CredentialScope(r *http.Request) Scope {
	credential := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		for _, part := range strings.Split(strings.TrimPrefix(auth, "AWS4-HMAC-SHA256"), ",") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(part), "Credential="); ok {
				credential = v
			}
		}
	} else {
		credential = r.URL.Query().Get("X-Amz-Credential")
	}
	fields := strings.Split(credential, "/")
	if len(fields) != 5 {
		return Scope{}
	}
	return Scope{AccessKey: fields[0], Date: fields[1], Region: fields[2], Service: fields[3]}
}

func firstSegment(path string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return first
}

// VirtualHostBucket returns the bucket named by a virtual-hosted style Host header such as
// photos.s3.amazonaws.com or photos.localhost, or "" for path-style requests.
func VirtualHostBucket(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	if i := strings.Index(host, ".s3."); i > 0 {
		return host[:i]
	}
	if bucket, ok := strings.CutSuffix(host, ".localhost"); ok && bucket != "s3" && bucket != "" {
		return bucket
	}
	return ""
}

func splitBucketKey(r *http.Request) (string, string) {
	path := r.URL.Path
	if bucket := VirtualHostBucket(r.Host); bucket != "" {
		return bucket, strings.TrimPrefix(path, "/")
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}
