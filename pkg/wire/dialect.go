// Package wire translates between the AWS wire dialects and Go values. It knows syntax only:
// request bodies in, response bodies and error envelopes out.
package wire

// Dialect is one of the AWS wire formats.
type Dialect int

const (
	// RESTXML is S3: REST paths, XML bodies.
	RESTXML Dialect = iota
	// JSON10 is AWS-JSON 1.0 (DynamoDB, SQS, SNS-JSON).
	JSON10
	// JSON11 is AWS-JSON 1.1 (KMS, Secrets Manager, ECS, ...).
	JSON11
	// Query is AWS-Query: form-encoded requests, XML responses wrapped in <XResponse><XResult>.
	Query
	// EC2Query is the EC2 flavour of AWS-Query: no Result wrapper, lower-camel elements.
	EC2Query
	// RESTJSON is REST paths with plain JSON bodies (Lambda, API Gateway).
	RESTJSON
)

var dialectNames = [...]string{
	RESTXML:  "rest-xml",
	JSON10:   "json-1.0",
	JSON11:   "json-1.1",
	Query:    "query",
	EC2Query: "ec2-query",
	RESTJSON: "rest-json",
}

func (d Dialect) String() string {
	if int(d) < len(dialectNames) {
		return dialectNames[d]
	}
	return "unknown"
}

// ContentType is the response Content-Type for successful responses and errors in d.
func (d Dialect) ContentType() string {
	switch d {
	case JSON10:
		return "application/x-amz-json-1.0"
	case JSON11:
		return "application/x-amz-json-1.1"
	case RESTJSON:
		return "application/json"
	case Query, EC2Query:
		return "text/xml"
	default:
		return "application/xml"
	}
}

// IsJSON reports whether d carries JSON bodies.
func (d Dialect) IsJSON() bool {
	return d == JSON10 || d == JSON11 || d == RESTJSON
}
