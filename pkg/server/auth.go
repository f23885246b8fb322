package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	amzDateFormat  = "20060102T150405Z"
	unsignedBody   = "UNSIGNED-PAYLOAD"
)

// verifier checks header-signed SigV4 requests by signing a copy of the request with the
// configured credentials and comparing signatures.
type verifier struct {
	accessKey string
	secretKey string
	signer    *v4.Signer
}

func newVerifier(accessKey, secretKey string) *verifier {
	return &verifier{accessKey: accessKey, secretKey: secretKey, signer: v4.NewSigner()}
}

type authorization struct {
	scope         dispatch.Scope
	signedHeaders []string
	signature     string
}

func parseAuthorization(value string) (authorization, bool) {
	rest, ok := strings.CutPrefix(value, sigV4Algorithm)
	if !ok {
		return authorization{}, false
	}
	var a authorization
	credential := ""
	for _, part := range strings.Split(rest, ",") {
		key, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "Credential":
			credential = v
		case "SignedHeaders":
			a.signedHeaders = strings.Split(v, ";")
		case "Signature":
			a.signature = v
		}
	}
	fields := strings.Split(credential, "/")
	if len(fields) != 5 || len(a.signedHeaders) == 0 || a.signature == "" {
		return authorization{}, false
	}
	a.scope = dispatch.Scope{AccessKey: fields[0], Date: fields[1], Region: fields[2], Service: fields[3]}
	return a, true
}

// verify authenticates r. body is the buffered request body, or nil when it is streamed, in
// which case x-amz-content-sha256 must carry the payload hash.
func (v *verifier) verify(r *http.Request, body []byte) *awserr.Error {
	header := r.Header.Get("Authorization")
	if header == "" {
		if r.URL.Query().Has("X-Amz-Signature") {
			return v.verifyPresigned(r)
		}
		return awserr.AccessDenied("MissingAuthenticationToken", "Request is missing Authentication Token")
	}
	auth, ok := parseAuthorization(header)
	if !ok {
		return awserr.AccessDenied("IncompleteSignature", "Authorization header requires Credential, SignedHeaders and Signature.")
	}
	if auth.scope.AccessKey != v.accessKey {
		return awserr.AccessDenied("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.")
	}
	signingTime, err := time.Parse(amzDateFormat, r.Header.Get("X-Amz-Date"))
	if err != nil {
		return awserr.AccessDenied("IncompleteSignature", "X-Amz-Date is missing or malformed.")
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		if body == nil && r.ContentLength != 0 {
			payloadHash = unsignedBody
		} else {
			sum := sha256.Sum256(body)
			payloadHash = hex.EncodeToString(sum[:])
		}
	}

	clone := signedCopy(r, auth.signedHeaders)
	creds := aws.Credentials{
		AccessKeyID:     v.accessKey,
		SecretAccessKey: v.secretKey,
		SessionToken:    r.Header.Get("X-Amz-Security-Token"),
	}
	err = v.signer.SignHTTP(r.Context(), creds, clone, payloadHash, auth.scope.Service, auth.scope.Region, signingTime,
		func(o *v4.SignerOptions) {
			o.DisableURIPathEscaping = auth.scope.Service == "s3"
		})
	if err != nil {
		return awserr.Internal(err)
	}
	expected, ok := parseAuthorization(clone.Header.Get("Authorization"))
	if !ok || !hmac.Equal([]byte(expected.signature), []byte(auth.signature)) {
		return awserr.AccessDenied("SignatureDoesNotMatch",
			"The request signature we calculated does not match the signature you provided. Check your key and signing method.")
	}
	return nil
}

// signedCopy rebuilds r carrying only the headers the client signed, so the local signature
// covers the same canonical request.
func signedCopy(r *http.Request, signed []string) *http.Request {
	u := *r.URL
	clone := &http.Request{
		Method: r.Method,
		URL:    &u,
		Host:   r.Host,
		Header: http.Header{},
	}
	for _, name := range signed {
		switch name {
		case "host":
		case "content-length":
			clone.ContentLength = r.ContentLength
		default:
			if values := r.Header.Values(name); len(values) > 0 {
				clone.Header[http.CanonicalHeaderKey(name)] = slices.Clone(values)
			}
		}
	}
	return clone
}

// verifyPresigned accepts query-signed URLs whose access key is known and that have not expired.
// The signature itself is not recomputed.
func (v *verifier) verifyPresigned(r *http.Request) *awserr.Error {
	q := r.URL.Query()
	if key, _, _ := strings.Cut(q.Get("X-Amz-Credential"), "/"); key != v.accessKey {
		return awserr.AccessDenied("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.")
	}
	signed, err := time.Parse(amzDateFormat, q.Get("X-Amz-Date"))
	if err != nil {
		return awserr.AccessDenied("AuthorizationQueryParametersError", "X-Amz-Date must be in the ISO8601 Long Format.")
	}
	expires, err := time.ParseDuration(q.Get("X-Amz-Expires") + "s")
	if err != nil || time.Now().After(signed.Add(expires)) {
		return awserr.AccessDenied("AccessDenied", "Request has expired")
	}
	return nil
}
