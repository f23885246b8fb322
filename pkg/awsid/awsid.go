// Package awsid builds the identifiers AWS clients expect: ARNs, prefixed resource ids,
// request ids and opaque tokens.
package awsid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// ARN returns arn:aws:<service>:<region>:<account>:<resource>. Global services pass an empty region.
func ARN(service, region, account, resource string) string {
	return strings.Join([]string{"arn", "aws", service, region, account, resource}, ":")
}

// ResourceID returns "<prefix>-<8 hex>", the EC2-style short id.
func ResourceID(prefix string) string {
	return prefix + "-" + randomHex(4)
}

// LongResourceID returns "<prefix>-<17 hex>", the long form used for instances.
func LongResourceID(prefix string) string {
	return prefix + "-" + randomHex(9)[:17]
}

// RequestID returns a fresh request id.
func RequestID() string {
	return uuid.NewString()
}

// UUID returns a random uuid string.
func UUID() string {
	return uuid.NewString()
}

// Sortable returns a short, time-ordered id.
func Sortable() string {
	return xid.New().String()
}

// VersionID returns an S3-style object version id.
func VersionID() string {
	return strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(randomBytes(24)), "-", "_")
}

// Token returns an opaque url-safe token of n random bytes.
func Token(n int) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(n))
}

// IAMID returns an IAM unique id such as AROA... or AIDA...
func IAMID(prefix string) string {
	buf := randomBytes(17)
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, b := range buf {
		sb.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
	}
	return sb.String()
}

// Suffix returns n random letters and digits, as appended to Secrets Manager ARNs.
func Suffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := randomBytes(n)
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

func randomHex(n int) string {
	return hex.EncodeToString(randomBytes(n))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
