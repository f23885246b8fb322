package wire

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
)

// DecodeJSON unmarshals an AWS-JSON or REST-JSON request body into v. An empty body decodes
// as an empty object. A body that is not JSON is reported with the SerializationException code
// SDKs expect.
func DecodeJSON(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return awserr.InvalidArgument("Start of structure or map found where not expected.").
			WithCode("SerializationException")
	}
	return nil
}

// EncodeJSON marshals a response value. A nil value encodes as {}.
func EncodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	return data, nil
}

// Epoch renders t the way AWS-JSON timestamps travel: fractional seconds since the epoch.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpoch is the inverse of Epoch.
func FromEpoch(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second))).UTC()
}
