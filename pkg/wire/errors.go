package wire

import (
	"bytes"
	"encoding/xml"
	"net/http"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
)

const jsonErrorContentType = "application/x-amz-json-1.1"

type restXMLError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Key       string   `xml:"Key,omitempty"`
	RequestID string   `xml:"RequestId"`
}

type queryError struct {
	XMLName   xml.Name `xml:"ErrorResponse"`
	Error     queryErrorBody
	RequestID string `xml:"RequestId"`
}

type queryErrorBody struct {
	Type    string `xml:"Type"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type ec2Error struct {
	XMLName   xml.Name       `xml:"Response"`
	Errors    []ec2ErrorBody `xml:"Errors>Error"`
	RequestID string         `xml:"RequestID"`
}

type ec2ErrorBody struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type jsonError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

type restJSONError struct {
	Message string `json:"message"`
}

// RenderError produces the status, headers and body of an error in dialect d. The request id is
// carried in the envelope where the dialect has a slot for it.
func RenderError(d Dialect, e *awserr.Error, requestID string) (int, http.Header, []byte) {
	header := http.Header{}
	header.Set("Content-Type", d.ContentType())
	status := e.Status()
	code := e.ErrorCode()

	var (
		body []byte
		err  error
	)
	switch d {
	case JSON10, JSON11:
		// Error bodies are labelled json-1.1 for both versions; SDKs key off __type only.
		header.Set("Content-Type", jsonErrorContentType)
		header.Set("X-Amzn-Errortype", code)
		body, err = json.Marshal(jsonError{Type: code, Message: e.Message})
	case RESTJSON:
		header.Set("X-Amzn-Errortype", code)
		body, err = json.Marshal(restJSONError{Message: e.Message})
	case Query:
		body, err = marshalXML(queryError{
			Error:     queryErrorBody{Type: faultType(status), Code: code, Message: e.Message},
			RequestID: requestID,
		})
	case EC2Query:
		body, err = marshalXML(ec2Error{
			Errors:    []ec2ErrorBody{{Code: code, Message: e.Message}},
			RequestID: requestID,
		})
	default:
		env := restXMLError{Code: code, Message: e.Message, RequestID: requestID}
		if e.Kind == awserr.KindNoSuchKey {
			env.Key = e.Resource
		}
		body, err = marshalXML(env)
	}
	if err != nil {
		// Envelopes are fixed structs of strings; failing to encode one is not recoverable.
		return http.StatusInternalServerError, header, nil
	}
	return status, header, body
}

func faultType(status int) string {
	if status >= http.StatusInternalServerError {
		return "Receiver"
	}
	return "Sender"
}

func marshalXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
