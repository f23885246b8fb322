package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"cloudemu/pkg/awserr"
)

// S3Namespace is the xmlns of every S3 response document.
const S3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// EncodeXML marshals v as a UTF-8 document with the XML preamble.
func EncodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, awserr.Internal(err)
	}
	return buf.Bytes(), nil
}

// DecodeXML unmarshals an S3 request document. Element names match on their local part, so
// clients that prefix the S3 namespace are accepted. Unparseable input is MalformedXML.
func DecodeXML(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return awserr.MalformedXML()
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return awserr.MalformedXML()
	}
	return nil
}

// Canonicalize re-encodes an XML document token by token, dropping the preamble and
// insignificant whitespace between elements. Two documents with the same structure
// canonicalize to the same bytes.
func Canonicalize(body []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, awserr.MalformedXML()
		}
		switch t := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			tok = xml.CharData(bytes.TrimSpace(t))
		case xml.StartElement:
			tok = stripNamespace(t)
		case xml.EndElement:
			tok = xml.EndElement{Name: xml.Name{Local: t.Name.Local}}
		}
		if err := enc.EncodeToken(tok); err != nil {
			return nil, awserr.MalformedXML()
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, awserr.Internal(err)
	}
	if buf.Len() == 0 {
		return nil, awserr.MalformedXML()
	}
	return buf.Bytes(), nil
}

func stripNamespace(t xml.StartElement) xml.StartElement {
	out := xml.StartElement{Name: xml.Name{Local: t.Name.Local}}
	for _, attr := range t.Attr {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
			continue
		}
		out.Attr = append(out.Attr, xml.Attr{Name: xml.Name{Local: attr.Name.Local}, Value: attr.Value})
	}
	return out
}

// EncodeQueryResponse builds the AWS-Query success envelope:
//
//	<ActionResponse xmlns="ns"><ActionResult>...</ActionResult><ResponseMetadata>...</ResponseMetadata></ActionResponse>
//
// A nil result omits the Result element, as AWS does for actions without output.
func EncodeQueryResponse(action, namespace string, result any, requestID string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{
		Name: xml.Name{Local: action + "Response"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: namespace}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, awserr.Internal(err)
	}
	if result != nil {
		if err := enc.EncodeElement(result, xml.StartElement{Name: xml.Name{Local: action + "Result"}}); err != nil {
			return nil, awserr.Internal(err)
		}
	}
	meta := responseMetadata{RequestID: requestID}
	if err := enc.EncodeElement(meta, xml.StartElement{Name: xml.Name{Local: "ResponseMetadata"}}); err != nil {
		return nil, awserr.Internal(err)
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, awserr.Internal(err)
	}
	if err := enc.Flush(); err != nil {
		return nil, awserr.Internal(err)
	}
	return buf.Bytes(), nil
}

type responseMetadata struct {
	RequestID string `xml:"RequestId"`
}

// EC2Namespace is the xmlns of EC2 responses.
const EC2Namespace = "http://ec2.amazonaws.com/doc/2016-11-15/"

// EC2Meta is embedded in every EC2 response struct. Its fields are filled by EncodeEC2Response.
type EC2Meta struct {
	XMLNS     string `xml:"xmlns,attr" json:"-"`
	RequestID string `xml:"requestId" json:"-"`
}

func (m *EC2Meta) ec2Meta() *EC2Meta { return m }

// EC2Result is implemented by pointers to structs embedding EC2Meta.
type EC2Result interface {
	ec2Meta() *EC2Meta
}

// EncodeEC2Response builds the EC2 success document <ActionResponse xmlns><requestId/>...</ActionResponse>.
func EncodeEC2Response(action string, result EC2Result, requestID string) ([]byte, error) {
	meta := result.ec2Meta()
	meta.XMLNS = EC2Namespace
	meta.RequestID = requestID

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeElement(result, xml.StartElement{Name: xml.Name{Local: action + "Response"}}); err != nil {
		return nil, awserr.Internal(err)
	}
	if err := enc.Flush(); err != nil {
		return nil, awserr.Internal(err)
	}
	return buf.Bytes(), nil
}
