package wire

import (
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudemu/pkg/awserr"
)

func TestDecodeJSON(t *testing.T) {
	var v struct {
		TableName string
	}
	require.NoError(t, DecodeJSON(nil, &v))
	require.NoError(t, DecodeJSON([]byte(`{"TableName":"Users"}`), &v))
	assert.Equal(t, "Users", v.TableName)

	err := DecodeJSON([]byte(`{not json`), &v)
	require.Error(t, err)
	assert.Equal(t, "SerializationException", awserr.From(err).ErrorCode())
	assert.Equal(t, http.StatusBadRequest, awserr.From(err).Status())
}

func TestDecodeXMLAcceptsNamespaces(t *testing.T) {
	var cfg struct {
		Status string `xml:"Status"`
	}
	body := `<?xml version="1.0"?><s3:VersioningConfiguration xmlns:s3="http://s3.amazonaws.com/doc/2006-03-01/"><s3:Status>Enabled</s3:Status></s3:VersioningConfiguration>`
	require.NoError(t, DecodeXML([]byte(body), &cfg))
	assert.Equal(t, "Enabled", cfg.Status)

	err := DecodeXML([]byte("   "), &cfg)
	assert.True(t, awserr.IsKind(err, awserr.KindMalformedXML))
	err = DecodeXML([]byte("<a><b></a>"), &cfg)
	assert.True(t, awserr.IsKind(err, awserr.KindMalformedXML))
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte("<?xml version=\"1.0\"?>\n<Tagging xmlns=\"x\">\n  <TagSet>\n    <Tag><Key>k</Key></Tag>\n  </TagSet>\n</Tagging>"))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`<Tagging><TagSet><Tag><Key>k</Key></Tag></TagSet></Tagging>`))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestEncodeQueryResponse(t *testing.T) {
	type result struct {
		TopicArn string
	}
	body, err := EncodeQueryResponse("CreateTopic", "http://sns.amazonaws.com/doc/2010-03-31/",
		result{TopicArn: "arn:aws:sns:us-east-1:000000000000:t"}, "req-1")
	require.NoError(t, err)
	assert.Contains(t, string(body), `<CreateTopicResponse xmlns="http://sns.amazonaws.com/doc/2010-03-31/">`)
	assert.Contains(t, string(body), `<CreateTopicResult><TopicArn>arn:aws:sns:us-east-1:000000000000:t</TopicArn></CreateTopicResult>`)
	assert.Contains(t, string(body), `<ResponseMetadata><RequestId>req-1</RequestId></ResponseMetadata></CreateTopicResponse>`)

	empty, err := EncodeQueryResponse("DeleteTopic", "ns", nil, "req-2")
	require.NoError(t, err)
	assert.NotContains(t, string(empty), "DeleteTopicResult")
}

type describeVpcs struct {
	EC2Meta
	VpcIDs []string `xml:"vpcSet>item>vpcId"`
}

func TestEncodeEC2Response(t *testing.T) {
	body, err := EncodeEC2Response("DescribeVpcs", &describeVpcs{VpcIDs: []string{"vpc-1"}}, "req-3")
	require.NoError(t, err)
	s := string(body)
	assert.Contains(t, s, `<DescribeVpcsResponse xmlns="`+EC2Namespace+`">`)
	assert.Contains(t, s, `<requestId>req-3</requestId>`)
	assert.Contains(t, s, `<vpcSet><item><vpcId>vpc-1</vpcId></item></vpcSet>`)
}

func TestParamsLists(t *testing.T) {
	p, err := ParseQuery("Version=2010-03-31",
		[]byte("Action=Subscribe&AttributeNames.member.2=b&AttributeNames.member.1=a&InstanceId.1=i-1&InstanceId.2=i-2"+
			"&Tags.member.1.Key=env&Tags.member.1.Value=dev&Attributes.entry.1.key=Policy&Attributes.entry.1.value=p"+
			"&Attribute.1.Name=VisibilityTimeout&Attribute.1.Value=10"))
	require.NoError(t, err)

	assert.Equal(t, "Subscribe", p.Get("Action"))
	assert.Equal(t, "2010-03-31", p.Get("Version"))
	assert.Equal(t, []string{"a", "b"}, p.List("AttributeNames"))
	assert.Equal(t, []string{"i-1", "i-2"}, p.List("InstanceId"))
	assert.Equal(t, map[string]string{"env": "dev"}, p.Map("Tags"))
	assert.Equal(t, map[string]string{"Policy": "p"}, p.Map("Attributes"))
	assert.Equal(t, map[string]string{"VisibilityTimeout": "10"}, p.Map("Attribute"))

	_, err = p.Require("TopicArn")
	assert.True(t, awserr.IsKind(err, awserr.KindInvalidArgument))
	assert.Equal(t, 7, p.Int("Missing", 7))
}

func TestChunkedReader(t *testing.T) {
	body := "5;chunk-signature=abc\r\nHello\r\n6;chunk-signature=def\r\n World\r\n0;chunk-signature=0\r\n\r\n"
	data, err := io.ReadAll(NewChunkedReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(data))

	_, err = io.ReadAll(NewChunkedReader(strings.NewReader("zz;chunk-signature=x\r\nabc")))
	assert.Error(t, err)

	h := http.Header{}
	assert.False(t, IsAWSChunked(h))
	h.Set("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")
	assert.True(t, IsAWSChunked(h))
	assert.Equal(t, int64(-1), DecodedLength(h))
}

func TestRenderErrorEnvelopes(t *testing.T) {
	e := awserr.NoSuchBucket("missing")

	status, header, body := RenderError(RESTXML, e, "rid")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "application/xml", header.Get("Content-Type"))
	var xmlErr struct {
		Code      string
		Message   string
		RequestID string `xml:"RequestId"`
	}
	require.NoError(t, xml.Unmarshal(body, &xmlErr))
	assert.Equal(t, "NoSuchBucket", xmlErr.Code)
	assert.Equal(t, "rid", xmlErr.RequestID)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+
		`<Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message>`+
		`<RequestId>rid</RequestId></Error>`, string(body))

	_, _, body = RenderError(RESTXML, awserr.NoSuchKey("photos/a.jpg"), "rid")
	assert.Contains(t, string(body), "<Key>photos/a.jpg</Key><RequestId>rid</RequestId>")
	assert.NotContains(t, string(body), "<Resource>")

	status, header, body = RenderError(JSON11, awserr.NotFound("Function", "f").WithCode("ResourceNotFoundException"), "rid")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "application/x-amz-json-1.1", header.Get("Content-Type"))
	var jsonErr map[string]string
	require.NoError(t, json.Unmarshal(body, &jsonErr))
	assert.Equal(t, "ResourceNotFoundException", jsonErr["__type"])
	assert.NotEmpty(t, jsonErr["message"])

	_, header, _ = RenderError(JSON10, awserr.NotFound("Table", "t").WithCode("ResourceNotFoundException"), "rid")
	assert.Equal(t, "application/x-amz-json-1.1", header.Get("Content-Type"))
	assert.Equal(t, "ResourceNotFoundException", header.Get("X-Amzn-Errortype"))

	_, _, body = RenderError(RESTJSON, awserr.InvalidArgument("bad"), "rid")
	assert.JSONEq(t, `{"message":"bad"}`, string(body))

	status, _, body = RenderError(Query, awserr.AlreadyExists("t").WithCode("EntityAlreadyExists"), "rid")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "<ErrorResponse><Error><Type>Sender</Type><Code>EntityAlreadyExists</Code>")
	assert.Contains(t, string(body), "<RequestId>rid</RequestId></ErrorResponse>")

	_, _, body = RenderError(EC2Query, awserr.NotFound("Vpc", "vpc-1").WithCode("InvalidVpcID.NotFound"), "rid")
	assert.Contains(t, string(body), "<Response><Errors><Error><Code>InvalidVpcID.NotFound</Code>")
	assert.Contains(t, string(body), "<RequestID>rid</RequestID>")
}

func TestQueryServiceForVersion(t *testing.T) {
	for name, qa := range QueryAPIs {
		got, ok := QueryServiceForVersion(qa.Version)
		require.True(t, ok, name)
		assert.Equal(t, name, got)
	}
	_, ok := QueryServiceForVersion("1999-01-01")
	assert.False(t, ok)
	_, ok = QueryServiceForVersion("")
	assert.False(t, ok)
}
